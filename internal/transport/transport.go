// Package transport implements the streaming replication transport
// the Connection Controller drives (spec §6 "Wire protocol"): a
// websocket connection carrying multiplexed DataTransaction,
// AdditionalData, GoneBatch, and subscribe/unsubscribe request-response
// frames.
//
// The wire codec itself is an external collaborator per spec §1; this
// package fixes one concrete realization of it (JSON frames over
// gorilla/websocket) so the engine has something to drive end to end.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mducko/electric/internal/errorkind"
	"github.com/mducko/electric/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // 4 MiB: shape initial batches can be large
)

// frameType discriminates the multiplexed envelope carried over the
// single websocket connection.
type frameType string

const (
	frameTransaction   frameType = "transaction"
	frameAdditional    frameType = "additional_data"
	frameGoneBatch     frameType = "gone_batch"
	frameSubscribeReq  frameType = "subscribe_request"
	frameSubscribeResp frameType = "subscribe_response"
	frameUnsubscribe   frameType = "unsubscribe_request"
	frameUnsubscribeOK frameType = "unsubscribe_response"
	frameAck           frameType = "ack"
	frameError         frameType = "error"
)

// frame is the wire envelope every message is wrapped in. ID
// correlates a request with its response. The connection's session
// ID is generated locally and is not part of the envelope.
type frame struct {
	Type        frameType                `json:"type"`
	ID          string                   `json:"id,omitempty"`
	Transaction *wire.DataTransaction    `json:"transaction,omitempty"`
	Additional  *wire.AdditionalData     `json:"additional_data,omitempty"`
	GoneBatch   *wire.GoneBatch          `json:"gone_batch,omitempty"`
	Subscribe   *wire.SubscribeRequest   `json:"subscribe_request,omitempty"`
	Subscribed  *wire.SubscribeResponse  `json:"subscribe_response,omitempty"`
	Unsubscribe *wire.UnsubscribeRequest `json:"unsubscribe_request,omitempty"`
	Initial     []wire.DataChange        `json:"initial,omitempty"`
	ErrorKind   string                   `json:"error_kind,omitempty"`
	ErrorMsg    string                   `json:"error_msg,omitempty"`
}

// Conn is one client-side websocket session to the replication server.
// A Conn is single-use: once closed it cannot be reconnected, matching
// the Connection Controller's "re-created on reconnect" lifecycle
// (spec §9's design note on relations, applied equally to transport
// sessions).
type Conn struct {
	ws        *websocket.Conn
	sessionID string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	Transactions   chan wire.DataTransaction
	AdditionalData chan wire.AdditionalData
	GoneBatches    chan wire.GoneBatch

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a websocket connection to the replication server at url,
// presenting token as a bearer credential, and starts the background
// read pump. The caller must call Close when done.
func Dial(ctx context.Context, url, token string) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errorkind.Wrap(errorkind.AuthExpired, err)
		}
		return nil, errorkind.Wrap(errorkind.Internal, fmt.Errorf("transport: dial %s: %w", url, err))
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &Conn{
		ws:             ws,
		sessionID:      uuid.NewString(),
		pending:        make(map[string]chan frame),
		Transactions:   make(chan wire.DataTransaction, 16),
		AdditionalData: make(chan wire.AdditionalData, 16),
		GoneBatches:    make(chan wire.GoneBatch, 16),
		closed:         make(chan struct{}),
	}

	go c.readPump()
	go c.pingLoop()

	return c, nil
}

// SessionID returns this connection's locally-generated session
// identifier, included in logs to correlate frames from one socket.
func (c *Conn) SessionID() string { return c.sessionID }

// Close terminates the connection and its background pumps. Safe to
// call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readPump() {
	defer func() {
		close(c.Transactions)
		close(c.AdditionalData)
		close(c.GoneBatches)
		c.failPending(errorkind.New(errorkind.Internal, "transport: connection closed"))
	}()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("transport: unexpected close", "component", "transport", "session_id", c.sessionID, "error", err)
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f frame) {
	switch f.Type {
	case frameTransaction:
		if f.Transaction != nil {
			select {
			case c.Transactions <- *f.Transaction:
			case <-c.closed:
			}
		}
	case frameAdditional:
		if f.Additional != nil {
			select {
			case c.AdditionalData <- *f.Additional:
			case <-c.closed:
			}
		}
	case frameGoneBatch:
		if f.GoneBatch != nil {
			select {
			case c.GoneBatches <- *f.GoneBatch:
			case <-c.closed:
			}
		}
	case frameSubscribeResp, frameUnsubscribeOK, frameAck, frameError:
		c.resolvePending(f)
	}
}

func (c *Conn) resolvePending(f frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan frame)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- frame{Type: frameError, ErrorKind: string(errorkind.KindOf(err)), ErrorMsg: err.Error()}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

// request sends f (with a fresh correlation ID) and blocks for its
// matching response frame or ctx cancellation.
func (c *Conn) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	c.pendingMu.Lock()
	c.pending[f.ID] = ch
	c.pendingMu.Unlock()

	if err := c.write(f); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
		return frame{}, errorkind.Wrap(errorkind.Internal, err)
	}

	select {
	case resp := <-ch:
		if resp.Type == frameError {
			return frame{}, errorkind.New(errorkind.Kind(resp.ErrorKind), resp.ErrorMsg)
		}
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
		return frame{}, ctx.Err()
	case <-c.closed:
		return frame{}, errorkind.New(errorkind.ConnectionCancelledByDisconnect, "transport: connection closed")
	}
}

// Subscribe implements shapes.ServerClient over this connection.
func (c *Conn) Subscribe(ctx context.Context, req wire.SubscribeRequest) (wire.SubscribeResponse, []wire.DataChange, error) {
	resp, err := c.request(ctx, frame{Type: frameSubscribeReq, Subscribe: &req})
	if err != nil {
		return wire.SubscribeResponse{}, nil, err
	}
	if resp.Subscribed == nil {
		return wire.SubscribeResponse{}, nil, errorkind.New(errorkind.ShapeDeliveryError, "transport: subscribe response missing payload")
	}
	return *resp.Subscribed, resp.Initial, nil
}

// Unsubscribe implements shapes.ServerClient over this connection.
func (c *Conn) Unsubscribe(ctx context.Context, req wire.UnsubscribeRequest) error {
	_, err := c.request(ctx, frame{Type: frameUnsubscribe, Unsubscribe: &req})
	return err
}

// PushTransaction sends a locally-originated transaction upstream and
// waits for the server's ack, returning the LSN the ack carries (nil
// if none). The connection controller does not checkpoint this value;
// it advances its LSN when the echoed transaction is applied.
func (c *Conn) PushTransaction(ctx context.Context, txn wire.DataTransaction) ([]byte, error) {
	resp, err := c.request(ctx, frame{Type: frameTransaction, Transaction: &txn})
	if err != nil {
		return nil, err
	}
	if resp.Transaction != nil {
		return resp.Transaction.LSN, nil
	}
	return nil, nil
}
