//go:build e2e

// Package e2e black-box tests the satellite CLI binary end to end,
// the way the teacher's own test/e2e package drives its server binary:
// start a process, talk to it over its real external interface, and
// assert on its externally visible behavior rather than its internals.
package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mducko/electric/internal/wire"
)

// frame mirrors internal/transport's unexported wire envelope closely
// enough to drive it from the server side of the socket.
type frame struct {
	Type        string                   `json:"type"`
	ID          string                   `json:"id,omitempty"`
	Transaction *wire.DataTransaction    `json:"transaction,omitempty"`
	Subscribe   *wire.SubscribeRequest   `json:"subscribe_request,omitempty"`
	Subscribed  *wire.SubscribeResponse  `json:"subscribe_response,omitempty"`
	Unsubscribe *wire.UnsubscribeRequest `json:"unsubscribe_request,omitempty"`
	Initial     []wire.DataChange        `json:"initial,omitempty"`
	ErrorKind   string                   `json:"error_kind,omitempty"`
	ErrorMsg    string                   `json:"error_msg,omitempty"`
}

// fakeServer is a minimal stand-in replication server: it upgrades the
// single websocket connection a CLI invocation opens and answers
// subscribe/unsubscribe requests immediately, with an empty initial
// batch, so the real client-side state machine runs end to end without
// requiring an actual Electric-compatible server in the test.
type fakeServer struct {
	httpSrv *httptest.Server
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			resp, ok := respondTo(f)
			if !ok {
				continue
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fakeServer{httpSrv: srv}
}

// respondTo builds the canned response for one request frame. Subscribe
// always succeeds with a fresh server-assigned ID and no initial rows;
// unsubscribe always acks.
func respondTo(f frame) (frame, bool) {
	switch f.Type {
	case "subscribe_request":
		return frame{
			Type:       "subscribe_response",
			ID:         f.ID,
			Subscribed: &wire.SubscribeResponse{SubscriptionID: f.Subscribe.SubscriptionID, ServerID: uuid.NewString()},
			Initial:    []wire.DataChange{},
		}, true
	case "unsubscribe_request":
		return frame{Type: "unsubscribe_response", ID: f.ID}, true
	default:
		return frame{}, false
	}
}

// wsURL turns the fake server's http:// base URL into the ws:// one
// the satellite binary's SATELLITE_SERVER_URL setting expects.
func (s *fakeServer) wsURL() string {
	u, err := url.Parse(s.httpSrv.URL)
	if err != nil {
		panic(err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

// schemaFixture writes a minimal relation-catalog JSON file describing
// one table, for the CLI's --schema flag.
func schemaFixture(t *testing.T, dir string) string {
	t.Helper()
	doc := map[string]any{
		"relations": []map[string]any{
			{
				"namespace":   "public",
				"tablename":   "items",
				"columns":     []string{"id", "title"},
				"primary_key": []string{"id"},
			},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatalf("marshal schema fixture: %v", err)
	}
	path := filepath.Join(dir, "schema.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write schema fixture: %v", err)
	}
	return path
}

// runSatellite runs the satellite binary with args against an isolated
// database and schema file, returning combined stdout+stderr.
func runSatellite(t *testing.T, dbPath, schemaPath, serverURL string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(satelliteBin, append([]string{"--schema", schemaPath, "--sub", "e2e-user"}, args...)...)
	cmd.Env = append(os.Environ(),
		"SATELLITE_DB_PATH="+dbPath,
		"SATELLITE_SERVER_URL="+serverURL,
		"SATELLITE_DEV_MODE=true",
		"SATELLITE_CONFIG_PATH="+filepath.Join(t.TempDir(), "nonexistent.yaml"),
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
