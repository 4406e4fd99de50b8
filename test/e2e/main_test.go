//go:build e2e

package e2e

import (
	"os"
	"os/exec"
	"testing"
)

var satelliteBin string

func TestMain(m *testing.M) {
	satelliteBin = envOrLookPath("SATELLITE_BIN", "satellite")
	os.Exit(m.Run())
}

func envOrLookPath(envVar, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

func requireSatellite(t *testing.T) {
	t.Helper()
	if satelliteBin == "" {
		t.Skip("satellite binary not available (set SATELLITE_BIN or add to PATH)")
	}
}
