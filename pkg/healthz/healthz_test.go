package healthz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuildr/pkg/metrics"
	"autobuildr/pkg/persistence"
)

func setupServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	db, err := persistence.Open(filepath.Join(dir, "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ops := persistence.NewDatabaseOperations(db.DB())
	s := New(ops, 0, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.serve(ctx, ln)
	return s
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func TestHealthEndpoint(t *testing.T) {
	s := setupServer(t)

	resp, body := get(t, fmt.Sprintf("http://%s/healthz", s.Addr()))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.EqualValues(t, persistence.CurrentSchemaVersion, payload["schema_version"])
	assert.EqualValues(t, 0, payload["active_runs"])
	assert.EqualValues(t, 0, payload["pending_features"])
}

func TestHealthRejectsPost(t *testing.T) {
	s := setupServer(t)

	resp, err := http.Post(fmt.Sprintf("http://%s/healthz", s.Addr()), "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Default().RunStarted() // make sure at least one family exists
	s := setupServer(t)

	resp, body := get(t, fmt.Sprintf("http://%s/metrics", s.Addr()))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "autobuildr_runs_started_total")
}

func TestDisabledListener(t *testing.T) {
	dir := t.TempDir()
	db, err := persistence.Open(filepath.Join(dir, "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(persistence.NewDatabaseOperations(db.DB()), 0, false)
	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, s.Addr())
}
