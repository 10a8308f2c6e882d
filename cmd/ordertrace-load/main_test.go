package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	root.SetArgs(args)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "ordertrace-load dev (commit: unknown, built: unknown)\n", out)
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	t.Run("valid profile", func(t *testing.T) {
		t.Parallel()
		path := writeProfile(t, `
target: http://localhost:8080
duration: 30s
traffic:
  rate: 50/s
  pattern: bursty
products:
  PROD-001: 1
  PROD-042: 1
`)
		out, err := execute(t, "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Profile valid: bursty 50/s for 30s against http://localhost:8080")
		assert.Contains(t, out, "Warning: PROD-042 is not in the catalog")
		assert.NotContains(t, out, "PROD-001 is not")
	})

	t.Run("invalid profile", func(t *testing.T) {
		t.Parallel()
		path := writeProfile(t, `
concurrency: 0
traffic:
  rate: fast
`)
		_, err := execute(t, "validate", path)
		assert.ErrorContains(t, err, "concurrency must be at least 1")
		assert.ErrorContains(t, err, "invalid rate")
	})
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	var created atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_, _ = fmt.Fprintf(w, `{"orderId":"o-%d"}`, created.Add(1))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "run",
		"--target", srv.URL,
		"--rate", "1000/s",
		"--pattern", "uniform",
		"--duration", "20s",
		"--max-requests", "25",
		"--seed", "7",
		"--json",
	)
	require.NoError(t, err)

	var stats struct {
		Requests        int64            `json:"requests"`
		TransportErrors int64            `json:"transport_errors"`
		Statuses        map[string]int64 `json:"statuses"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats), out)
	assert.EqualValues(t, 25, stats.Requests)
	assert.Zero(t, stats.TransportErrors)
	assert.Equal(t, created.Load(), stats.Statuses["201"])
	assert.Equal(t, int64(25), stats.Statuses["201"]+stats.Statuses["200"])
}

func TestRunCommandTable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "run", "--target", srv.URL, "--rate", "500/s", "--max-requests", "5", "--duration", "10s")
	require.NoError(t, err)
	assert.Contains(t, out, "5 requests in")
	assert.Contains(t, out, "503")
}

func TestRunCommandRejectsBadFlags(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "run", "--pattern", "sawtooth")
	assert.ErrorContains(t, err, `unknown traffic pattern "sawtooth"`)

	_, err = execute(t, "run", "--target", "localhost:8080")
	assert.ErrorContains(t, err, "target must be an http(s) URL")

	_, err = execute(t, "run", writeProfile(t, "mix: {}"), "--log-level", "loud")
	assert.ErrorContains(t, err, "mix: at least one positive weight")
}
