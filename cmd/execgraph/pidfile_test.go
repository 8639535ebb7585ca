package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, ok := signalRunning(syscall.Signal(0))
	assert.False(t, ok, "no pid file")

	writePID(slog.New(slog.NewTextHandler(io.Discard, nil)))
	pid, ok := readPID()
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)

	pid, ok = signalRunning(syscall.Signal(0))
	assert.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, os.WriteFile(pidPath(), []byte("garbage"), 0o644))
	_, ok = readPID()
	assert.False(t, ok)
}

func TestLiveHandler(t *testing.T) {
	respond := func(code int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) })
	}
	h := newLiveHandler(respond(http.StatusOK))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.Store(respond(http.StatusTeapot))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestBuildVersion(t *testing.T) {
	old := version
	t.Cleanup(func() { version = old })

	version = "v1.2.3"
	assert.Equal(t, "v1.2.3", buildVersion())

	version = ""
	assert.NotEmpty(t, buildVersion())
}
