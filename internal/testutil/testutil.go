// Package testutil provides shared test helpers: a stand-in for a state
// download site and output assertions for CLI tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// Mirror is an HTTP server that serves state data files from memory.
// Unknown paths answer 404.
type Mirror struct {
	server *httptest.Server

	mu       sync.Mutex
	files    map[string]string
	status   int
	stalled  bool
	requests []*http.Request
	closed   chan struct{}
}

// NewMirror starts a mirror that is closed when the test ends.
func NewMirror(t *testing.T) *Mirror {
	t.Helper()
	m := &Mirror{files: make(map[string]string), closed: make(chan struct{})}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	t.Cleanup(func() { close(m.closed) })
	return m
}

func (m *Mirror) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, r.Clone(r.Context()))
	status := m.status
	stalled := m.stalled
	body, ok := m.files[r.URL.Path]
	m.mu.Unlock()

	if stalled {
		select {
		case <-r.Context().Done():
		case <-m.closed:
		}
		return
	}

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write([]byte(body))
}

// URL returns the mirror's base URL.
func (m *Mirror) URL() string {
	return m.server.URL
}

// Serve publishes body at path.
func (m *Mirror) Serve(path, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = body
}

// FailWith makes every request answer status. 0 restores normal serving.
func (m *Mirror) FailWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Stall makes requests hang until the client gives up or the test ends.
func (m *Mirror) Stall(stalled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled = stalled
}

// Requests returns the number of requests received.
func (m *Mirror) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// LastHeader returns header name of the most recent request, or "".
func (m *Mirror) LastHeader(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return ""
	}
	return m.requests[len(m.requests)-1].Header.Get(name)
}

// WriteConfig writes a config file into dir and returns its path.
func WriteConfig(t *testing.T, dir, yamlContent string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

// AssertContains fails the test if output doesn't contain expected string.
func AssertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// AssertNotContains fails the test if output contains unexpected string.
func AssertNotContains(t *testing.T, output, unexpected string) {
	t.Helper()
	if strings.Contains(output, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, output)
	}
}

// AssertExitCode fails the test if exit code doesn't match expected.
func AssertExitCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("expected exit code %d, got %d", want, got)
	}
}
