package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/filetrace/kernel-collector/capture"
	"github.com/filetrace/kernel-collector/session"
)

type stubCollector struct {
	startErr error
	started  []string
	live     map[string]bool
}

func (s *stubCollector) StartCapture(analysisID, outputDir, targetExe string) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, analysisID)
	s.live[analysisID] = true
	return nil
}

func (s *stubCollector) TryStopCapture(analysisID string) bool {
	if s.live[analysisID] {
		delete(s.live, analysisID)
		return true
	}
	return false
}

func (s *stubCollector) Diagnostics() session.Diagnostics {
	return session.Diagnostics{LoopState: session.LoopStateRunning, ProcStart: 7}
}

func newTestServer(stub *stubCollector) *Server {
	if stub.live == nil {
		stub.live = make(map[string]bool)
	}
	return NewServer("127.0.0.1:0", stub, zap.NewNop())
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestStartValidation(t *testing.T) {
	s := newTestServer(&stubCollector{})

	tests := []struct {
		name string
		body string
	}{
		{"missing analysis_id", `{"output_dir":"/tmp/x","target_exe":"a.exe"}`},
		{"missing output_dir", `{"analysis_id":"an-1","target_exe":"a.exe"}`},
		{"missing target_exe", `{"analysis_id":"an-1","output_dir":"/tmp/x"}`},
		{"invalid json", `{nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := doJSON(t, s.Handler(), http.MethodPost, "/start", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestStartAndStopFlow(t *testing.T) {
	stub := &stubCollector{}
	s := newTestServer(stub)

	rec, out := doJSON(t, s.Handler(), http.MethodPost, "/start",
		`{"analysis_id":"an-1","output_dir":"/tmp/an-1","target_exe":"sample.exe"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "started", out["status"])
	assert.Equal(t, []string{"an-1"}, stub.started)

	rec, out = doJSON(t, s.Handler(), http.MethodPost, "/stop", `{"analysis_id":"an-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", out["status"])

	// Stopping again, or stopping an unknown id, is not an error.
	rec, out = doJSON(t, s.Handler(), http.MethodPost, "/stop", `{"analysis_id":"an-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_stopped", out["status"])

	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/stop", `{"analysis_id":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartDuplicateConflict(t *testing.T) {
	stub := &stubCollector{startErr: fmt.Errorf("%w for analysis_id=an-1", capture.ErrDuplicateCapture)}
	s := newTestServer(stub)

	rec, out := doJSON(t, s.Handler(), http.MethodPost, "/start",
		`{"analysis_id":"an-1","output_dir":"/tmp/an-1","target_exe":"sample.exe"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, out["error"], "an-1")
}

func TestStartInternalError(t *testing.T) {
	stub := &stubCollector{startErr: fmt.Errorf("session open failed")}
	s := newTestServer(stub)

	rec, out := doJSON(t, s.Handler(), http.MethodPost, "/start",
		`{"analysis_id":"an-1","output_dir":"/tmp/an-1","target_exe":"sample.exe"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, out["error"])
}

func TestHealth(t *testing.T) {
	s := newTestServer(&stubCollector{})

	rec, out := doJSON(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])

	diag, ok := out["diag"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, session.LoopStateRunning, diag["loop_state"])
	assert.EqualValues(t, 7, diag["proc_start"])
}
