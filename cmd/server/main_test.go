package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexiqai/speaker-gateway/internal/config"
	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/pipeline"
	"github.com/lexiqai/speaker-gateway/internal/session"
	"github.com/lexiqai/speaker-gateway/internal/speaker"
)

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, []byte) (pipeline.Result, error) {
	return pipeline.Result{Transcript: "Ann: I am Ann"}, nil
}

type stubCommander struct{}

func (stubCommander) StartTranscription(context.Context, string) error { return nil }
func (stubCommander) StopTranscription(context.Context, string) error  { return nil }

func testRouter(ready bool) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	return newRouter(routerDeps{
		config:      &config.Config{MetricsEnabled: true},
		listener:    ok,
		hub:         ok,
		transcriber: stubTranscriber{},
		calls:       stubCommander{},
		readiness: map[string]observability.HealthCheckFunc{
			"speech_backend": func(context.Context) (bool, error) {
				if !ready {
					return false, errors.New("circuit open")
				}
				return true, nil
			},
		},
	})
}

func TestRouter_Routes(t *testing.T) {
	router := testRouter(true)

	tests := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/ready", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, relayPath, "", http.StatusTeapot},
		{http.MethodGet, subscribePath, "", http.StatusTeapot},
		{http.MethodPost, "/api/transcribe", `{"audio":"AAAA"}`, http.StatusOK},
		{http.MethodPost, "/api/transcribe", `{}`, http.StatusBadRequest},
		{http.MethodPost, "/calls/c1/transcription/start", "", http.StatusOK},
		{http.MethodPost, "/calls/c1/transcription/stop", "", http.StatusOK},
		{http.MethodGet, "/api/transcribe", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRouter_NotReady(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	testRouter(false).ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, session.Summary{
		SessionID:  "s-1",
		State:      session.StateTerminated,
		Reason:     session.ReasonSessionStopped,
		Utterances: 3,
		Speakers: []speaker.Entry{
			{ID: speaker.NewID("0"), Name: "Alice", Inferred: true},
			{ID: speaker.NewID("1"), Name: "Speaker 1"},
		},
	})

	out := buf.String()
	require.Contains(t, out, "Session s-1 ended (session_stopped)")
	require.Contains(t, out, "3 final utterances")
	require.Contains(t, out, "Alice")
	require.Contains(t, out, "introduction")
	require.Contains(t, out, "Speaker 1")
	require.Contains(t, out, "placeholder")
}

func TestRootCmd_RejectsLiveWithFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--live", "call.wav"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}

func TestRootCmd_TooManyArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"a.wav", "b.wav"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}
