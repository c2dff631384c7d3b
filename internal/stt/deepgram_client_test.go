package stt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/config"
	"github.com/lexiqai/speaker-gateway/internal/resilience"
	"github.com/lexiqai/speaker-gateway/internal/speaker"
)

type fakeConn struct {
	mu        sync.Mutex
	connectOK bool
	written   [][]byte
	writeErr  error
	finished  bool
	stopped   bool
}

func (f *fakeConn) Connect() bool { return f.connectOK }

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeConn) Finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = true
}

func (f *fakeConn) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeConn) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func testBackend(dial dialFunc) *DeepgramBackend {
	cfg := &config.Config{
		SpeechModel:        "nova-2",
		SpeechLanguage:     "en-US",
		SessionEventBuffer: 16,
	}
	return &DeepgramBackend{
		config:  cfg,
		breaker: resilience.NewCircuitBreaker("deepgram-test", 5, time.Second),
		retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		dial:         dial,
		drainTimeout: 50 * time.Millisecond,
		logger:       zerolog.Nop(),
	}
}

// openWithCallback opens a stream against a fake connection and returns the
// callback the SDK would drive.
func openWithCallback(t *testing.T) (Stream, *fakeConn, msginterfaces.LiveMessageCallback) {
	t.Helper()
	conn := &fakeConn{connectOK: true}
	var cb msginterfaces.LiveMessageCallback
	b := testBackend(func(_ context.Context, _ *interfaces.LiveTranscriptionOptions, c msginterfaces.LiveMessageCallback) (wsConn, error) {
		cb = c
		return conn, nil
	})
	s, err := b.Open(context.Background(), StreamOptions{Encoding: "linear16", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, conn, cb
}

func decodeMessage(t *testing.T, raw string) *msginterfaces.MessageResponse {
	t.Helper()
	var msg msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return &msg
}

const finalResult = `{
	"type": "Results",
	"start": 1.5,
	"duration": 2.0,
	"is_final": true,
	"channel": {"alternatives": [{
		"transcript": "Hi, my name is Alice",
		"confidence": 0.97,
		"words": [
			{"word": "hi", "punctuated_word": "Hi,", "start": 1.5, "end": 1.7, "speaker": 1},
			{"word": "my", "start": 1.8, "end": 1.9, "speaker": 1},
			{"word": "name", "start": 1.9, "end": 2.1, "speaker": 0},
			{"word": "is", "start": 2.1, "end": 2.2, "speaker": 1},
			{"word": "alice", "start": 2.2, "end": 3.5, "speaker": 1}
		]
	}]}
}`

func nextEvent(t *testing.T, s Stream) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestUtteranceFromMessage(t *testing.T) {
	u, ok := utteranceFromMessage(decodeMessage(t, finalResult))
	if !ok {
		t.Fatal("Expected a result message to convert")
	}

	if u.Text != "Hi, my name is Alice" {
		t.Errorf("Unexpected text %q", u.Text)
	}
	if !u.IsFinal {
		t.Error("Expected final utterance")
	}
	if u.SpeakerID != speaker.NewID("1") {
		t.Errorf("Expected majority speaker 1, got %s", u.SpeakerID)
	}
	if u.Offset != 1500*time.Millisecond || u.Duration != 2*time.Second {
		t.Errorf("Unexpected timing offset=%v duration=%v", u.Offset, u.Duration)
	}
	if len(u.Words) != 5 || u.Words[0].Text != "Hi," {
		t.Errorf("Unexpected words %+v", u.Words)
	}
}

func TestUtteranceFromMessage_SkipsSilenceAndOtherTypes(t *testing.T) {
	silence := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`
	if _, ok := utteranceFromMessage(decodeMessage(t, silence)); ok {
		t.Error("Expected empty transcript to be skipped")
	}

	other := `{"type":"Metadata","channel":{"alternatives":[{"transcript":"x"}]}}`
	if _, ok := utteranceFromMessage(decodeMessage(t, other)); ok {
		t.Error("Expected non-result message to be skipped")
	}
}

func TestUtteranceFromMessage_NoDiarization(t *testing.T) {
	raw := `{"type":"Results","channel":{"alternatives":[{"transcript":"hello","words":[{"word":"hello","start":0,"end":0.4}]}]}}`
	u, ok := utteranceFromMessage(decodeMessage(t, raw))
	if !ok {
		t.Fatal("Expected message to convert")
	}
	if !u.SpeakerID.IsUnknown() {
		t.Errorf("Expected Unknown speaker, got %s", u.SpeakerID)
	}
	if u.IsFinal {
		t.Error("Expected interim utterance")
	}
	if u.Duration != 400*time.Millisecond {
		t.Errorf("Expected duration from words, got %v", u.Duration)
	}
}

func TestDominantSpeaker_TieGoesToFirstHeard(t *testing.T) {
	two, three := 2, 3
	words := []msginterfaces.Word{
		{Word: "a", Speaker: &three},
		{Word: "b", Speaker: &two},
		{Word: "c", Speaker: &two},
		{Word: "d", Speaker: &three},
	}
	if got := dominantSpeaker(words); got != speaker.NewID("3") {
		t.Errorf("Expected speaker 3, got %s", got)
	}
}

func TestDeepgramStream_EventsInOrder(t *testing.T) {
	s, _, cb := openWithCallback(t)

	interim := decodeMessage(t, `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hi my","words":[{"word":"hi","speaker":1}]}]}}`)
	cb.Message(interim)
	cb.Message(decodeMessage(t, finalResult))
	cb.Close(&msginterfaces.CloseResponse{})

	if ev := nextEvent(t, s); ev.Kind != EventTranscribing || ev.Utterance.Text != "Hi my" {
		t.Errorf("Expected interim first, got %+v", ev)
	}
	if ev := nextEvent(t, s); ev.Kind != EventTranscribed {
		t.Errorf("Expected final second, got %v", ev.Kind)
	}
	if ev := nextEvent(t, s); ev.Kind != EventSessionStopped {
		t.Errorf("Expected session stopped, got %v", ev.Kind)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("Expected channel closed after terminal event")
	}
}

func TestDeepgramStream_ErrorCancels(t *testing.T) {
	s, _, cb := openWithCallback(t)

	cb.Error(&msginterfaces.ErrorResponse{})
	ev := nextEvent(t, s)
	if ev.Kind != EventCanceled || ev.Err == nil {
		t.Errorf("Expected canceled event with error, got %+v", ev)
	}

	// Later callbacks are dropped once the stream ended
	cb.Message(decodeMessage(t, finalResult))
	if _, ok := <-s.Events(); ok {
		t.Error("Expected channel closed after cancel")
	}
}

func TestDeepgramStream_SendAudioAndFinish(t *testing.T) {
	s, conn, _ := openWithCallback(t)

	if err := s.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio() failed: %v", err)
	}
	s.Finish()

	// No close from the server: drain timeout reports the stream stopped
	if ev := nextEvent(t, s); ev.Kind != EventSessionStopped {
		t.Errorf("Expected session stopped after drain, got %v", ev.Kind)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.written) != 1 || !conn.finished {
		t.Errorf("Expected one write and finish, got writes=%d finished=%v", len(conn.written), conn.finished)
	}
}

func TestDeepgramStream_SendAfterClose(t *testing.T) {
	s, conn, _ := openWithCallback(t)

	s.Close()
	if err := s.SendAudio([]byte{1}); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Expected ErrStreamClosed, got %v", err)
	}
	conn.mu.Lock()
	stopped := conn.stopped
	conn.mu.Unlock()
	if !stopped {
		t.Error("Expected client to be stopped on Close")
	}
	if _, ok := <-s.Events(); ok {
		t.Error("Expected channel closed after Close")
	}
}

func TestDeepgramBackend_OpenRetriesConnect(t *testing.T) {
	attempts := 0
	b := testBackend(func(context.Context, *interfaces.LiveTranscriptionOptions, msginterfaces.LiveMessageCallback) (wsConn, error) {
		attempts++
		return &fakeConn{connectOK: attempts >= 2}, nil
	})

	s, err := b.Open(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if attempts != 2 {
		t.Errorf("Expected 2 connect attempts, got %d", attempts)
	}
}

func TestDeepgramBackend_OpenStopsFailedConnections(t *testing.T) {
	var conns []*fakeConn
	b := testBackend(func(context.Context, *interfaces.LiveTranscriptionOptions, msginterfaces.LiveMessageCallback) (wsConn, error) {
		conn := &fakeConn{connectOK: len(conns) >= 2}
		conns = append(conns, conn)
		return conn, nil
	})

	s, err := b.Open(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if len(conns) != 3 {
		t.Fatalf("Expected 3 connect attempts, got %d", len(conns))
	}
	for i, conn := range conns[:2] {
		if !conn.isStopped() {
			t.Errorf("Expected failed connection %d to be stopped", i)
		}
	}
	if conns[2].isStopped() {
		t.Error("Expected live connection to stay open until Close")
	}

	s.Close()
	if !conns[2].isStopped() {
		t.Error("Expected Close to stop the live connection")
	}
}

func TestDeepgramBackend_OpenFailsOnPermanentError(t *testing.T) {
	attempts := 0
	b := testBackend(func(context.Context, *interfaces.LiveTranscriptionOptions, msginterfaces.LiveMessageCallback) (wsConn, error) {
		attempts++
		return nil, errors.New("invalid api key")
	})

	if _, err := b.Open(context.Background(), StreamOptions{}); err == nil {
		t.Fatal("Expected Open to fail")
	}
	if attempts != 1 {
		t.Errorf("Expected no retry for permanent error, got %d attempts", attempts)
	}
}

func TestTranscriptionOptions_Diarize(t *testing.T) {
	b := testBackend(nil)
	opts := b.transcriptionOptions(StreamOptions{Encoding: "linear16", SampleRate: 16000, Channels: 1})

	if !opts.Diarize {
		t.Error("Expected diarization enabled")
	}
	if opts.Model != "nova-2" || opts.Language != "en-US" {
		t.Errorf("Unexpected model/language %s/%s", opts.Model, opts.Language)
	}
	if opts.SampleRate != 16000 || opts.Encoding != "linear16" {
		t.Errorf("Unexpected audio options %+v", opts)
	}
}

func TestClientOptions_Region(t *testing.T) {
	if got := clientOptions("eu").Host; got != euHost {
		t.Errorf("Expected EU host, got %q", got)
	}
	if got := clientOptions("westeurope").Host; got != "" {
		t.Errorf("Expected default host, got %q", got)
	}
}

func TestDeepgramBackend_HealthCheck(t *testing.T) {
	b := testBackend(nil)
	b.breaker = resilience.NewCircuitBreaker("deepgram-test", 1, time.Minute)

	if ok, err := b.HealthCheck(context.Background()); !ok || err != nil {
		t.Fatalf("Expected healthy backend, got %v (%v)", ok, err)
	}

	b.breaker.RecordResult(false)
	ok, err := b.HealthCheck(context.Background())
	if ok || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected open circuit to fail readiness, got %v (%v)", ok, err)
	}
}
