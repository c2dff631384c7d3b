package trigger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/speaker-gateway/internal/pipeline"
	"github.com/lexiqai/speaker-gateway/internal/speaker"
)

type fakeTranscriber struct {
	got    []byte
	result pipeline.Result
	err    error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte) (pipeline.Result, error) {
	f.got = audio
	return f.result, f.err
}

func post(t *testing.T, tr Transcriber, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(tr).Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestTranscribe_Success(t *testing.T) {
	fake := &fakeTranscriber{result: pipeline.Result{
		SessionID:  "s1",
		Transcript: "Alice: my name is Alice",
		Speakers: []speaker.Entry{
			{ID: speaker.NewID("0"), Name: "Alice", Inferred: true},
			{ID: speaker.Unknown, Name: "Speaker Unknown"},
		},
	}}
	body := `{"audio":"` + base64.StdEncoding.EncodeToString([]byte("wav-bytes")) + `"}`

	rec := post(t, fake, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, []byte("wav-bytes"), fake.got)

	var resp struct {
		Transcription string `json:"transcription"`
		Speakers      []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"speakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Alice: my name is Alice", resp.Transcription)
	require.Len(t, resp.Speakers, 2)
	require.Equal(t, "0", resp.Speakers[0].ID)
	require.Equal(t, "Alice", resp.Speakers[0].Name)
	require.Equal(t, "Unknown", resp.Speakers[1].ID)
}

func TestTranscribe_NoSpeakersIsEmptyList(t *testing.T) {
	rec := post(t, &fakeTranscriber{}, `{"audio":"AAAA"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"transcription":"","speakers":[]}`, rec.Body.String())
}

func TestTranscribe_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing audio", `{}`},
		{"empty audio", `{"audio":""}`},
		{"invalid base64", `{"audio":"not base64!"}`},
		{"invalid json", `{"audio":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeTranscriber{}
			rec := post(t, fake, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
			require.Nil(t, fake.got)
		})
	}
}

func TestTranscribe_Failure(t *testing.T) {
	fake := &fakeTranscriber{err: errors.New("backend unavailable")}
	rec := post(t, fake, `{"audio":"AAAA"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.Contains(t, rec.Body.String(), "backend unavailable")
}
