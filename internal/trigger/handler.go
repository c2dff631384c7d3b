// Package trigger serves the one-shot transcription endpoint.
package trigger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/pipeline"
)

const maxRequestBody = 64 << 20

// Transcriber runs one session over an audio payload
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (pipeline.Result, error)
}

// Handler serves POST /api/transcribe
type Handler struct {
	transcriber Transcriber
	logger      zerolog.Logger
}

// NewHandler creates a trigger handler
func NewHandler(t Transcriber) *Handler {
	return &Handler{
		transcriber: t,
		logger:      observability.GetLogger().With().Str("component", "trigger").Logger(),
	}
}

// Routes registers the handler on r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/transcribe", h.ServeHTTP)
}

type request struct {
	Audio *string `json:"audio"`
}

type speakerJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type response struct {
	Transcription string        `json:"transcription"`
	Speakers      []speakerJSON `json:"speakers"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := observability.WithCorrelationID(observability.NewCorrelationID())

	var req request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Audio payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Audio == nil || *req.Audio == "" {
		http.Error(w, "Missing audio data", http.StatusBadRequest)
		return
	}

	audio, err := base64.StdEncoding.DecodeString(*req.Audio)
	if err != nil {
		http.Error(w, "Audio must be base64 encoded", http.StatusBadRequest)
		return
	}

	res, err := h.transcriber.Transcribe(r.Context(), audio)
	if err != nil {
		logger.Error().Err(err).Int("audio_bytes", len(audio)).Msg("Transcription failed")
		observability.RecordError("transcription_failed", "trigger")
		http.Error(w, "Transcription failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := response{Transcription: res.Transcript, Speakers: make([]speakerJSON, 0, len(res.Speakers))}
	for _, s := range res.Speakers {
		resp.Speakers = append(resp.Speakers, speakerJSON{ID: s.ID.String(), Name: s.Name})
	}
	logger.Info().
		Str("session_id", res.SessionID).
		Int("speakers", len(resp.Speakers)).
		Msg("Transcription complete")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to write transcription response")
	}
}
