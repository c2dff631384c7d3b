package callcontrol

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/observability"
)

const maxCallbackBody = 1 << 20

// Handler exposes the transcription commands and the callback webhook
type Handler struct {
	commands Commander
	logger   zerolog.Logger
}

// NewHandler creates a handler issuing commands through c
func NewHandler(c Commander) *Handler {
	return &Handler{
		commands: c,
		logger:   observability.GetLogger().With().Str("component", "callcontrol").Logger(),
	}
}

// Routes registers the handler on r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/calls/{callConnectionID}/transcription/start", h.handleCommand(CommandStart))
	r.Post("/calls/{callConnectionID}/transcription/stop", h.handleCommand(CommandStop))
	r.Post("/callbacks/events", h.handleCallbackEvents)
}

type commandResponse struct {
	CallConnectionID string `json:"callConnectionId"`
	Command          string `json:"command"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
	UpstreamStatus   int    `json:"upstreamStatus,omitempty"`
}

func (h *Handler) handleCommand(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "callConnectionID")
		resp := commandResponse{CallConnectionID: id, Command: command, Status: "ok"}

		var err error
		switch command {
		case CommandStart:
			err = h.commands.StartTranscription(r.Context(), id)
		case CommandStop:
			err = h.commands.StopTranscription(r.Context(), id)
		}

		if err != nil {
			resp.Status = "failed"
			resp.Error = err.Error()
			var cmdErr *CommandError
			if errors.As(err, &cmdErr) {
				resp.UpstreamStatus = cmdErr.Status
			}
			writeJSON(w, http.StatusBadGateway, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// CallbackEvent is one event posted by the control plane to the webhook
type CallbackEvent struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Type    string `json:"type"`
	Subject string `json:"subject,omitempty"`
	Time    string `json:"time,omitempty"`
	Data    struct {
		CallConnectionID  string `json:"callConnectionId"`
		ServerCallID      string `json:"serverCallId"`
		CorrelationID     string `json:"correlationId"`
		OperationContext  string `json:"operationContext"`
		ResultInformation *struct {
			Code    int    `json:"code"`
			SubCode int    `json:"subCode"`
			Message string `json:"message"`
		} `json:"resultInformation,omitempty"`
	} `json:"data"`
}

// ParseCallbackEvents accepts either a batch or a single event
func ParseCallbackEvents(data []byte) ([]CallbackEvent, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var events []CallbackEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var event CallbackEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return []CallbackEvent{event}, nil
}

func (h *Handler) handleCallbackEvents(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	events, err := ParseCallbackEvents(data)
	if err != nil {
		observability.RecordMalformed("callback")
		h.logger.Warn().Err(err).Msg("Malformed callback event")
		http.Error(w, "malformed callback event", http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		evt := h.logger.Info()
		if ev.Data.ResultInformation != nil && ev.Data.ResultInformation.Code >= 400 {
			evt = h.logger.Warn().
				Int("result_code", ev.Data.ResultInformation.Code).
				Int("result_subcode", ev.Data.ResultInformation.SubCode).
				Str("result_message", ev.Data.ResultInformation.Message)
		}
		evt.Str("type", ev.Type).
			Str("call_connection_id", ev.Data.CallConnectionID).
			Str("correlation_id", ev.Data.CorrelationID).
			Str("operation_context", ev.Data.OperationContext).
			Msg("Call control callback")
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
