// Package pipeline runs transcription sessions against the speech backend:
// audio files from the CLI, uploads from the HTTP trigger and the live
// microphone.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/audio"
	"github.com/lexiqai/speaker-gateway/internal/config"
	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/relay"
	"github.com/lexiqai/speaker-gateway/internal/session"
	"github.com/lexiqai/speaker-gateway/internal/stt"
)

const (
	defaultChunkSize = 8192
	headerProbeSize  = 64
)

// ErrCanceled is returned when the speech backend cancels a session
var ErrCanceled = errors.New("speech backend canceled the session")

// Runner starts sessions that feed audio to the speech backend. Every
// session publishes its outputs to the shared sink.
type Runner struct {
	backend stt.Backend
	config  *config.Config
	sink    session.Sink
	logger  zerolog.Logger
}

// NewRunner creates a runner. sink may be nil.
func NewRunner(backend stt.Backend, cfg *config.Config, sink session.Sink) *Runner {
	return &Runner{
		backend: backend,
		config:  cfg,
		sink:    sink,
		logger:  observability.GetLogger().With().Str("component", "pipeline").Logger(),
	}
}

func (r *Runner) newController(extra session.Sink, source string) *session.Controller {
	sinks := session.MultiSink{r.sink}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	id := observability.NewSessionID()
	return session.NewController(id, sinks, observability.WithSession(id, source))
}

// Process opens a backend stream, sends everything read from src and drives
// ctrl with the stream's events until the session terminates.
func (r *Runner) Process(ctx context.Context, ctrl *session.Controller, src io.Reader, opts stt.StreamOptions, source string) (session.Summary, error) {
	logger := r.logger.With().Str("session_id", ctrl.ID()).Str("source", source).Logger()

	stream, err := r.backend.Open(ctx, opts)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open speech stream")
		observability.RecordError("stream_open_failed", "pipeline")
		// Still terminate the session so subscribers see it end
		failed := make(chan stt.Event, 1)
		failed <- stt.Event{Kind: stt.EventCanceled, Err: err}
		close(failed)
		return ctrl.Run(ctx, failed), fmt.Errorf("failed to open speech stream: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Error closing speech stream")
		}
	}()

	summaries := make(chan session.Summary, 1)
	go func() { summaries <- ctrl.Run(ctx, stream.Events()) }()

	sent, pumpErr := r.pump(ctrl, stream, src)
	if pumpErr != nil {
		logger.Error().Err(pumpErr).Int64("bytes_sent", sent).Msg("Audio pump failed")
		ctrl.Stop()
	} else {
		logger.Debug().Int64("bytes_sent", sent).Msg("Audio input complete")
	}
	stream.Finish()

	summary := <-summaries
	if pumpErr != nil {
		return summary, pumpErr
	}
	if summary.Reason == session.ReasonCanceled {
		if summary.Err != nil {
			return summary, fmt.Errorf("%w: %w", ErrCanceled, summary.Err)
		}
		return summary, ErrCanceled
	}
	return summary, nil
}

// pump copies src to the stream in chunks until EOF or the session ends
func (r *Runner) pump(ctrl *session.Controller, stream stt.Stream, src io.Reader) (int64, error) {
	size := r.config.AudioChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	buf := make([]byte, size)

	var sent int64
	for {
		select {
		case <-ctrl.Done():
			return sent, nil
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if serr := stream.SendAudio(chunk); serr != nil {
				if errors.Is(serr, stt.ErrStreamClosed) {
					return sent, nil
				}
				return sent, fmt.Errorf("failed to send audio: %w", serr)
			}
			sent += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("failed to read audio: %w", err)
		}
	}
}

// RunFile runs one session from a file. Recorded relay messages
// (.jsonl/.ndjson) are replayed; anything else is streamed as audio.
func (r *Runner) RunFile(ctx context.Context, path string, extra session.Sink) (session.Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return session.Summary{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if IsRecording(path) {
		ctrl := r.newController(extra, "replay")
		return relay.Replay(ctx, f, ctrl)
	}

	br := bufio.NewReader(f)
	header, err := br.Peek(headerProbeSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return session.Summary{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	format := audio.DetectFormat(path, header)
	r.logger.Info().
		Str("file", path).
		Str("container", format.Container).
		Str("encoding", format.Encoding).
		Msg("Streaming audio file")

	ctrl := r.newController(extra, "file")
	return r.Process(ctx, ctrl, br, streamOptions(format), "file")
}

// IsRecording reports whether path holds recorded relay messages
func IsRecording(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return true
	}
	return false
}

func streamOptions(f audio.Format) stt.StreamOptions {
	if !f.Raw() {
		// The backend reads container headers itself
		return stt.StreamOptions{}
	}
	return stt.StreamOptions{Encoding: f.Encoding, SampleRate: f.SampleRate, Channels: f.Channels}
}
