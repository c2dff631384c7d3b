package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/audio"
	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/session"
	"github.com/lexiqai/speaker-gateway/internal/stt"
)

// RunLive transcribes the default microphone until ctx is done
func (r *Runner) RunLive(ctx context.Context) (session.Summary, error) {
	capture, err := audio.StartCapture(ctx)
	if err != nil {
		return session.Summary{}, fmt.Errorf("failed to start microphone capture: %w", err)
	}
	defer capture.Close()

	r.logger.Info().Str("source", capture.Source()).Msg("Microphone capture started")
	summary, err := r.live(ctx, capture)
	r.logger.Info().Int64("bytes_captured", capture.BytesCaptured()).Msg("Microphone capture stopped")
	return summary, err
}

func (r *Runner) live(ctx context.Context, src io.Reader) (session.Summary, error) {
	ctrl := r.newController(nil, "live")
	if err := ctrl.Start(); err != nil {
		return session.Summary{}, err
	}

	tap := r.newVADTap(src, ctrl.ID())

	opts := stt.StreamOptions{
		Encoding:   audio.Encoding,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	}
	summary, err := r.Process(ctx, ctrl, tap, opts, "live")
	tap.logger.Info().Int("speech_segments", tap.metrics.SpeechSegments()).Msg("Live audio finished")
	return summary, err
}

// vadTap records speech activity on the audio passing through it
type vadTap struct {
	src     io.Reader
	vad     *audio.VADDetector
	metrics *observability.SessionMetrics
	logger  zerolog.Logger
}

func (r *Runner) newVADTap(src io.Reader, sessionID string) *vadTap {
	return &vadTap{
		src: src,
		vad: audio.NewVADDetector(&audio.VADConfig{
			EnergyThreshold: r.config.VADEnergyThreshold,
			SilenceFrames:   r.config.VADSilenceFrames,
			FrameSize:       audio.DefaultVADConfig().FrameSize,
		}),
		metrics: observability.NewSessionMetrics(sessionID),
		logger:  observability.WithSession(sessionID, "live"),
	}
}

func (t *vadTap) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		for _, ev := range t.vad.Write(p[:n]) {
			t.metrics.RecordSpeechActivity(ev.Speaking)
			if ev.Speaking {
				t.logger.Debug().Int("frame", ev.Frame).Msg("Speech started")
			} else {
				t.logger.Debug().Int("frame", ev.Frame).Msg("Speech ended")
			}
		}
	}
	return n, err
}
