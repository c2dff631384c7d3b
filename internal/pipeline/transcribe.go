package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lexiqai/speaker-gateway/internal/audio"
	"github.com/lexiqai/speaker-gateway/internal/session"
	"github.com/lexiqai/speaker-gateway/internal/speaker"
)

// Result is the outcome of a one-shot transcription
type Result struct {
	SessionID  string
	Transcript string // one "Name: text" line per final utterance
	Speakers   []speaker.Entry
}

// Transcribe runs one session over an uploaded audio payload and waits for
// it to finish, bounded by the configured transcribe timeout.
func (r *Runner) Transcribe(ctx context.Context, data []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.TranscribeTimeoutDuration())
	defer cancel()

	header := data
	if len(header) > headerProbeSize {
		header = header[:headerProbeSize]
	}
	format := audio.DetectFormat("", header)

	transcript := NewTranscript()
	ctrl := r.newController(transcript, "trigger")
	summary, err := r.Process(ctx, ctrl, bytes.NewReader(data), streamOptions(format), "trigger")
	if err != nil {
		return Result{}, err
	}
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("transcription did not finish: %w", ctx.Err())
	}
	if summary.Reason != session.ReasonSessionStopped && summary.Reason != session.ReasonStreamClosed {
		return Result{}, fmt.Errorf("transcription did not finish: %s", summary.Reason)
	}

	return Result{
		SessionID:  summary.SessionID,
		Transcript: transcript.String(),
		Speakers:   summary.Speakers,
	}, nil
}

// Transcript collects final utterances as "Name: text" lines
type Transcript struct {
	mu    sync.Mutex
	lines []string
	w     io.Writer
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{}
}

// NewConsoleTranscript creates a transcript that also echoes each line to w
func NewConsoleTranscript(w io.Writer) *Transcript {
	return &Transcript{w: w}
}

// Publish implements session.Sink
func (t *Transcript) Publish(out session.Output) {
	if out.Kind != session.OutputTranscribed {
		return
	}
	line := out.SpeakerName + ": " + out.Text

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if t.w != nil {
		fmt.Fprintln(t.w, line)
	}
}

// Lines returns a copy of the collected lines
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

func (t *Transcript) String() string {
	return strings.Join(t.Lines(), "\n")
}
