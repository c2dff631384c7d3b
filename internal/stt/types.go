package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lexiqai/speaker-gateway/internal/speaker"
)

// EventKind classifies one event on a recognition stream
type EventKind int

const (
	EventTranscribing   EventKind = iota + 1 // interim result, text may still change
	EventTranscribed                         // final result
	EventCanceled                            // backend gave up, Err may carry the reason
	EventSessionStopped                      // backend finished the stream normally
)

func (k EventKind) String() string {
	switch k {
	case EventTranscribing:
		return "transcribing"
	case EventTranscribed:
		return "transcribed"
	case EventCanceled:
		return "canceled"
	case EventSessionStopped:
		return "session_stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event ends the stream
func (k EventKind) Terminal() bool {
	return k == EventCanceled || k == EventSessionStopped
}

// Word is word-level timing from the backend
type Word struct {
	Text     string
	Offset   time.Duration
	Duration time.Duration
}

// Utterance is one recognized segment attributed to a speaker
type Utterance struct {
	SpeakerID  speaker.ID
	Text       string
	IsFinal    bool
	Offset     time.Duration
	Duration   time.Duration
	Confidence float64
	Words      []Word
}

// Event is one item on a recognition stream
type Event struct {
	Kind      EventKind
	Utterance Utterance
	Err       error
}

// ErrMalformedEvent is returned by Validate for events missing required fields
var ErrMalformedEvent = errors.New("malformed event")

// Validate checks that the event carries the fields its kind requires
func (e Event) Validate() error {
	switch e.Kind {
	case EventTranscribing, EventTranscribed:
		if strings.TrimSpace(e.Utterance.Text) == "" {
			return fmt.Errorf("%w: utterance has no text", ErrMalformedEvent)
		}
		if e.Utterance.IsFinal != (e.Kind == EventTranscribed) {
			return fmt.Errorf("%w: finality does not match event kind", ErrMalformedEvent)
		}
		return nil
	case EventCanceled, EventSessionStopped:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedEvent, int(e.Kind))
	}
}

// UtteranceEvent builds the transcribing/transcribed event for u
func UtteranceEvent(u Utterance) Event {
	kind := EventTranscribing
	if u.IsFinal {
		kind = EventTranscribed
	}
	return Event{Kind: kind, Utterance: u}
}

// StreamOptions describes the audio a stream will receive
type StreamOptions struct {
	// Encoding is empty for containerized audio (wav, ogg, ...)
	Encoding   string
	SampleRate int
	Channels   int
}

// Stream is one live diarized recognition session
type Stream interface {
	// SendAudio sends an audio chunk to the backend
	SendAudio(audioData []byte) error

	// Finish tells the backend no more audio follows. The backend flushes
	// pending results and then emits EventSessionStopped.
	Finish()

	// Events returns the ordered event stream. It is closed after the
	// terminal event.
	Events() <-chan Event

	// Close releases the stream
	Close() error
}

// Backend opens recognition streams
type Backend interface {
	Open(ctx context.Context, opts StreamOptions) (Stream, error)
}
