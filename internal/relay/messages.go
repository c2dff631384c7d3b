// Package relay turns inbound transcription messages, live over a websocket
// or replayed from a recording, into session events, and pushes annotated
// session output to subscribers.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lexiqai/speaker-gateway/internal/speaker"
	"github.com/lexiqai/speaker-gateway/internal/stt"
)

// ErrMalformed is returned by Parse for messages that cannot be processed
var ErrMalformed = errors.New("malformed relay message")

// Wire discriminator values
const (
	KindTranscriptionMetadata = "TranscriptionMetadata"
	KindTranscriptionData     = "TranscriptionData"
)

// Offsets and durations on the wire are in 100ns ticks
const tick = 100 * time.Nanosecond

// Kind classifies a parsed message
type Kind int

const (
	KindIgnored Kind = iota // unknown kind, accepted and skipped
	KindMetadata
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindData:
		return "data"
	default:
		return "ignored"
	}
}

// Metadata is the session setup info sent ahead of transcription data
type Metadata struct {
	SubscriptionID   string `json:"subscriptionId"`
	Locale           string `json:"locale"`
	CallConnectionID string `json:"callConnectionId"`
	CorrelationID    string `json:"correlationId"`
}

// Message is one classified inbound message
type Message struct {
	Kind     Kind
	RawKind  string
	Metadata Metadata  // set for KindMetadata
	Event    stt.Event // set for KindData
}

type wireMessage struct {
	Kind                  string    `json:"kind"`
	TranscriptionData     *wireData `json:"transcriptionData"`
	TranscriptionMetadata *Metadata `json:"transcriptionMetadata"`
}

type wireData struct {
	Text             *string    `json:"text"`
	Format           string     `json:"format"`
	Confidence       float64    `json:"confidence"`
	Offset           float64    `json:"offset"`
	Duration         float64    `json:"duration"`
	ResultStatus     string     `json:"resultStatus"`
	ParticipantRawID string     `json:"participantRawID"`
	Words            []wireWord `json:"words"`
}

type wireWord struct {
	Text     string  `json:"text"`
	Offset   float64 `json:"offset"`
	Duration float64 `json:"duration"`
}

// Parse classifies one raw message by its kind field
func Parse(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := Message{RawKind: wire.Kind}
	switch wire.Kind {
	case KindTranscriptionMetadata:
		msg.Kind = KindMetadata
		if wire.TranscriptionMetadata != nil {
			msg.Metadata = *wire.TranscriptionMetadata
		}
		return msg, nil

	case KindTranscriptionData:
		d := wire.TranscriptionData
		if d == nil {
			return Message{}, fmt.Errorf("%w: transcriptionData missing", ErrMalformed)
		}
		if d.Text == nil || strings.TrimSpace(*d.Text) == "" {
			return Message{}, fmt.Errorf("%w: transcriptionData.text missing", ErrMalformed)
		}
		msg.Kind = KindData
		msg.Event = stt.UtteranceEvent(d.utterance())
		return msg, nil

	default:
		msg.Kind = KindIgnored
		return msg, nil
	}
}

func (d *wireData) utterance() stt.Utterance {
	words := make([]stt.Word, 0, len(d.Words))
	for _, w := range d.Words {
		words = append(words, stt.Word{
			Text:     w.Text,
			Offset:   ticks(w.Offset),
			Duration: ticks(w.Duration),
		})
	}

	return stt.Utterance{
		SpeakerID:  speaker.NewID(d.ParticipantRawID),
		Text:       *d.Text,
		IsFinal:    strings.EqualFold(d.ResultStatus, "Final"),
		Offset:     ticks(d.Offset),
		Duration:   ticks(d.Duration),
		Confidence: d.Confidence,
		Words:      words,
	}
}

func ticks(v float64) time.Duration {
	return time.Duration(v) * tick
}
