package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/session"
	"github.com/lexiqai/speaker-gateway/internal/stt"
)

const maxReplayLine = 1 << 20

// Replay drives ctrl from a recording of relay messages, one JSON message per
// line. Malformed lines are skipped. The end of the recording closes the
// session's stream.
func Replay(ctx context.Context, r io.Reader, ctrl *session.Controller) (session.Summary, error) {
	events := make(chan stt.Event)
	summaries := make(chan session.Summary, 1)
	go func() { summaries <- ctrl.Run(ctx, events) }()

	logger := observability.WithSession(ctrl.ID(), "replay")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)

	line := 0
feed:
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		msg, err := Parse(data)
		if err != nil {
			logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed recorded message")
			observability.RecordMalformed("replay")
			continue
		}
		observability.RecordRelayMessage(msg.Kind.String())
		if msg.Kind != KindData {
			continue
		}

		select {
		case events <- msg.Event:
		case <-ctrl.Done():
			break feed
		}
	}
	close(events)

	summary := <-summaries
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read recording at line %d: %w", line+1, err)
	}
	return summary, nil
}
