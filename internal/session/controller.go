// Package session drives one transcription session from its first event to
// termination, resolving speaker names and annotating every utterance.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/speaker"
	"github.com/lexiqai/speaker-gateway/internal/stt"
)

// ErrAlreadyRunning is reported when Run is called twice on one controller
var ErrAlreadyRunning = errors.New("session already running")

// Controller owns one session. Run is the only goroutine touching the
// registry; Start, Stop, State, Done and Summary are safe from any goroutine.
type Controller struct {
	id       string
	logger   zerolog.Logger
	metrics  *observability.SessionMetrics
	registry *speaker.Registry
	sink     Sink

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	summary   Summary

	utterances int
	running    atomic.Bool
	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// NewController creates an idle controller. An empty id gets a generated one;
// a nil sink discards outputs.
func NewController(id string, sink Sink, logger zerolog.Logger) *Controller {
	if id == "" {
		id = observability.NewSessionID()
	}
	if sink == nil {
		sink = discardSink{}
	}

	return &Controller{
		id:       id,
		logger:   logger.With().Str("session_id", id).Logger(),
		metrics:  observability.NewSessionMetrics(id),
		registry: speaker.NewRegistry(),
		sink:     sink,
		state:    StateIdle,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the session id
func (c *Controller) ID() string {
	return c.id
}

// State returns the current state snapshot
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start is the explicit start command
func (c *Controller) Start() error {
	return c.transition(TriggerStart)
}

// Stop asks the session to terminate. It returns immediately; wait on Done.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Done is closed once the session is terminated
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Summary returns the session summary. It is complete once Done is closed.
func (c *Controller) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary
}

func (c *Controller) transition(trigger Trigger) error {
	c.mu.Lock()
	from := c.state
	next, err := Transition(c.state, trigger)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = next
	if from == StateIdle && next == StateActive {
		c.startedAt = time.Now()
	}
	c.mu.Unlock()

	if from == StateIdle && next == StateActive {
		c.metrics.RecordSessionStart()
		c.logger.Info().Str("trigger", string(trigger)).Msg("Session active")
	}
	return nil
}

// Run consumes events in order until the session terminates and returns the
// summary. It terminates on a canceled or stopped event, when events is
// closed, on Stop, or when ctx is done.
func (c *Controller) Run(ctx context.Context, events <-chan stt.Event) Summary {
	if !c.running.CompareAndSwap(false, true) {
		s := c.Summary()
		if s.Err == nil {
			s.Err = ErrAlreadyRunning
		}
		return s
	}

	for {
		select {
		case <-ctx.Done():
			c.terminate(ReasonContextDone, nil)
		case <-c.stopCh:
			c.terminate(ReasonStopped, nil)
		case ev, ok := <-events:
			if !ok {
				c.terminate(ReasonStreamClosed, nil)
			} else {
				c.handle(ev)
			}
		}

		if c.State() == StateTerminated {
			return c.Summary()
		}
	}
}

// handle processes one event. A panic is contained to the event.
func (c *Controller) handle(ev stt.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("event", ev.Kind.String()).
				Msg("Recovered panic while handling event")
			c.metrics.RecordError("panic", "session")
		}
	}()

	if err := ev.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("event", ev.Kind.String()).Msg("Dropping malformed event")
		c.metrics.RecordMalformed("session")
		return
	}

	switch ev.Kind {
	case stt.EventTranscribing, stt.EventTranscribed:
		if err := c.transition(TriggerEvent); err != nil {
			return
		}
		c.handleUtterance(ev.Utterance)
	case stt.EventCanceled:
		c.terminate(ReasonCanceled, ev.Err)
	case stt.EventSessionStopped:
		c.terminate(ReasonSessionStopped, nil)
	}
}

func (c *Controller) handleUtterance(u stt.Utterance) {
	var name string
	if u.IsFinal {
		before := c.registry.Count()
		name = c.registry.Resolve(u.SpeakerID, u.Text)
		c.utterances++

		if c.registry.Count() > before {
			entry, _ := c.registry.Lookup(u.SpeakerID)
			c.metrics.RecordSpeakerResolved(entry.Inferred)
			c.logger.Info().
				Str("speaker_id", u.SpeakerID.String()).
				Str("speaker_name", entry.Name).
				Bool("inferred", entry.Inferred).
				Msg("Speaker resolved")
		}
	} else if entry, ok := c.registry.Lookup(u.SpeakerID); ok {
		name = entry.Name
	} else {
		// Interim results never create an entry
		name = u.SpeakerID.Placeholder()
	}
	c.metrics.RecordUtterance(u.IsFinal)

	kind := OutputTranscribing
	if u.IsFinal {
		kind = OutputTranscribed
	}
	c.sink.Publish(Output{
		SessionID:   c.id,
		Kind:        kind,
		SpeakerID:   u.SpeakerID.String(),
		SpeakerName: name,
		Text:        u.Text,
		IsFinal:     u.IsFinal,
		Offset:      u.Offset,
		Duration:    u.Duration,
	})
}

// terminate moves the session to Terminated, fixes the summary and publishes
// the single terminal output. Later calls are no-ops.
func (c *Controller) terminate(reason string, cause error) {
	c.mu.Lock()
	state := c.state
	// A session ended before any event passes through Active
	if state == StateIdle {
		state, _ = Transition(state, TriggerEvent)
		c.startedAt = time.Now()
	}
	next, err := Transition(state, TriggerTerminate)
	if err != nil {
		c.mu.Unlock()
		return
	}
	c.state = next

	c.summary = Summary{
		SessionID:  c.id,
		State:      StateTerminated,
		Speakers:   c.registry.Snapshot(),
		Utterances: c.utterances,
		Reason:     reason,
		Err:        cause,
		StartedAt:  c.startedAt,
		FinishedAt: time.Now(),
	}
	summary := c.summary
	c.mu.Unlock()

	c.metrics.RecordSessionEnd(reason)
	c.logEnd(summary)

	out := Output{SessionID: c.id, Kind: OutputTerminated, Reason: reason}
	if cause != nil {
		out.Error = cause.Error()
	}
	c.publishTerminal(out)
	close(c.done)
}

// publishTerminal must not let a failing sink keep Done open
func (c *Controller) publishTerminal(out Output) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Recovered panic while publishing terminal output")
			c.metrics.RecordError("panic", "session")
		}
	}()
	c.sink.Publish(out)
}

func (c *Controller) logEnd(s Summary) {
	evt := c.logger.Info()
	if s.Err != nil {
		evt = c.logger.Error().Err(s.Err)
	}
	evt.Str("reason", s.Reason).
		Int("speakers", len(s.Speakers)).
		Int("utterances", s.Utterances).
		Dur("duration", s.Duration()).
		Msg("Session terminated")
}
