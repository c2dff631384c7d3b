package relay

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/session"
	"github.com/lexiqai/speaker-gateway/internal/stt"
)

// SummaryFunc receives the summary of every finished relay session
type SummaryFunc func(session.Summary)

// Listener accepts transcription websocket connections. Every connection is
// one session with its own controller and registry.
type Listener struct {
	ctx       context.Context
	upgrader  websocket.Upgrader
	sink      session.Sink
	buffer    int
	onSummary SummaryFunc
	logger    zerolog.Logger
}

// NewListener creates a listener. Sessions end when ctx is done; sink receives
// every annotated output of every session.
func NewListener(ctx context.Context, sink session.Sink, buffer int, onSummary SummaryFunc) *Listener {
	return &Listener{
		ctx: ctx,
		upgrader: websocket.Upgrader{
			// The call control plane connects from its own origin
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sink:      sink,
		buffer:    buffer,
		onSummary: onSummary,
		logger:    observability.GetLogger().With().Str("component", "relay").Logger(),
	}
}

// ServeHTTP upgrades the connection and runs the session until the peer
// disconnects or the listener context ends.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		l.logger.Error().Err(err).Msg("Failed to upgrade relay connection")
		observability.RecordError("upgrade", "relay")
		return
	}
	defer conn.Close()

	logger := observability.WithCorrelationID(r.Header.Get("x-ms-client-request-id")).
		With().Str("component", "relay").Str("remote_addr", r.RemoteAddr).Logger()
	ctrl := session.NewController("", l.sink, logger)
	logger = logger.With().Str("session_id", ctrl.ID()).Logger()
	logger.Info().Msg("Relay connection established")

	events := make(chan stt.Event, l.buffer)
	summaries := make(chan session.Summary, 1)
	go func() { summaries <- ctrl.Run(l.ctx, events) }()

	// Unblock the read loop once the session ends for any other reason
	go func() {
		<-ctrl.Done()
		conn.Close()
	}()

	l.readLoop(conn, ctrl, events, logger)
	close(events)

	summary := <-summaries
	logger.Info().Str("reason", summary.Reason).Int("speakers", len(summary.Speakers)).Msg("Relay connection closed")
	if l.onSummary != nil {
		l.onSummary(summary)
	}
}

// readLoop forwards messages until the peer goes away. A peer close is the
// normal end of a session.
func (l *Listener) readLoop(conn *websocket.Conn, ctrl *session.Controller, events chan<- stt.Event, logger zerolog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("Relay read error")
			}
			return
		}

		if !l.dispatch(data, ctrl, events, logger) {
			return
		}
	}
}

// dispatch handles one message. It returns false once the session is over.
func (l *Listener) dispatch(data []byte, ctrl *session.Controller, events chan<- stt.Event, logger zerolog.Logger) (open bool) {
	open = true
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Recovered panic while handling relay message")
			observability.RecordError("panic", "relay")
		}
	}()

	msg, err := Parse(data)
	if err != nil {
		logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed relay message")
		observability.RecordMalformed("relay")
		return true
	}
	observability.RecordRelayMessage(msg.Kind.String())

	switch msg.Kind {
	case KindMetadata:
		logger.Info().
			Str("subscription_id", msg.Metadata.SubscriptionID).
			Str("locale", msg.Metadata.Locale).
			Str("call_connection_id", msg.Metadata.CallConnectionID).
			Str("correlation_id", msg.Metadata.CorrelationID).
			Msg("Transcription metadata")
	case KindData:
		select {
		case events <- msg.Event:
		case <-ctrl.Done():
			return false
		}
	default:
		logger.Debug().Str("kind", msg.RawKind).Msg("Ignoring relay message")
	}
	return true
}
