package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/config"
	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/resilience"
	"github.com/lexiqai/speaker-gateway/internal/speaker"
)

const (
	deepgramService = "deepgram"
	euHost          = "api.eu.deepgram.com"

	// How long Finish waits for the server to flush and close before the
	// stream reports itself stopped anyway.
	defaultDrainTimeout = 5 * time.Second
)

// ErrStreamClosed is returned when audio is sent on a closed stream
var ErrStreamClosed = errors.New("stream is closed")

// wsConn is the part of the Deepgram websocket client a stream uses
type wsConn interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finish()
	Stop()
}

type dialFunc func(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (wsConn, error)

// DeepgramBackend opens diarized streaming sessions against Deepgram
type DeepgramBackend struct {
	config       *config.Config
	breaker      *resilience.CircuitBreaker
	retry        *resilience.RetryConfig
	dial         dialFunc
	drainTimeout time.Duration
	logger       zerolog.Logger
}

// NewDeepgramBackend creates a backend from the speech settings in cfg
func NewDeepgramBackend(cfg *config.Config) *DeepgramBackend {
	listenClient.InitWithDefault()

	breaker := resilience.NewCircuitBreaker(
		deepgramService,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, _, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &DeepgramBackend{
		config:       cfg,
		breaker:      breaker,
		retry:        retry,
		dial:         dialDeepgram(cfg.SpeechKey, clientOptions(cfg.SpeechRegion)),
		drainTimeout: defaultDrainTimeout,
		logger:       observability.GetLogger().With().Str("component", deepgramService).Logger(),
	}
}

// HealthCheck reports the backend unready while its circuit is open. It does
// not open a stream.
func (b *DeepgramBackend) HealthCheck(_ context.Context) (bool, error) {
	if b.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

func clientOptions(region string) *interfaces.ClientOptions {
	opts := &interfaces.ClientOptions{EnableKeepAlive: true}
	if region == "eu" {
		opts.Host = euHost
	}
	return opts
}

func dialDeepgram(apiKey string, cOptions *interfaces.ClientOptions) dialFunc {
	return func(ctx context.Context, tOptions *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (wsConn, error) {
		client, err := listenClient.NewWSUsingCallback(ctx, apiKey, cOptions, tOptions, cb)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// transcriptionOptions always enables diarization; speaker attribution
// depends on it.
func (b *DeepgramBackend) transcriptionOptions(opts StreamOptions) *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          b.config.SpeechModel,
		Language:       b.config.SpeechLanguage,
		Punctuate:      true,
		SmartFormat:    true,
		Diarize:        true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       opts.Encoding,
		Channels:       opts.Channels,
		SampleRate:     opts.SampleRate,
	}
}

// Open connects a new recognition stream. Connection failures are retried
// with backoff; an open circuit fails immediately.
func (b *DeepgramBackend) Open(ctx context.Context, opts StreamOptions) (Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := newDeepgramStream(sctx, cancel, b.breaker, b.config.SessionEventBuffer, b.drainTimeout, b.logger)
	cb := &callbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 s,
	}
	tOptions := b.transcriptionOptions(opts)

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return b.breaker.Call(func() error {
			conn, err := b.dial(sctx, tOptions, cb)
			if err != nil {
				return fmt.Errorf("failed to create deepgram client: %w", err)
			}
			if !conn.Connect() {
				// Each attempt dials a fresh client; release the failed one
				conn.Stop()
				return resilience.NewRetryableError(errors.New("deepgram connection failed"))
			}
			s.attach(conn)
			return nil
		})
	}, b.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		cancel()
		observability.IncrementCircuitBreakerFailures(deepgramService)
		return nil, err
	}

	b.logger.Info().
		Str("model", b.config.SpeechModel).
		Str("language", b.config.SpeechLanguage).
		Str("encoding", opts.Encoding).
		Int("sample_rate", opts.SampleRate).
		Msg("Deepgram stream opened")
	return s, nil
}

// callbackHandler embeds the SDK default handler and overrides the
// callbacks that carry results or end the stream.
type callbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

// Message forwards transcription results
func (h *callbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	h.stream.handleMessage(msg)
	return nil
}

// Error cancels the stream with the server's error
func (h *callbackHandler) Error(errResp *msginterfaces.ErrorResponse) error {
	if errResp == nil {
		h.stream.fail(errors.New("deepgram: unknown error"))
		return nil
	}
	h.stream.fail(fmt.Errorf("deepgram: %+v", *errResp))
	return nil
}

// Close ends the stream normally
func (h *callbackHandler) Close(*msginterfaces.CloseResponse) error {
	h.stream.stopped()
	return nil
}

// deepgramStream adapts the callback-driven client to an ordered event channel
type deepgramStream struct {
	conn    wsConn
	live    atomic.Bool
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	drain   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	events chan Event
	closed bool

	finishOnce sync.Once
	closeOnce  sync.Once
}

func newDeepgramStream(ctx context.Context, cancel context.CancelFunc, breaker *resilience.CircuitBreaker, buffer int, drain time.Duration, logger zerolog.Logger) *deepgramStream {
	if buffer < 0 {
		buffer = 0
	}
	return &deepgramStream{
		breaker: breaker,
		logger:  logger,
		drain:   drain,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event, buffer),
	}
}

// attach binds the connected client. Callbacks before this belong to a
// failed connection attempt and are ignored.
func (s *deepgramStream) attach(conn wsConn) {
	s.conn = conn
	s.live.Store(true)
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if !s.live.Load() || msg == nil {
		return
	}
	u, ok := utteranceFromMessage(msg)
	if !ok {
		return
	}
	s.emit(UtteranceEvent(u))
}

func (s *deepgramStream) fail(err error) {
	if !s.live.Load() {
		return
	}
	s.logger.Error().Err(err).Msg("Deepgram stream canceled")
	s.breaker.RecordResult(false)
	observability.IncrementCircuitBreakerFailures(deepgramService)
	s.emit(Event{Kind: EventCanceled, Err: err})
}

func (s *deepgramStream) stopped() {
	if !s.live.Load() {
		return
	}
	s.emit(Event{Kind: EventSessionStopped})
}

// emit delivers ev in order. The channel is closed after the first terminal
// event; anything later is dropped.
func (s *deepgramStream) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		return
	}
	if ev.Kind.Terminal() {
		s.closed = true
		close(s.events)
	}
}

// SendAudio sends an audio chunk to Deepgram
func (s *deepgramStream) SendAudio(audioData []byte) error {
	if s.ctx.Err() != nil || s.conn == nil {
		return ErrStreamClosed
	}

	err := s.breaker.Call(func() error {
		if _, err := s.conn.Write(audioData); err != nil {
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})
	if err != nil {
		observability.IncrementCircuitBreakerFailures(deepgramService)
		return err
	}

	observability.RecordAudioBytes(deepgramService, int64(len(audioData)))
	return nil
}

// Finish asks the server to flush. If it has not closed the connection
// within the drain timeout the stream is reported stopped regardless.
func (s *deepgramStream) Finish() {
	s.finishOnce.Do(func() {
		if s.conn != nil {
			s.conn.Finish()
		}

		go func() {
			timer := time.NewTimer(s.drain)
			defer timer.Stop()
			select {
			case <-timer.C:
				s.logger.Warn().Dur("drain", s.drain).Msg("Deepgram did not close after finish")
				s.emit(Event{Kind: EventSessionStopped})
			case <-s.ctx.Done():
			}
		}()
	})
}

// Events returns the ordered event stream
func (s *deepgramStream) Events() <-chan Event {
	return s.events
}

// Close stops the client and closes the event channel if still open
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.live.Store(false)
		if s.conn != nil {
			s.conn.Stop()
		}

		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.events)
		}
		s.mu.Unlock()
	})
	return nil
}

// utteranceFromMessage converts a Results message. Empty transcripts (silence)
// and non-result messages yield false.
func utteranceFromMessage(msg *msginterfaces.MessageResponse) (Utterance, bool) {
	if msg.Type != "" && msg.Type != "Results" {
		return Utterance{}, false
	}
	if len(msg.Channel.Alternatives) == 0 {
		return Utterance{}, false
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return Utterance{}, false
	}

	start := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		start = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - start
	}

	words := make([]Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		words = append(words, Word{
			Text:     text,
			Offset:   seconds(w.Start),
			Duration: seconds(w.End - w.Start),
		})
	}

	return Utterance{
		SpeakerID:  dominantSpeaker(alt.Words),
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Offset:     seconds(start),
		Duration:   seconds(duration),
		Confidence: alt.Confidence,
		Words:      words,
	}, true
}

// dominantSpeaker picks the speaker label carried by most words. Ties go to
// the speaker heard first.
func dominantSpeaker(words []msginterfaces.Word) speaker.ID {
	counts := make(map[int]int)
	var order []int
	for _, w := range words {
		if w.Speaker == nil {
			continue
		}
		if _, seen := counts[*w.Speaker]; !seen {
			order = append(order, *w.Speaker)
		}
		counts[*w.Speaker]++
	}
	if len(order) == 0 {
		return speaker.Unknown
	}

	best := order[0]
	for _, label := range order[1:] {
		if counts[label] > counts[best] {
			best = label
		}
	}
	return speaker.NewID(strconv.Itoa(best))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
