// Package callcontrol issues start/stop transcription commands to the call
// control plane and receives its callback events.
package callcontrol

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/config"
	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/resilience"
)

const (
	apiVersion = "2024-09-15"

	CommandStart = "startTranscription"
	CommandStop  = "stopTranscription"

	startContext = "startTranscriptionContext"
	stopContext  = "stopTranscriptionContext"

	maxErrorBody = 4096
)

// CommandError is returned when the control plane rejects a command
type CommandError struct {
	Command string
	Status  int
	Body    string
}

func (e *CommandError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed with status %d", e.Command, e.Status)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.Command, e.Status, e.Body)
}

// Commander is the command surface used by the HTTP handlers
type Commander interface {
	StartTranscription(ctx context.Context, callConnectionID string) error
	StopTranscription(ctx context.Context, callConnectionID string) error
}

// Client talks to the call automation REST API. Commands are not retried;
// a circuit breaker fails them fast while the control plane is down.
type Client struct {
	endpoint    *url.URL
	key         []byte
	locale      string
	callbackURI string

	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	now        func() time.Time
	logger     zerolog.Logger
}

// NewClient creates a client from the communication settings in cfg
func NewClient(cfg *config.Config) (*Client, error) {
	endpoint, err := url.Parse(strings.TrimRight(cfg.CommunicationEndpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid communication endpoint: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(cfg.CommunicationKey)
	if err != nil {
		return nil, fmt.Errorf("communication key is not valid base64: %w", err)
	}

	breaker := resilience.NewCircuitBreaker(
		"call_control",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, _, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	return &Client{
		endpoint:    endpoint,
		key:         key,
		locale:      cfg.TranscriptionLocale,
		callbackURI: cfg.CallbackEventsURI,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		breaker:     breaker,
		now:         time.Now,
		logger:      observability.GetLogger().With().Str("component", "callcontrol").Logger(),
	}, nil
}

// HealthCheck reports the control plane unready while its circuit is open
func (c *Client) HealthCheck(_ context.Context) (bool, error) {
	if c.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

type startRequest struct {
	Locale               string `json:"locale,omitempty"`
	OperationContext     string `json:"operationContext"`
	OperationCallbackURI string `json:"operationCallbackUri,omitempty"`
}

type stopRequest struct {
	OperationContext     string `json:"operationContext"`
	OperationCallbackURI string `json:"operationCallbackUri,omitempty"`
}

// StartTranscription starts live transcription on a call
func (c *Client) StartTranscription(ctx context.Context, callConnectionID string) error {
	return c.send(ctx, CommandStart, callConnectionID, startRequest{
		Locale:               c.locale,
		OperationContext:     startContext,
		OperationCallbackURI: c.callbackURI,
	})
}

// StopTranscription stops live transcription on a call
func (c *Client) StopTranscription(ctx context.Context, callConnectionID string) error {
	return c.send(ctx, CommandStop, callConnectionID, stopRequest{
		OperationContext:     stopContext,
		OperationCallbackURI: c.callbackURI,
	})
}

func (c *Client) send(ctx context.Context, command, callConnectionID string, payload any) error {
	if strings.TrimSpace(callConnectionID) == "" {
		return fmt.Errorf("%s: call connection id is required", command)
	}
	if strings.ContainsAny(callConnectionID, "/?#") {
		return fmt.Errorf("%s: invalid call connection id %q", command, callConnectionID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: failed to encode request: %w", command, err)
	}

	u := *c.endpoint
	u.Path = u.Path + "/calling/callConnections/" + callConnectionID + ":" + command
	u.RawQuery = url.Values{"api-version": {apiVersion}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", command, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, body)

	start := time.Now()
	var rejected error
	err = c.breaker.Call(func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", command, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			io.Copy(io.Discard, resp.Body)
			return nil
		}

		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		cmdErr := &CommandError{Command: command, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		// Only server-side failures count against the breaker
		if resp.StatusCode >= 500 {
			return cmdErr
		}
		rejected = cmdErr
		return nil
	})
	if err == nil {
		err = rejected
	}

	observability.RecordCommand(command, err == nil, time.Since(start))
	logger := c.logger.With().Str("command", command).Str("call_connection_id", callConnectionID).Logger()
	if err != nil {
		observability.RecordError("command", "callcontrol")
		logger.Error().Err(err).Msg("Call control command failed")
		return err
	}
	logger.Info().Dur("latency", time.Since(start)).Msg("Call control command accepted")
	return nil
}

// sign adds HMAC-SHA256 authentication headers for the request
func (c *Client) sign(req *http.Request, body []byte) {
	date := c.now().UTC().Format(http.TimeFormat)
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])

	pathAndQuery := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		pathAndQuery += "?" + req.URL.RawQuery
	}
	stringToSign := req.Method + "\n" + pathAndQuery + "\n" + date + ";" + req.URL.Host + ";" + contentHash

	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}
