package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	captureChunkBytes = 640 // 20ms @ 16kHz mono s16
	appName           = "speaker-gateway"
)

// Capture records the default Pulse source in the live capture format
type Capture struct {
	client *pulse.Client
	stream *pulse.RecordStream
	source string

	chunks chan []byte
	stopCh chan struct{}

	mu       sync.Mutex
	pending  []byte
	stopped  bool
	inflight sync.WaitGroup
	bytes    atomic.Int64

	reader *ChunkReader
}

// StartCapture connects to the Pulse server and starts recording. Recording
// stops when ctx is done or Stop is called.
func StartCapture(ctx context.Context) (*Capture, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	source, err := client.DefaultSource()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read default source: %w", err)
	}

	c := &Capture{
		client: client,
		source: source.ID(),
		chunks: make(chan []byte, 128),
		stopCh: make(chan struct{}),
	}
	c.reader = NewChunkReader(c.chunks)

	writer := pulse.NewWriter(writerFunc(c.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(captureChunkBytes),
		pulse.RecordMediaName("speaker identification"),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	c.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-c.stopCh:
		}
	}()

	return c, nil
}

// Source returns the Pulse source name being recorded
func (c *Capture) Source() string {
	return c.source
}

// BytesCaptured reports total bytes accepted from Pulse
func (c *Capture) BytesCaptured() int64 {
	return c.bytes.Load()
}

// Read implements io.Reader over the captured PCM. It returns io.EOF once
// the capture is stopped and drained.
func (c *Capture) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Stop halts the stream, flushes residual PCM, and ends the reader exactly once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		select {
		case c.chunks <- pending:
		default:
		}
	}

	close(c.chunks)
	return nil
}

// Close is a convenience alias for Stop
func (c *Capture) Close() {
	_ = c.Stop()
}

func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as stopped so Stop's Wait cannot race it
	c.inflight.Add(1)

	c.pending = append(c.pending, buffer...)
	var chunks [][]byte
	for len(c.pending) >= captureChunkBytes {
		chunk := make([]byte, captureChunkBytes)
		copy(chunk, c.pending[:captureChunkBytes])
		c.pending = c.pending[captureChunkBytes:]
		chunks = append(chunks, chunk)
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	c.bytes.Add(int64(len(buffer)))

	for _, chunk := range chunks {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.chunks <- chunk:
		}
	}
	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// ChunkReader adapts a channel of PCM chunks to io.Reader
type ChunkReader struct {
	chunks <-chan []byte
	rest   []byte
}

// NewChunkReader creates a reader that ends when chunks is closed
func NewChunkReader(chunks <-chan []byte) *ChunkReader {
	return &ChunkReader{chunks: chunks}
}

func (r *ChunkReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.rest) == 0 {
		chunk, ok := <-r.chunks
		if !ok {
			return 0, io.EOF
		}
		r.rest = chunk
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}
