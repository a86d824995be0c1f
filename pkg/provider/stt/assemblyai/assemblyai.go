// Package assemblyai provides an AssemblyAI-backed STT provider using the
// Universal-Streaming WebSocket API (v3). It implements the stt.Provider
// interface.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/meetscribe/meetscribe/pkg/provider/stt"
)

const (
	streamingEndpoint = "wss://streaming.assemblyai.com/v3/ws"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL. Intended for tests that
// point the provider at a local WebSocket server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithFormatTurns enables server-side punctuation and casing on final turns.
func WithFormatTurns(enabled bool) Option {
	return func(p *Provider) {
		p.formatTurns = enabled
	}
}

// Provider implements stt.Provider backed by the AssemblyAI streaming API.
type Provider struct {
	apiKey      string
	endpoint    string
	formatTurns bool
}

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		endpoint:    streamingEndpoint,
		formatTurns: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with AssemblyAI.
// AssemblyAI streams are mono only; cfg.Channels > 1 is rejected.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.Channels > 1 {
		return nil, &stt.InitError{Provider: "assemblyai", Message: fmt.Sprintf("unsupported channel count %d (mono only)", cfg.Channels)}
	}

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, &stt.InitError{Provider: "assemblyai", Message: "build URL", Cause: err}
	}

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, &stt.InitError{Provider: "assemblyai", Message: "dial streaming endpoint", Cause: err}
	}

	sess := &session{
		conn:     conn,
		interims: cfg.InterimResults,
		events:   make(chan stt.Event, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(p.formatTurns))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// turnMessage is the JSON structure AssemblyAI sends for Turn events.
// end_of_turn marks a committed (final) transcript for the turn.
type turnMessage struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	Words               []struct {
		Start      int64   `json:"start"`
		End        int64   `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

// session is a live AssemblyAI streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	interims bool
	events   chan stt.Event
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to AssemblyAI.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("assemblyai: %w", stt.ErrSessionClosed)
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return fmt.Errorf("assemblyai: %w", stt.ErrSessionClosed)
	}
}

// Events returns the ordered provider event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the server to flush and finalize the stream.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"Terminate"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages upstream.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from AssemblyAI and dispatches them to the
// event channel in arrival order.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		r, ok := parseTurn(msg)
		if !ok {
			continue
		}
		if !r.IsFinal && !s.interims {
			continue
		}

		select {
		case s.events <- stt.Event{Result: r}:
		case <-s.done:
		}
	}
}

// parseTurn parses a raw AssemblyAI WebSocket message into a Result.
// Returns (result, true) on success, or (nil, false) if the message should be ignored.
func parseTurn(data []byte) (*stt.Result, bool) {
	var msg turnMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	if msg.Type != "Turn" {
		return nil, false
	}
	if msg.Transcript == "" {
		return nil, false
	}

	r := &stt.Result{
		Text:       msg.Transcript,
		IsFinal:    msg.EndOfTurn,
		Confidence: msg.EndOfTurnConfidence,
	}
	// Word timings arrive in milliseconds from stream start.
	if n := len(msg.Words); n > 0 {
		r.Start = float64(msg.Words[0].Start) / 1000
		r.End = float64(msg.Words[n-1].End) / 1000
	}
	return r, true
}
