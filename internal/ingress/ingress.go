// Package ingress accepts the bot-facing WebSocket connections and
// demultiplexes inbound messages.
//
// Each message is classified by a cheap JSON probe: a registration object
// marks the connection as a bot subscriber, a speaker-metadata array updates
// the current speaker, anything else is raw PCM. PCM frames are binary and
// virtually never parse as JSON, so the probe is safe; malformed JSON is
// deliberately treated as PCM to stay forward compatible.
//
// The gate is consulted per PCM frame. Frames arriving while the gate is
// closed are dropped with a counter, never buffered.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/meetscribe/meetscribe/internal/observe"
	"github.com/meetscribe/meetscribe/pkg/types"
)

// readLimit caps a single inbound message. 1 MiB covers several seconds of
// 16 kHz mono PCM with ample headroom.
const readLimit = 1 << 20

// sendTimeout bounds one outbound write to a subscriber connection.
const sendTimeout = 5 * time.Second

// Events is the upward interface to the session orchestrator. Calls for one
// connection are made from that connection's read loop; calls from different
// connections may be concurrent.
type Events interface {
	// ConnectionOpened fires after a connection is accepted. total includes
	// the new connection.
	ConnectionOpened(id string, total int)

	// ConnectionClosed fires after a connection goes away. remaining is the
	// number of connections still open; zero triggers session draining.
	ConnectionClosed(id string, remaining int)

	// PCMFrame delivers one raw audio frame. forward reports whether the
	// gate was open at arrival; closed-gate frames are delivered for
	// recording but must not reach the provider.
	PCMFrame(frame types.AudioFrame, forward bool)

	// SpeakerMeta delivers a decoded speaker-metadata entry.
	SpeakerMeta(sp types.SpeakerInfo)

	// BotRegistered fires when a connection identifies itself as a bot
	// subscriber.
	BotRegistered(conn *Conn)
}

// Conn is one accepted ingress connection. It satisfies the sink's
// Subscriber contract for transcript envelope delivery.
type Conn struct {
	id string
	ws *websocket.Conn
}

// ID returns the connection's server-assigned identifier.
func (c *Conn) ID() string { return c.id }

// Send writes one text payload to the peer, bounded by sendTimeout.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

// Server accepts and demultiplexes ingress connections.
type Server struct {
	log     *slog.Logger
	metrics *observe.Metrics
	gate    func() bool
	events  Events

	dropped atomic.Uint64

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer creates a Server. gate is consulted once per PCM frame and must
// be cheap; events receives the demultiplexed stream.
func NewServer(log *slog.Logger, metrics *observe.Metrics, gate func() bool, events Events) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:     log,
		metrics: metrics,
		gate:    gate,
		events:  events,
		conns:   make(map[string]*Conn),
	}
}

// FramesDropped returns the count of PCM frames dropped at the closed gate.
func (s *Server) FramesDropped() uint64 { return s.dropped.Load() }

// ConnectionCount returns the number of open ingress connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection and runs
// its read loop until the peer disconnects.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The bot runs wherever the meeting platform hosts it.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(readLimit)

	conn := &Conn{id: uuid.NewString(), ws: ws}
	total := s.add(conn)
	s.log.Info("ingress connection opened", "conn", conn.id, "total", total)
	if s.metrics != nil {
		s.metrics.IngressConnections.Add(r.Context(), 1)
	}
	s.events.ConnectionOpened(conn.id, total)

	defer func() {
		remaining := s.remove(conn.id)
		s.log.Info("ingress connection closed", "conn", conn.id, "remaining", remaining)
		if s.metrics != nil {
			s.metrics.IngressConnections.Add(context.Background(), -1)
		}
		s.events.ConnectionClosed(conn.id, remaining)
		_ = ws.CloseNow()
	}()

	s.readLoop(r.Context(), conn)
}

// CloseAll closes every open connection from the server side, used when the
// session drains before the peers disconnect.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "session draining")
	}
}

func (s *Server) add(c *Conn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
	return len(s.conns)
}

func (s *Server) remove(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
	return len(s.conns)
}

// readLoop consumes messages until the connection errors or closes. A read
// error is a normal peer departure, not a failure.
func (s *Server) readLoop(ctx context.Context, conn *Conn) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}
		s.handleMessage(conn, data)
	}
}

func (s *Server) handleMessage(conn *Conn, data []byte) {
	switch kind, reg, metas := classify(data); kind {
	case types.FrameControlJSON:
		if reg.Client == "bot" {
			s.log.Info("bot subscriber registered", "conn", conn.id)
			s.events.BotRegistered(conn)
		} else {
			s.log.Warn("register frame with unknown client ignored", "conn", conn.id, "client", reg.Client)
		}
	case types.FrameSpeakerMeta:
		for _, sp := range metas {
			s.events.SpeakerMeta(sp)
		}
	default:
		frame := types.AudioFrame{Data: data, ReceivedAt: time.Now()}
		open := s.gate()
		if !open {
			s.dropped.Add(1)
			if s.metrics != nil {
				s.metrics.RecordFrameDropped(context.Background(), observe.DropGateClosed)
			}
		}
		s.events.PCMFrame(frame, open)
	}
}

// registration is the bot subscriber handshake frame.
type registration struct {
	Type   string `json:"type"`
	Client string `json:"client"`
}

// speakerMetaEntry mirrors one element of a platform speaker-metadata array.
type speakerMetaEntry struct {
	Name       string `json:"name"`
	ID         int64  `json:"id"`
	Timestamp  int64  `json:"timestamp"`
	IsSpeaking bool   `json:"isSpeaking"`
}

// classify probes data for the structured message shapes. Anything that does
// not match, including malformed JSON, is PCM.
func classify(data []byte) (types.FrameKind, registration, []types.SpeakerInfo) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return types.FramePCM, registration{}, nil
	}

	switch trimmed[0] {
	case '{':
		var reg registration
		if err := json.Unmarshal(trimmed, &reg); err == nil && reg.Type == "register" {
			return types.FrameControlJSON, reg, nil
		}
	case '[':
		var entries []speakerMetaEntry
		if err := json.Unmarshal(trimmed, &entries); err == nil && len(entries) > 0 && entries[0].Name != "" {
			metas := make([]types.SpeakerInfo, len(entries))
			for i, e := range entries {
				metas[i] = types.SpeakerInfo{
					Name:       e.Name,
					ID:         e.ID,
					Timestamp:  e.Timestamp,
					IsSpeaking: e.IsSpeaking,
				}
			}
			return types.FrameSpeakerMeta, registration{}, metas
		}
	}
	return types.FramePCM, registration{}, nil
}
