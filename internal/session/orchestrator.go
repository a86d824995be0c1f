// Package session owns the lifecycle of one meeting.
//
// The orchestrator wires the audio ingress, the provider bridge, and the
// transcript sink together and drives the state machine
//
//	Idle → AwaitingIngress → AwaitingGate → Streaming → Draining → Terminated
//
// with FatalError as the provider-failure branch. One process serves one
// meeting; after Terminated the process is expected to exit.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meetscribe/meetscribe/internal/bridge"
	"github.com/meetscribe/meetscribe/internal/config"
	"github.com/meetscribe/meetscribe/internal/ingress"
	"github.com/meetscribe/meetscribe/internal/journal"
	"github.com/meetscribe/meetscribe/internal/observe"
	"github.com/meetscribe/meetscribe/internal/sink"
	"github.com/meetscribe/meetscribe/internal/webhook"
	"github.com/meetscribe/meetscribe/pkg/audio/wav"
	"github.com/meetscribe/meetscribe/pkg/provider/stt"
	"github.com/meetscribe/meetscribe/pkg/types"
)

const (
	// defaultFatalGrace keeps the process alive after a provider init
	// failure long enough for observers to display the error.
	defaultFatalGrace = 3 * time.Second

	// defaultTeardownTimeout bounds the whole drain: bridge close, journal
	// flush, socket shutdown.
	defaultTeardownTimeout = 5 * time.Second
)

// Option customises an Orchestrator, mainly for tests.
type Option func(*Orchestrator)

// WithFatalGrace overrides the delay between a fatal provider error and
// teardown.
func WithFatalGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.fatalGrace = d }
}

// WithTeardownTimeout overrides the bounded teardown deadline.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.teardownTimeout = d }
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithClock overrides the wall clock.
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// Orchestrator coordinates one session. It implements ingress.Events and
// registers itself as the webhook control handler.
type Orchestrator struct {
	log     *slog.Logger
	metrics *observe.Metrics
	cfg     config.Config

	provider     stt.Provider
	providerName string
	observer     sink.Observer

	fatalGrace      time.Duration
	teardownTimeout time.Duration
	newID           func() string
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	gate    atomic.Bool
	speaker atomic.Pointer[types.SpeakerInfo]

	mu             sync.Mutex
	id             string
	startedAt      time.Time
	gateAuthorized bool
	brg            *bridge.Bridge
	snk            *sink.Sink
	recorder       *wav.Recorder

	ing *ingress.Server

	fatalMu  sync.Mutex
	fatalErr error

	teardownOnce sync.Once
	done         chan struct{}
}

// New creates an Orchestrator in AwaitingIngress. The returned orchestrator
// owns its ingress server; mount IngressServer on the HTTP mux and register
// HandleControlEvent with the webhook intake.
func New(log *slog.Logger, metrics *observe.Metrics, cfg config.Config, provider stt.Provider, observer sink.Observer, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		log:             log,
		metrics:         metrics,
		cfg:             cfg,
		provider:        provider,
		providerName:    cfg.Provider.Name,
		observer:        observer,
		fatalGrace:      defaultFatalGrace,
		teardownTimeout: defaultTeardownTimeout,
		newID:           uuid.NewString,
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	// Local mode has no platform webhook; the caller is the audio source
	// and forwarding is authorized from the start.
	o.gate.Store(cfg.Mode == config.ModeLocal)
	o.state.Store(int32(StateAwaitingIngress))
	o.ing = ingress.NewServer(log, metrics, o.GateOpen, o)
	return o
}

// IngressServer returns the WebSocket server owned by this session.
func (o *Orchestrator) IngressServer() *ingress.Server { return o.ing }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// GateOpen reports whether audio forwarding is authorized.
func (o *Orchestrator) GateOpen() bool { return o.gate.Load() }

// CurrentSpeaker returns the last rising-edge speaker, or nil.
func (o *Orchestrator) CurrentSpeaker() *types.SpeakerInfo { return o.speaker.Load() }

// ID returns the session ID, or "" before the first ingress connection.
func (o *Orchestrator) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// Subscribers returns the number of bot-registered transcript subscribers.
func (o *Orchestrator) Subscribers() int {
	o.mu.Lock()
	snk := o.snk
	o.mu.Unlock()
	if snk == nil {
		return 0
	}
	return snk.SubscriberCount()
}

// Done is closed when the session reaches Terminated.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Err returns the fatal provider error, or nil after a clean session.
func (o *Orchestrator) Err() error {
	o.fatalMu.Lock()
	defer o.fatalMu.Unlock()
	return o.fatalErr
}

// ConnectionOpened implements ingress.Events. The first connection creates
// the session; later connections only add subscribers and never reset state.
func (o *Orchestrator) ConnectionOpened(connID string, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.id != "" {
		o.log.Debug("additional ingress connection", "conn", connID, "total", total)
		return
	}
	o.startSessionLocked()
}

// startSessionLocked assigns the session identity and builds the per-session
// components. Caller holds o.mu.
func (o *Orchestrator) startSessionLocked() {
	o.id = o.newID()
	o.startedAt = o.now()

	var j *journal.Journal
	if o.cfg.Transcripts.Enabled {
		j = journal.New(o.cfg.Transcripts.Dir, o.id, o.startedAt)
	}
	o.snk = sink.New(o.log.With("session", o.id), o.metrics, j, o.observer)

	if o.cfg.Recording.Enabled {
		o.recorder = wav.NewRecorder(o.cfg.Audio.Format())
	}

	format := o.cfg.Audio.Format()
	o.brg = bridge.New(o.log.With("session", o.id), o.metrics, o.provider, o.providerName,
		stt.StreamConfig{
			SampleRate:     format.SampleRate,
			Channels:       format.Channels,
			Language:       o.cfg.Provider.Language,
			InterimResults: o.cfg.Provider.InterimResults,
		},
		bridge.Callbacks{
			OnFatal:          o.onFatal,
			OnProviderClosed: func() { o.Teardown("provider closed stream") },
			Speaker:          o.CurrentSpeaker,
			Publish:          func(ev types.TranscriptEvent) { o.snk.Publish(ev) },
		})

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(o.ctx, 1)
	}

	if o.cfg.Mode == config.ModeLocal || o.gateAuthorized {
		o.gate.Store(true)
		o.state.Store(int32(StateStreaming))
		o.log.Info("session started, streaming", "session", o.id, "mode", o.cfg.Mode)
		o.brg.Open(o.ctx)
		return
	}
	o.state.Store(int32(StateAwaitingGate))
	o.log.Info("session started, awaiting gate", "session", o.id)
}

// ConnectionClosed implements ingress.Events. Closing the last connection
// drains the session.
func (o *Orchestrator) ConnectionClosed(connID string, remaining int) {
	o.mu.Lock()
	snk := o.snk
	started := o.id != ""
	o.mu.Unlock()

	if snk != nil {
		snk.Unsubscribe(connID)
	}
	if started && remaining == 0 {
		o.Teardown("last ingress connection closed")
	}
}

// PCMFrame implements ingress.Events. Frames are captured for recording
// regardless of the gate; only authorized frames reach the bridge.
func (o *Orchestrator) PCMFrame(frame types.AudioFrame, forward bool) {
	o.mu.Lock()
	recorder := o.recorder
	brg := o.brg
	o.mu.Unlock()

	if recorder != nil {
		recorder.Append(frame.Data)
	}
	if forward && brg != nil {
		brg.Forward(frame)
	}
}

// SpeakerMeta implements ingress.Events. Only a rising speaking edge with a
// new name mutates the current speaker; stop events are ignored.
func (o *Orchestrator) SpeakerMeta(sp types.SpeakerInfo) {
	if !sp.IsSpeaking {
		return
	}
	cur := o.speaker.Load()
	if cur != nil && cur.Name == sp.Name {
		return
	}
	cp := sp
	o.speaker.Store(&cp)
	o.log.Info("speaker changed", "speaker", sp.Name, "id", sp.ID)

	o.mu.Lock()
	snk := o.snk
	o.mu.Unlock()
	if snk != nil {
		snk.NotifySpeakerChange(sp)
	}
}

// BotRegistered implements ingress.Events.
func (o *Orchestrator) BotRegistered(conn *ingress.Conn) {
	o.mu.Lock()
	snk := o.snk
	o.mu.Unlock()
	if snk != nil {
		snk.Subscribe(conn)
	}
}

// HandleControlEvent applies one platform control event to the state
// machine. Register it as the webhook intake's wildcard handler.
func (o *Orchestrator) HandleControlEvent(_ context.Context, ev webhook.ControlEvent) {
	switch {
	case ev.OpensGate():
		o.openGate()
	case ev.Kind == webhook.EventBotRecordingPermDenied:
		o.log.Warn("recording permission denied", "bot_id", ev.BotID)
		o.Teardown("recording permission denied")
	case ev.Kind == webhook.EventMeetingEnded:
		o.Teardown("meeting ended")
	default:
		// Observational only.
		o.log.Info("control event", "event", ev.Kind, "status_code", ev.StatusCode)
	}
}

// openGate authorizes forwarding. Repeats are harmless; an authorization
// that arrives before the first ingress connection is remembered and applied
// when the session starts.
func (o *Orchestrator) openGate() {
	o.mu.Lock()
	o.gateAuthorized = true
	if o.id == "" {
		o.mu.Unlock()
		o.log.Info("gate authorized before ingress, deferred")
		return
	}
	if o.State() != StateAwaitingGate {
		o.mu.Unlock()
		o.log.Debug("gate event ignored", "state", o.State())
		return
	}
	o.gate.Store(true)
	o.state.Store(int32(StateStreaming))
	brg := o.brg
	o.mu.Unlock()

	o.log.Info("gate opened, streaming")
	brg.Open(o.ctx)
}

// onFatal records a provider init failure and schedules teardown after the
// grace window.
func (o *Orchestrator) onFatal(err error) {
	o.fatalMu.Lock()
	if o.fatalErr == nil {
		o.fatalErr = err
	}
	o.fatalMu.Unlock()

	o.state.Store(int32(StateFatalError))
	o.log.Error("session fatal error", "error", err, "grace", o.fatalGrace)
	time.AfterFunc(o.fatalGrace, func() { o.Teardown("fatal error grace expired") })
}

// Teardown drains and terminates the session. All triggers converge here;
// only the first has any effect.
func (o *Orchestrator) Teardown(reason string) {
	o.teardownOnce.Do(func() { o.teardown(reason) })
}

func (o *Orchestrator) teardown(reason string) {
	o.log.Info("session draining", "reason", reason)
	o.state.Store(int32(StateDraining))
	o.gate.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), o.teardownTimeout)
	defer cancel()

	o.ing.CloseAll()

	o.mu.Lock()
	brg := o.brg
	snk := o.snk
	recorder := o.recorder
	id := o.id
	startedAt := o.startedAt
	started := id != ""
	o.mu.Unlock()

	var forwarded, dropped uint64
	if brg != nil {
		if err := brg.Close(ctx); err != nil {
			o.log.Warn("bridge close", "error", err)
		}
		forwarded = brg.FramesForwarded()
		dropped = brg.FramesDropped()
	}
	dropped += o.ing.FramesDropped()

	if recorder != nil {
		if path, err := recorder.WriteFile(o.cfg.Recording.Dir); err != nil {
			if err != wav.ErrNoAudio {
				o.log.Error("recording write failed", "error", err)
			}
		} else {
			o.log.Info("recording written", "path", path)
		}
	}

	if snk != nil {
		info := journal.Info{
			SessionID:       id,
			Provider:        o.providerName,
			StartedAt:       startedAt,
			EndedAt:         o.now(),
			FramesForwarded: forwarded,
			FramesDropped:   dropped,
		}
		if err := snk.Close(ctx, info); err != nil {
			o.log.Error("sink close failed", "error", err)
		}
	}

	if started && o.metrics != nil {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	o.cancel()
	o.state.Store(int32(StateTerminated))
	o.log.Info("session terminated",
		"session", id, "frames_forwarded", forwarded, "frames_dropped", dropped)
	close(o.done)
}
