// Package bridge owns the live STT provider stream for one session.
//
// The bridge opens the adapter stream exactly once, forwards PCM frames in
// arrival order while the stream is open, and routes provider events to the
// transcript sink in emission order. Frames arriving before the stream is
// open are dropped with a counter; buffering during a slow provider
// handshake would grow without bound.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meetscribe/meetscribe/internal/observe"
	"github.com/meetscribe/meetscribe/pkg/provider/stt"
	"github.com/meetscribe/meetscribe/pkg/types"
)

// fatalMessageLimit caps the error text surfaced on provider init failure.
const fatalMessageLimit = 128

// CloseTimeout bounds the wait for the provider to acknowledge a half-close.
const CloseTimeout = 5 * time.Second

// Callbacks are the bridge's upward signals to the orchestrator.
type Callbacks struct {
	// OnFatal fires at most once, when the provider stream cannot be opened.
	OnFatal func(err error)
	// OnProviderClosed fires when the provider ends the stream before the
	// session requested teardown.
	OnProviderClosed func()
	// Speaker snapshots the session's current speaker for a transcript
	// event. Optional.
	Speaker func() *types.SpeakerInfo
	// Publish delivers one transcript event to the sink.
	Publish func(ev types.TranscriptEvent)
}

// Bridge manages one adapter stream. All methods are safe for concurrent
// use; Forward is called from the ingress read loop while Open and Close are
// called by the orchestrator.
type Bridge struct {
	log          *slog.Logger
	metrics      *observe.Metrics
	provider     stt.Provider
	providerName string
	cfg          stt.StreamConfig
	cb           Callbacks

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	mu            sync.Mutex
	openRequested bool
	closed        bool
	handle        stt.SessionHandle
	loopStarted   bool
	streamCancel  context.CancelFunc

	eventsDone chan struct{}
}

// New creates a Bridge for the given provider. The stream is not opened
// until Open is called.
func New(log *slog.Logger, metrics *observe.Metrics, provider stt.Provider, providerName string, cfg stt.StreamConfig, cb Callbacks) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		log:          log.With("provider", providerName),
		metrics:      metrics,
		provider:     provider,
		providerName: providerName,
		cfg:          cfg,
		cb:           cb,
		eventsDone:   make(chan struct{}),
	}
}

// Open starts the provider stream in the background. Only the first call has
// an effect. Dial failure is reported through Callbacks.OnFatal.
func (b *Bridge) Open(ctx context.Context) {
	b.mu.Lock()
	if b.openRequested || b.closed {
		b.mu.Unlock()
		return
	}
	b.openRequested = true
	// The stream gets its own cancel so Close can force adapter goroutines
	// to unwind when the provider never acknowledges the half-close.
	ctx, cancel := context.WithCancel(ctx)
	b.streamCancel = cancel
	b.mu.Unlock()

	go b.open(ctx)
}

func (b *Bridge) open(ctx context.Context) {
	start := time.Now()
	handle, err := b.provider.StartStream(ctx, b.cfg)
	if err != nil {
		b.mu.Lock()
		requested := b.closed
		b.mu.Unlock()
		if requested {
			// Close aborted the in-flight dial; not a provider failure.
			b.log.Debug("provider stream open aborted", "error", err)
			return
		}
		if b.metrics != nil {
			b.metrics.RecordProviderError(ctx, b.providerName, "open")
		}
		fatal := fmt.Errorf("provider %s init failed: %s", b.providerName, truncate(err.Error(), fatalMessageLimit))
		b.log.Error("provider stream open failed", "error", fatal)
		if b.cb.OnFatal != nil {
			b.cb.OnFatal(fatal)
		}
		return
	}
	if b.metrics != nil {
		b.metrics.ProviderOpenDuration.Record(ctx, time.Since(start).Seconds())
	}
	b.log.Info("provider stream open", "elapsed", time.Since(start).Round(time.Millisecond))

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = handle.Close()
		return
	}
	b.handle = handle
	b.loopStarted = true
	b.mu.Unlock()

	go b.eventLoop(handle)
}

// eventLoop routes provider events to the sink until the stream ends.
func (b *Bridge) eventLoop(handle stt.SessionHandle) {
	for ev := range handle.Events() {
		if ev.Err != nil {
			b.log.Warn("provider stream error", "error", ev.Err)
			if b.metrics != nil {
				b.metrics.RecordProviderError(context.Background(), b.providerName, "stream")
			}
			continue
		}
		r := ev.Result
		tev := types.TranscriptEvent{
			Text:       r.Text,
			IsFinal:    r.IsFinal,
			ReceivedAt: time.Now(),
			Confidence: r.Confidence,
			AudioStart: time.Duration(r.Start * float64(time.Second)),
			AudioEnd:   time.Duration(r.End * float64(time.Second)),
		}
		if b.cb.Speaker != nil {
			tev.Speaker = b.cb.Speaker()
		}
		if b.cb.Publish != nil {
			b.cb.Publish(tev)
		}
	}

	// eventsDone must close before OnProviderClosed: the teardown it
	// triggers calls Close, which waits on eventsDone.
	close(b.eventsDone)

	b.mu.Lock()
	requested := b.closed
	b.mu.Unlock()
	if !requested {
		b.log.Warn("provider closed stream before drain")
		if b.cb.OnProviderClosed != nil {
			b.cb.OnProviderClosed()
		}
	}
}

// Forward sends one PCM frame to the provider. Frames are dropped, with a
// counter and a drop reason, while the stream is opening, after close, or
// when the send fails. No retry: a gap beats late audio.
func (b *Bridge) Forward(frame types.AudioFrame) {
	b.mu.Lock()
	handle := b.handle
	closed := b.closed
	b.mu.Unlock()

	if closed || handle == nil {
		b.dropped.Add(1)
		if b.metrics != nil {
			reason := observe.DropBridgeOpening
			if closed {
				reason = observe.DropBridgeClosed
			}
			b.metrics.RecordFrameDropped(context.Background(), reason)
		}
		return
	}

	if err := handle.SendAudio(frame.Data); err != nil {
		b.dropped.Add(1)
		b.log.Warn("audio send failed, frame dropped", "error", err)
		if b.metrics != nil {
			b.metrics.RecordFrameDropped(context.Background(), observe.DropSendFailed)
			b.metrics.RecordProviderError(context.Background(), b.providerName, "send")
		}
		return
	}
	b.forwarded.Add(1)
	if b.metrics != nil {
		b.metrics.RecordFrameForwarded(context.Background(), len(frame.Data))
	}
}

// FramesForwarded returns the number of frames sent to the provider.
func (b *Bridge) FramesForwarded() uint64 { return b.forwarded.Load() }

// FramesDropped returns the number of frames dropped by the bridge.
func (b *Bridge) FramesDropped() uint64 { return b.dropped.Load() }

// Close half-closes the provider stream and waits for the event loop to
// drain, bounded by ctx. The handle's own Close is bounded too: a provider
// that never acknowledges the half-close gets its handle abandoned and its
// stream context cancelled so adapter goroutines unwind. Close is idempotent.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	handle := b.handle
	started := b.loopStarted
	cancel := b.streamCancel
	b.mu.Unlock()

	if handle == nil {
		// Abort an in-flight open; the late handle is closed by open().
		if cancel != nil {
			cancel()
		}
		return nil
	}

	closeErr := make(chan error, 1)
	go func() { closeErr <- handle.Close() }()

	var err error
	abandoned := false
	select {
	case err = <-closeErr:
	case <-ctx.Done():
		abandoned = true
		b.log.Warn("provider close deadline expired, handle abandoned")
	}
	if cancel != nil {
		cancel()
	}

	if started && !abandoned {
		select {
		case <-b.eventsDone:
		case <-ctx.Done():
			b.log.Warn("provider event drain deadline expired")
		}
	}
	return err
}

// truncate caps s at limit bytes.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
