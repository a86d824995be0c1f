// Package sink routes transcript events to their consumers: the on-disk
// journal, bot-registered network subscribers, and an in-process observer.
//
// The journal append is enqueued before any fan-out so that a delivered event
// always has a persistence record in flight. Network subscribers get bounded
// drop-oldest mailboxes; a slow bot connection loses old envelopes rather
// than stalling the session. The journal writer gets a large queue because
// durability outranks latency there.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/meetscribe/meetscribe/internal/journal"
	"github.com/meetscribe/meetscribe/internal/observe"
	"github.com/meetscribe/meetscribe/pkg/types"
)

const (
	// subscriberQueueSize bounds each network subscriber mailbox.
	subscriberQueueSize = 16
	// journalQueueSize is deliberately large; the journal writer must not
	// drop events under normal load.
	journalQueueSize = 4096
)

// Subscriber receives transcript envelopes, typically over a socket.
// Send must not block indefinitely; the mailbox worker calls it with a
// context carrying the session lifetime.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

// Observer receives in-process notifications. It stands in for the terminal
// UI pipeline and must return quickly.
type Observer interface {
	OnTranscript(ev types.TranscriptEvent)
	OnSpeakerChange(sp types.SpeakerInfo)
}

// envelope is the wire shape delivered to bot-registered subscribers.
type envelope struct {
	Type string       `json:"type"`
	Data envelopeData `json:"data"`
}

type envelopeData struct {
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// mailbox decouples one subscriber from the publish path.
type mailbox struct {
	sub  Subscriber
	ch   chan []byte
	done chan struct{}
}

// Sink owns the journal and the fan-out list for one session.
type Sink struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	journal  *journal.Journal
	observer Observer

	journalCh   chan types.TranscriptEvent
	journalDone chan struct{}

	mu     sync.Mutex
	subs   map[string]*mailbox
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Sink writing to j. Either j or observer may be nil when the
// corresponding consumer is disabled.
func New(log *slog.Logger, metrics *observe.Metrics, j *journal.Journal, observer Observer) *Sink {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		log:         log,
		metrics:     metrics,
		journal:     j,
		observer:    observer,
		journalCh:   make(chan types.TranscriptEvent, journalQueueSize),
		journalDone: make(chan struct{}),
		subs:        make(map[string]*mailbox),
		ctx:         ctx,
		cancel:      cancel,
	}
	go s.journalLoop()
	return s
}

// Subscribe registers sub for transcript envelopes. Re-subscribing with the
// same ID replaces the previous registration.
func (s *Sink) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.subs[sub.ID()]; ok {
		close(old.done)
	}
	mb := &mailbox{sub: sub, ch: make(chan []byte, subscriberQueueSize), done: make(chan struct{})}
	s.subs[sub.ID()] = mb
	go s.deliverLoop(mb)
}

// Unsubscribe removes the subscriber with the given ID, if present.
func (s *Sink) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mb, ok := s.subs[id]; ok {
		close(mb.done)
		delete(s.subs, id)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (s *Sink) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish routes one transcript event: journal first, then subscribers, then
// the observer. Publish preserves call order for the journal; callers must
// publish from a single goroutine per session.
func (s *Sink) Publish(ev types.TranscriptEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.journal != nil {
		select {
		case s.journalCh <- ev:
		default:
			// The queue is sized so this indicates disk trouble, not load.
			s.log.Error("journal queue full, event lost", "text_len", len(ev.Text))
		}
	}
	boxes := make([]*mailbox, 0, len(s.subs))
	for _, mb := range s.subs {
		boxes = append(boxes, mb)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordTranscriptEvent(s.ctx, ev.IsFinal)
	}

	if len(boxes) > 0 {
		payload, err := json.Marshal(envelope{
			Type: "transcription",
			Data: envelopeData{
				Text:      ev.Text,
				IsFinal:   ev.IsFinal,
				StartTime: ev.AudioStart.Milliseconds(),
				EndTime:   ev.AudioEnd.Milliseconds(),
			},
		})
		if err == nil {
			for _, mb := range boxes {
				offer(mb.ch, payload)
			}
		}
	}

	if s.observer != nil {
		s.observer.OnTranscript(ev)
	}
}

// NotifySpeakerChange forwards a speaker change to the observer.
func (s *Sink) NotifySpeakerChange(sp types.SpeakerInfo) {
	if s.observer != nil {
		s.observer.OnSpeakerChange(sp)
	}
}

// Close stops fan-out, drains the journal queue, and finalizes the journal
// with info. The drain is bounded by ctx; on expiry remaining queued events
// are abandoned. Close is idempotent.
func (s *Sink) Close(ctx context.Context, info journal.Info) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, mb := range s.subs {
		close(mb.done)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	close(s.journalCh)
	select {
	case <-s.journalDone:
	case <-ctx.Done():
		s.log.Warn("journal drain deadline expired")
	}
	s.cancel()

	if s.journal == nil {
		return nil
	}
	return s.journal.Close(info)
}

// journalLoop appends queued events in order until the queue closes.
func (s *Sink) journalLoop() {
	defer close(s.journalDone)
	for ev := range s.journalCh {
		if s.journal == nil {
			continue
		}
		start := time.Now()
		if err := s.journal.Append(ev); err != nil {
			s.log.Error("journal append failed", "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.JournalAppendDuration.Record(s.ctx, time.Since(start).Seconds())
		}
	}
}

// deliverLoop drains one subscriber mailbox. Delivery failures are logged and
// counted; the subscriber stays registered.
func (s *Sink) deliverLoop(mb *mailbox) {
	for {
		select {
		case <-mb.done:
			return
		case payload := <-mb.ch:
			if err := mb.sub.Send(s.ctx, payload); err != nil {
				s.log.Warn("subscriber delivery failed", "subscriber", mb.sub.ID(), "error", err)
				if s.metrics != nil {
					s.metrics.DeliveryFailures.Add(s.ctx, 1)
				}
			}
		}
	}
}

// offer enqueues payload, evicting the oldest entry when the mailbox is full.
func offer(ch chan []byte, payload []byte) {
	for {
		select {
		case ch <- payload:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
