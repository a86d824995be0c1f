// Package journal maintains the durable per-session transcript record.
//
// Each session owns a directory under the configured transcript root, created
// lazily on the first transcript event. Four artifacts are maintained:
//
//   - transcript.json — structured record, one entry per event, with a
//     rolling statistics header.
//   - transcript.txt — plain-text render of final entries only; this is the
//     artifact humans read.
//   - raw_logs.txt — every event as observed in real time, interim and
//     final, useful for debugging provider latency.
//   - session_info.txt — summary written on close (start/end, duration,
//     counts, provider).
//
// Appends are ordered per session. A partial set of files indicates an
// unclean exit.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meetscribe/meetscribe/pkg/types"
)

// entry is one structured transcript record in transcript.json.
type entry struct {
	Timestamp  string  `json:"timestamp"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// document is the full transcript.json layout: statistics first, then the
// ordered entries.
type document struct {
	Stats   stats   `json:"stats"`
	Entries []entry `json:"entries"`
}

// stats is the rolling statistics header of transcript.json.
type stats struct {
	TotalEvents   int    `json:"total_events"`
	FinalEvents   int    `json:"final_events"`
	InterimEvents int    `json:"interim_events"`
	FirstEventAt  string `json:"first_event_at,omitempty"`
	LastEventAt   string `json:"last_event_at,omitempty"`
}

// Info summarises a closed session for session_info.txt.
type Info struct {
	SessionID       string
	Provider        string
	StartedAt       time.Time
	EndedAt         time.Time
	FramesForwarded uint64
	FramesDropped   uint64
}

// Journal is the on-disk transcript record for one session. All methods are
// safe for concurrent use; appends are serialized by an internal mutex.
type Journal struct {
	root      string
	sessionID string
	startedAt time.Time

	mu      sync.Mutex
	dir     string // empty until the first append creates it
	raw     *os.File
	txt     *os.File
	doc     document
	finals  int
	closed  bool
}

// New creates a Journal rooted at root for the given session. No files are
// touched until the first Append.
func New(root, sessionID string, startedAt time.Time) *Journal {
	return &Journal{root: root, sessionID: sessionID, startedAt: startedAt}
}

// Dir returns the session directory path, or "" if no event has arrived yet.
func (j *Journal) Dir() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dir
}

// Append records one transcript event across the journal artifacts. The
// session directory is created on the first call.
func (j *Journal) Append(ev types.TranscriptEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return fmt.Errorf("journal: append after close (session %s)", j.sessionID)
	}
	if j.dir == "" {
		if err := j.open(); err != nil {
			return err
		}
	}

	stamp := ev.ReceivedAt.UTC().Format(time.RFC3339Nano)

	// Raw stream log: everything, in arrival order.
	kind := "interim"
	if ev.IsFinal {
		kind = "final"
	}
	if _, err := fmt.Fprintf(j.raw, "[%s] %s: %s\n", stamp, kind, ev.Text); err != nil {
		return fmt.Errorf("journal: append raw log: %w", err)
	}

	// Plain text: finals only, joined by single spaces.
	if ev.IsFinal {
		sep := ""
		if j.finals > 0 {
			sep = " "
		}
		if _, err := fmt.Fprintf(j.txt, "%s%s", sep, ev.Text); err != nil {
			return fmt.Errorf("journal: append transcript text: %w", err)
		}
		j.finals++
	}

	// Structured record: rewritten in full so the stats header stays current.
	e := entry{
		Timestamp:  stamp,
		Text:       ev.Text,
		IsFinal:    ev.IsFinal,
		Confidence: ev.Confidence,
	}
	if ev.Speaker != nil {
		e.Speaker = ev.Speaker.Name
	}
	j.doc.Entries = append(j.doc.Entries, e)
	j.doc.Stats.TotalEvents++
	if ev.IsFinal {
		j.doc.Stats.FinalEvents++
	} else {
		j.doc.Stats.InterimEvents++
	}
	if j.doc.Stats.FirstEventAt == "" {
		j.doc.Stats.FirstEventAt = stamp
	}
	j.doc.Stats.LastEventAt = stamp

	return j.writeStructured()
}

// Close finalises the journal: flushes artifacts and writes session_info.txt.
// Close is idempotent; calls after the first are no-ops. When no event ever
// arrived, no directory exists and nothing is written.
func (j *Journal) Close(info Info) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if j.dir == "" {
		return nil
	}

	var errs []error
	if err := j.writeInfo(info); err != nil {
		errs = append(errs, err)
	}
	if err := j.raw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("journal: close raw log: %w", err))
	}
	if err := j.txt.Close(); err != nil {
		errs = append(errs, fmt.Errorf("journal: close transcript text: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("journal: close session %s: %v", j.sessionID, errs)
	}
	return nil
}

// open creates the session directory and its append-mode artifacts.
// Caller holds j.mu.
func (j *Journal) open() error {
	dir := filepath.Join(j.root, fmt.Sprintf("%s_%s", j.startedAt.Format("20060102_150405"), j.sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("journal: create session dir %q: %w", dir, err)
	}

	raw, err := os.OpenFile(filepath.Join(dir, "raw_logs.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open raw log: %w", err)
	}
	txt, err := os.OpenFile(filepath.Join(dir, "transcript.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		raw.Close()
		return fmt.Errorf("journal: open transcript text: %w", err)
	}

	j.dir = dir
	j.raw = raw
	j.txt = txt
	return nil
}

// writeStructured rewrites transcript.json in full. Caller holds j.mu.
func (j *Journal) writeStructured() error {
	data, err := json.MarshalIndent(j.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal transcript.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(j.dir, "transcript.json"), data, 0o644); err != nil {
		return fmt.Errorf("journal: write transcript.json: %w", err)
	}
	return nil
}

// writeInfo writes session_info.txt. Caller holds j.mu.
func (j *Journal) writeInfo(info Info) error {
	var b []byte
	b = fmt.Appendf(b, "session_id: %s\n", info.SessionID)
	b = fmt.Appendf(b, "provider: %s\n", info.Provider)
	b = fmt.Appendf(b, "started_at: %s\n", info.StartedAt.UTC().Format(time.RFC3339))
	b = fmt.Appendf(b, "ended_at: %s\n", info.EndedAt.UTC().Format(time.RFC3339))
	b = fmt.Appendf(b, "duration: %s\n", info.EndedAt.Sub(info.StartedAt).Round(time.Millisecond))
	b = fmt.Appendf(b, "transcript_events: %d\n", j.doc.Stats.TotalEvents)
	b = fmt.Appendf(b, "final_events: %d\n", j.doc.Stats.FinalEvents)
	b = fmt.Appendf(b, "frames_forwarded: %d\n", info.FramesForwarded)
	b = fmt.Appendf(b, "frames_dropped: %d\n", info.FramesDropped)

	if err := os.WriteFile(filepath.Join(j.dir, "session_info.txt"), b, 0o644); err != nil {
		return fmt.Errorf("journal: write session_info.txt: %w", err)
	}
	return nil
}
