package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/meetscribe/meetscribe/internal/config"
	"github.com/meetscribe/meetscribe/internal/webhook"
	"github.com/meetscribe/meetscribe/pkg/provider/stt"
	"github.com/meetscribe/meetscribe/pkg/provider/stt/mock"
	"github.com/meetscribe/meetscribe/pkg/types"
)

type testObserver struct {
	mu       sync.Mutex
	events   []types.TranscriptEvent
	speakers []types.SpeakerInfo
}

func (o *testObserver) OnTranscript(ev types.TranscriptEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *testObserver) OnSpeakerChange(sp types.SpeakerInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.speakers = append(o.speakers, sp)
}

func testConfig(t *testing.T, mode config.Mode) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = mode
	cfg.Provider = config.ProviderEntry{Name: "mock"}
	cfg.Transcripts.Enabled = true
	cfg.Transcripts.Dir = t.TempDir()
	cfg.Recording.Enabled = false
	return *cfg
}

func startTestServer(t *testing.T, o *Orchestrator) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(o.IngressServer().HandleUpgrade))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate in time")
	}
}

func sessionDir(t *testing.T, root string) string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("session dirs = %d, want 1", len(entries))
	}
	return filepath.Join(root, entries[0].Name())
}

func gateEvent() webhook.ControlEvent {
	return webhook.ControlEvent{
		Kind:       webhook.EventBotStatusChange,
		StatusCode: webhook.StatusInCallNotRecording,
	}
}

func TestOrchestrator_LocalHappyPath(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	cfg.Recording.Enabled = true
	cfg.Recording.Dir = t.TempDir()

	sess := mock.NewSession()
	p := &mock.Provider{Session: sess}
	obs := &testObserver{}
	o := New(nil, nil, cfg, p, obs)
	srv := startTestServer(t, o)

	ws := dial(t, srv.URL)
	defer ws.CloseNow()
	waitFor(t, func() bool { return o.State() == StateStreaming })
	if !o.GateOpen() {
		t.Fatal("gate closed in Local mode")
	}

	frame := make([]byte, 640)
	for range 3 {
		if err := ws.Write(t.Context(), websocket.MessageBinary, frame); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, func() bool { return sess.SendAudioCallCount() == 3 })

	sess.EmitFinal("hello world", 0.95)
	sess.Finish() // provider ends the stream, session drains
	waitDone(t, o)

	if o.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", o.State())
	}
	if o.Err() != nil {
		t.Errorf("Err() = %v, want nil", o.Err())
	}

	dir := sessionDir(t, cfg.Transcripts.Dir)
	text, err := os.ReadFile(filepath.Join(dir, "transcript.txt"))
	if err != nil {
		t.Fatalf("read transcript.txt: %v", err)
	}
	if string(text) != "hello world" {
		t.Errorf("transcript.txt = %q", text)
	}
	if _, err := os.Stat(filepath.Join(dir, "session_info.txt")); err != nil {
		t.Errorf("session_info.txt: %v", err)
	}

	recs, err := os.ReadDir(cfg.Recording.Dir)
	if err != nil || len(recs) != 1 {
		t.Fatalf("recordings = %v (err %v), want 1 file", recs, err)
	}
	st, err := os.Stat(filepath.Join(cfg.Recording.Dir, recs[0].Name()))
	if err != nil {
		t.Fatalf("stat recording: %v", err)
	}
	if st.Size() != 44+1920 {
		t.Errorf("recording size = %d, want %d", st.Size(), 44+1920)
	}
}

func TestOrchestrator_RemoteGatedDrop(t *testing.T) {
	cfg := testConfig(t, config.ModeRemote)
	sess := mock.NewSession()
	p := &mock.Provider{Session: sess}
	o := New(nil, nil, cfg, p, nil)
	srv := startTestServer(t, o)

	ws := dial(t, srv.URL)
	defer ws.CloseNow()
	waitFor(t, func() bool { return o.State() == StateAwaitingGate })

	for range 5 {
		if err := ws.Write(t.Context(), websocket.MessageBinary, []byte("pcm")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, func() bool { return o.IngressServer().FramesDropped() == 5 })
	if p.CallCount() != 0 {
		t.Fatalf("provider opened before gate: %d calls", p.CallCount())
	}
	if sess.SendAudioCallCount() != 0 {
		t.Fatalf("provider received %d gated frames", sess.SendAudioCallCount())
	}

	// No transcript event arrived, so no session directory exists yet.
	entries, _ := os.ReadDir(cfg.Transcripts.Dir)
	if len(entries) != 0 {
		t.Errorf("premature session dir: %v", entries)
	}

	o.HandleControlEvent(context.Background(), gateEvent())
	waitFor(t, func() bool { return o.State() == StateStreaming && p.CallCount() == 1 })

	waitFor(t, func() bool {
		if err := ws.Write(context.Background(), websocket.MessageBinary, []byte("pcm")); err != nil {
			return false
		}
		return sess.SendAudioCallCount() > 0
	})
}

func TestOrchestrator_SpeakerRisingEdge(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	obs := &testObserver{}
	o := New(nil, nil, cfg, &mock.Provider{Session: mock.NewSession()}, obs)
	srv := startTestServer(t, o)

	ws := dial(t, srv.URL)
	defer ws.CloseNow()

	metas := []string{
		`[{"name":"A","id":1,"timestamp":1,"isSpeaking":true}]`,
		`[{"name":"A","id":1,"timestamp":2,"isSpeaking":false}]`,
		`[{"name":"B","id":2,"timestamp":3,"isSpeaking":true}]`,
		`[{"name":"B","id":2,"timestamp":4,"isSpeaking":true}]`,
	}
	for _, m := range metas {
		if err := ws.Write(t.Context(), websocket.MessageText, []byte(m)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	waitFor(t, func() bool {
		sp := o.CurrentSpeaker()
		return sp != nil && sp.Name == "B"
	})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.speakers) != 2 {
		t.Fatalf("speaker changes = %d, want 2", len(obs.speakers))
	}
	if obs.speakers[0].Name != "A" || obs.speakers[1].Name != "B" {
		t.Errorf("changes = %+v", obs.speakers)
	}
}

func TestOrchestrator_ProviderInitFailure(t *testing.T) {
	cfg := testConfig(t, config.ModeRemote)
	p := &mock.Provider{StartStreamErr: &stt.InitError{Provider: "mock", Message: "unauthorized"}}
	o := New(nil, nil, cfg, p, nil, WithFatalGrace(20*time.Millisecond))
	srv := startTestServer(t, o)

	ws := dial(t, srv.URL)
	defer ws.CloseNow()
	waitFor(t, func() bool { return o.State() == StateAwaitingGate })

	o.HandleControlEvent(context.Background(), gateEvent())
	waitFor(t, func() bool { return o.State() == StateFatalError || o.State() == StateTerminated })
	waitDone(t, o)

	err := o.Err()
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("Err() = %v, want unauthorized", err)
	}

	// No transcript ever arrived, so nothing was persisted.
	dir := cfg.Transcripts.Dir
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("unexpected session dir after init failure: %v", entries)
	}
}

func TestOrchestrator_MeetingEndedDrains(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	sess := mock.NewSession()
	o := New(nil, nil, cfg, &mock.Provider{Session: sess}, nil)
	srv := startTestServer(t, o)

	ws := dial(t, srv.URL)
	defer ws.CloseNow()
	waitFor(t, func() bool { return o.State() == StateStreaming })
	sess.EmitFinal("partial meeting", 0.8)

	o.HandleControlEvent(context.Background(), webhook.ControlEvent{Kind: webhook.EventMeetingEnded})
	waitDone(t, o)

	if o.State() != StateTerminated {
		t.Errorf("state = %v", o.State())
	}
	// Our side closed the ingress connection.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := ws.Read(ctx); err == nil {
		t.Error("ingress connection still open after meeting.ended")
	}

	dir := sessionDir(t, cfg.Transcripts.Dir)
	info, err := os.ReadFile(filepath.Join(dir, "session_info.txt"))
	if err != nil {
		t.Fatalf("session_info.txt: %v", err)
	}
	if !strings.Contains(string(info), "ended_at: ") {
		t.Errorf("session_info.txt missing end time:\n%s", info)
	}
}

func TestOrchestrator_LastCloseDrains(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	sess := mock.NewSession()
	o := New(nil, nil, cfg, &mock.Provider{Session: sess}, nil)
	srv := startTestServer(t, o)

	ws := dial(t, srv.URL)
	waitFor(t, func() bool { return o.State() == StateStreaming })

	_ = ws.Close(websocket.StatusNormalClosure, "")
	waitDone(t, o)
	if sess.CloseCallCount != 1 {
		t.Errorf("provider handle closed %d times, want 1", sess.CloseCallCount)
	}
}

func TestOrchestrator_TeardownIdempotent(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	o := New(nil, nil, cfg, &mock.Provider{Session: mock.NewSession()}, nil)
	srv := startTestServer(t, o)

	ws := dial(t, srv.URL)
	defer ws.CloseNow()
	waitFor(t, func() bool { return o.State() == StateStreaming })

	o.Teardown("interrupt")
	o.Teardown("meeting ended")
	o.HandleControlEvent(context.Background(), webhook.ControlEvent{Kind: webhook.EventMeetingEnded})
	waitDone(t, o)

	if o.State() != StateTerminated {
		t.Errorf("state = %v", o.State())
	}
}

func TestOrchestrator_GateAuthorizedBeforeIngress(t *testing.T) {
	cfg := testConfig(t, config.ModeRemote)
	p := &mock.Provider{Session: mock.NewSession()}
	o := New(nil, nil, cfg, p, nil)
	srv := startTestServer(t, o)

	// Platform webhook races ahead of the bot's socket.
	o.HandleControlEvent(context.Background(), gateEvent())
	if o.GateOpen() {
		t.Fatal("gate open before session exists")
	}

	ws := dial(t, srv.URL)
	defer ws.CloseNow()
	waitFor(t, func() bool { return o.State() == StateStreaming })
	if !o.GateOpen() {
		t.Error("deferred gate authorization not applied")
	}
	waitFor(t, func() bool { return p.CallCount() == 1 })
}

func TestOrchestrator_ReconnectDoesNotReset(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	o := New(nil, nil, cfg, &mock.Provider{Session: mock.NewSession()}, nil)
	srv := startTestServer(t, o)

	a := dial(t, srv.URL)
	defer a.CloseNow()
	waitFor(t, func() bool { return o.State() == StateStreaming })
	id := o.ID()

	b := dial(t, srv.URL)
	defer b.CloseNow()
	waitFor(t, func() bool { return o.IngressServer().ConnectionCount() == 2 })

	if o.ID() != id {
		t.Errorf("session id changed on reconnect: %q -> %q", id, o.ID())
	}
	if o.State() != StateStreaming {
		t.Errorf("state = %v, want streaming", o.State())
	}
}
