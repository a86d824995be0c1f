package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/meetscribe/meetscribe/internal/config"
	"github.com/meetscribe/meetscribe/internal/observe"
	"github.com/meetscribe/meetscribe/internal/session"
	"github.com/meetscribe/meetscribe/pkg/provider/stt"
	"github.com/meetscribe/meetscribe/pkg/provider/stt/mock"
)

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

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// startApp builds an App on a loopback listener and runs it. The returned
// channel yields Run's result.
func startApp(t *testing.T, ctx context.Context, cfg config.Config, provider stt.Provider, opts ...Option) (*App, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts = append(opts, WithListener(ln), WithMetrics(testMetrics(t)))
	a, err := New(ctx, nil, cfg, provider, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	return a, runErr
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/", nil)
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

func waitRun(t *testing.T, runErr <-chan error) error {
	t.Helper()
	select {
	case err := <-runErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
		return nil
	}
}

func postWebhook(t *testing.T, addr, body string) *http.Response {
	t.Helper()
	resp, err := http.Post("http://"+addr+"/webhooks/meetingbaas", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApp_EndToEnd(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	sess := mock.NewSession()
	a, runErr := startApp(t, t.Context(), cfg, &mock.Provider{Session: sess})

	// Health endpoint is live alongside the WebSocket ingress.
	resp, err := http.Get("http://" + a.Addr() + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %v (err %v)", resp, err)
	}
	resp.Body.Close()

	ws := dialWS(t, a.Addr())
	defer ws.CloseNow()
	waitFor(t, func() bool { return a.Session().State() == session.StateStreaming })

	// Register as the bot subscriber, then stream audio.
	if err := ws.Write(t.Context(), websocket.MessageText, []byte(`{"type":"register","client":"bot"}`)); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, func() bool { return a.Session().Subscribers() == 1 })

	frame := make([]byte, 640)
	for range 3 {
		if err := ws.Write(t.Context(), websocket.MessageBinary, frame); err != nil {
			t.Fatalf("write pcm: %v", err)
		}
	}
	waitFor(t, func() bool { return sess.SendAudioCallCount() == 3 })

	sess.EmitFinal("hello world", 0.9)

	// The bot connection receives the transcription envelope.
	readCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, payload, err := ws.Read(readCtx)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env struct {
		Type string `json:"type"`
		Data struct {
			Text    string `json:"text"`
			IsFinal bool   `json:"isFinal"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "transcription" || env.Data.Text != "hello world" || !env.Data.IsFinal {
		t.Errorf("envelope = %s", payload)
	}

	// meeting.ended over the webhook drains the session and stops the app.
	wh := postWebhook(t, a.Addr(), `{"event":"meeting.ended","data":{}}`)
	if wh.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", wh.StatusCode)
	}
	if err := waitRun(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.SessionErr() != nil {
		t.Errorf("SessionErr = %v", a.SessionErr())
	}

	// Journal finalized.
	entries, err := os.ReadDir(cfg.Transcripts.Dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("session dirs = %v (err %v)", entries, err)
	}
	text, err := os.ReadFile(filepath.Join(cfg.Transcripts.Dir, entries[0].Name(), "transcript.txt"))
	if err != nil {
		t.Fatalf("transcript.txt: %v", err)
	}
	if string(text) != "hello world" {
		t.Errorf("transcript.txt = %q", text)
	}
}

func TestApp_WebhookOpensGate(t *testing.T) {
	cfg := testConfig(t, config.ModeRemote)
	p := &mock.Provider{Session: mock.NewSession()}
	a, runErr := startApp(t, t.Context(), cfg, p)

	ws := dialWS(t, a.Addr())
	defer ws.CloseNow()
	waitFor(t, func() bool { return a.Session().State() == session.StateAwaitingGate })

	for range 5 {
		if err := ws.Write(t.Context(), websocket.MessageBinary, []byte("pcm")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, func() bool { return a.Session().IngressServer().FramesDropped() == 5 })
	if p.CallCount() != 0 {
		t.Fatalf("provider opened before webhook")
	}

	wh := postWebhook(t, a.Addr(),
		`{"event":"bot.status_change","data":{"status":{"code":"in_call_not_recording"}}}`)
	if wh.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", wh.StatusCode)
	}
	waitFor(t, func() bool {
		return a.Session().State() == session.StateStreaming && p.CallCount() == 1
	})

	_ = ws.Close(websocket.StatusNormalClosure, "")
	if err := waitRun(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestApp_MalformedWebhookRejected(t *testing.T) {
	cfg := testConfig(t, config.ModeRemote)
	a, _ := startApp(t, t.Context(), cfg, &mock.Provider{})

	wh := postWebhook(t, a.Addr(), `{"event":"nope.nope"}`)
	if wh.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", wh.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(wh.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(buf.Bytes(), &body); err != nil || body.Error == "" {
		t.Errorf("error body = %s (err %v)", buf.Bytes(), err)
	}
	if a.Session().State() != session.StateAwaitingIngress {
		t.Errorf("state mutated by malformed webhook: %v", a.Session().State())
	}
}

func TestApp_ProviderInitFailureExitsNonZero(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	p := &mock.Provider{StartStreamErr: &stt.InitError{Provider: "mock", Message: "unauthorized"}}
	a, runErr := startApp(t, t.Context(), cfg, p,
		WithSessionOptions(session.WithFatalGrace(20*time.Millisecond)))

	ws := dialWS(t, a.Addr())
	defer ws.CloseNow()

	if err := waitRun(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	err := a.SessionErr()
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("SessionErr = %v, want unauthorized", err)
	}
}

func TestApp_InterruptDrainsCleanly(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	sess := mock.NewSession()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, runErr := startApp(t, ctx, cfg, &mock.Provider{Session: sess})

	ws := dialWS(t, a.Addr())
	defer ws.CloseNow()
	waitFor(t, func() bool { return a.Session().State() == session.StateStreaming })
	sess.EmitFinal("interrupted meeting", 0.8)

	cancel() // external interrupt
	err := waitRun(t, runErr)
	if err != nil && err != context.Canceled {
		t.Fatalf("Run: %v", err)
	}
	if a.Session().State() != session.StateTerminated {
		t.Errorf("state = %v", a.Session().State())
	}
	if a.SessionErr() != nil {
		t.Errorf("SessionErr = %v", a.SessionErr())
	}

	entries, err := os.ReadDir(cfg.Transcripts.Dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("session dirs = %v (err %v)", entries, err)
	}
	info, err := os.ReadFile(filepath.Join(cfg.Transcripts.Dir, entries[0].Name(), "session_info.txt"))
	if err != nil {
		t.Fatalf("session_info.txt: %v", err)
	}
	if !strings.Contains(string(info), "ended_at: ") {
		t.Errorf("session_info.txt missing end time:\n%s", info)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestApp_MetricsEndpoint(t *testing.T) {
	cfg := testConfig(t, config.ModeLocal)
	a, _ := startApp(t, t.Context(), cfg, &mock.Provider{})

	resp, err := http.Get("http://" + a.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
