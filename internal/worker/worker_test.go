package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/bus"
	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/model/message"
	"github.com/zhouzirui/yuexia/internal/service/browser"
	"github.com/zhouzirui/yuexia/internal/service/speech"
)

// link plays the orchestrator side of a worker's stdin/stdout.
type link struct {
	toWorker   *io.PipeWriter
	fromWorker *io.PipeReader
	frames     chan message.Envelope
	done       chan error
}

func start(t *testing.T, run func(ctx context.Context, in io.Reader, out io.Writer) error) *link {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	l := &link{
		toWorker:   inW,
		fromWorker: outR,
		frames:     make(chan message.Envelope, 16),
		done:       make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		err := run(ctx, inR, outW)
		outW.Close()
		l.done <- err
	}()
	go func() {
		defer close(l.frames)
		for {
			env, err := bus.ReadFrame(outR)
			if err != nil {
				return
			}
			l.frames <- env
		}
	}()
	t.Cleanup(func() {
		cancel()
		inW.Close()
		outR.Close()
	})
	return l
}

func (l *link) send(t *testing.T, env message.Envelope) {
	t.Helper()
	require.NoError(t, bus.WriteFrame(l.toWorker, env))
}

func (l *link) recv(t *testing.T) message.Envelope {
	t.Helper()
	select {
	case env, ok := <-l.frames:
		require.True(t, ok, "worker output closed")
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no frame from worker")
		return message.Envelope{}
	}
}

func (l *link) exit(t *testing.T) error {
	t.Helper()
	select {
	case err := <-l.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit")
		return nil
	}
}

func shutdown() message.Envelope {
	return message.New(message.Shutdown, "supervisor", "worker", nil)
}

type fakeSynth struct {
	mu   sync.Mutex
	reqs []speech.Request
	err  error
}

func (f *fakeSynth) Synthesize(_ context.Context, req speech.Request) (*speech.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &speech.Audio{Data: []byte("RIFF"), Format: "wav"}, nil
}

func (f *fakeSynth) requests() []speech.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]speech.Request(nil), f.reqs...)
}

func ttsConfig(t *testing.T) config.TTSConfig {
	return config.TTSConfig{Enabled: true, Provider: "http", OutputDir: t.TempDir()}
}

func TestPerceptionAnswersTTSRequest(t *testing.T) {
	synth := &fakeSynth{}
	cfg := ttsConfig(t)
	l := start(t, func(ctx context.Context, in io.Reader, out io.Writer) error {
		return RunPerception(ctx, cfg, synth, in, out, zap.NewNop())
	})

	l.send(t, message.New(message.TTSRequest, "brain", "perception", map[string]any{
		"text":       "你好呀",
		"emotion":    "happy",
		"msg_index":  3,
		"session_id": "s1",
	}))

	env := l.recv(t)
	assert.Equal(t, message.TTSDone, env.Kind)
	assert.Equal(t, "perception", env.Source)
	assert.Equal(t, 3, env.Int("msg_index", -1))
	assert.Equal(t, "s1", env.String("session_id", ""))
	path := env.String("path", "")
	assert.True(t, strings.HasPrefix(path, cfg.OutputDir))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))

	reqs := synth.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "happy", reqs[0].Emotion)
	assert.Equal(t, "s1", reqs[0].SessionID)

	l.send(t, shutdown())
	assert.NoError(t, l.exit(t))
}

func TestPerceptionFailureSendsNothing(t *testing.T) {
	synth := &fakeSynth{err: errors.New("boom")}
	cfg := ttsConfig(t)
	l := start(t, func(ctx context.Context, in io.Reader, out io.Writer) error {
		return RunPerception(ctx, cfg, synth, in, out, zap.NewNop())
	})

	l.send(t, message.New(message.TTSRequest, "brain", "perception", map[string]any{"text": "hi", "msg_index": 1}))
	require.Eventually(t, func() bool { return len(synth.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	l.send(t, message.New(message.MicTestRequest, "brain", "perception", nil))
	env := l.recv(t)
	assert.Equal(t, message.MicTestResult, env.Kind)
	assert.Equal(t, false, env.Payload["ok"])

	l.send(t, shutdown())
	assert.NoError(t, l.exit(t))
}

func TestPerceptionDisabledIgnoresRequests(t *testing.T) {
	synth := &fakeSynth{}
	cfg := ttsConfig(t)
	cfg.Enabled = false
	l := start(t, func(ctx context.Context, in io.Reader, out io.Writer) error {
		return RunPerception(ctx, cfg, synth, in, out, zap.NewNop())
	})

	l.send(t, message.New(message.TTSRequest, "brain", "perception", map[string]any{"text": "hi"}))
	l.send(t, shutdown())
	assert.NoError(t, l.exit(t))
	assert.Empty(t, synth.requests())
}

func TestWorkerExitsWhenParentGoesAway(t *testing.T) {
	l := start(t, func(ctx context.Context, in io.Reader, out io.Writer) error {
		return RunPerception(ctx, ttsConfig(t), &fakeSynth{}, in, out, zap.NewNop())
	})
	require.NoError(t, l.toWorker.Close())
	assert.NoError(t, l.exit(t))
}

type fakeOpener struct {
	mu     sync.Mutex
	urls   []string
	err    error
	closed bool
}

func (f *fakeOpener) Open(_ context.Context, url string) (*browser.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return &browser.Result{Title: "Example", Path: "/tmp/browser.png"}, nil
}

func (f *fakeOpener) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOpener) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestActionBrowseProducesScreenshot(t *testing.T) {
	opener := &fakeOpener{}
	l := start(t, func(ctx context.Context, in io.Reader, out io.Writer) error {
		return RunAction(ctx, opener, in, out, zap.NewNop())
	})

	l.send(t, message.New(message.ActionRequest, "brain", "action", map[string]any{"action": "browse", "url": "https://example.com"}))
	env := l.recv(t)
	assert.Equal(t, message.Screenshot, env.Kind)
	assert.Equal(t, "action", env.Source)
	assert.Equal(t, "/tmp/browser.png", env.String("path", ""))
	assert.Equal(t, "Browser opened: Example", env.String("text", ""))

	l.send(t, shutdown())
	assert.NoError(t, l.exit(t))
	assert.True(t, opener.isClosed())
}

func TestActionFailuresReportResult(t *testing.T) {
	opener := &fakeOpener{err: browser.ErrDisabled}
	l := start(t, func(ctx context.Context, in io.Reader, out io.Writer) error {
		return RunAction(ctx, opener, in, out, zap.NewNop())
	})

	l.send(t, message.New(message.ActionRequest, "brain", "action", map[string]any{"action": "browse", "url": "example.com"}))
	env := l.recv(t)
	assert.Equal(t, message.ActionResult, env.Kind)
	assert.Equal(t, false, env.Payload["ok"])
	assert.Contains(t, env.String("error", ""), browser.ErrDisabled.Error())

	l.send(t, message.New(message.ActionRequest, "brain", "action", map[string]any{"action": "click"}))
	env = l.recv(t)
	assert.Equal(t, message.ActionResult, env.Kind)
	assert.Equal(t, "click", env.String("action", ""))
	assert.Equal(t, "unknown action", env.String("error", ""))
}

func TestFaceBridgesBrowserAndBrain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := start(t, func(ctx context.Context, in io.Reader, out io.Writer) error {
		return RunFace(ctx, ln, in, out, zap.NewNop())
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"user_text_input","payload":{"text":"在吗"}}`)))
	env := l.recv(t)
	assert.Equal(t, message.UserTextInput, env.Kind)
	assert.Equal(t, "face", env.Source)
	assert.Equal(t, "在吗", env.String("text", ""))

	for _, chunk := range []string{"a", "b", "c"} {
		l.send(t, message.New(message.LLMStreamChunk, "brain", "face", map[string]any{"text": chunk}))
	}
	var got []string
	for range 3 {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := message.Decode(data)
		require.NoError(t, err)
		got = append(got, env.String("text", ""))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	l.send(t, shutdown())
	assert.NoError(t, l.exit(t))
}

func TestRunRejectsUnknownWorker(t *testing.T) {
	err := Run(context.Background(), "ears", config.Default(), strings.NewReader(""), io.Discard, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownWorker)
}
