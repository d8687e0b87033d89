package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/getredi/redicore/internal/costguard"
	"github.com/getredi/redicore/internal/orchestrator"
	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/internal/session"
	"github.com/getredi/redicore/pkg/provider/llm"
	llmmock "github.com/getredi/redicore/pkg/provider/llm/mock"
	transcribemock "github.com/getredi/redicore/pkg/provider/transcribe/mock"
	ttsmock "github.com/getredi/redicore/pkg/provider/tts/mock"
	"github.com/getredi/redicore/pkg/provider/vision"
	visionmock "github.com/getredi/redicore/pkg/provider/vision/mock"
	"github.com/getredi/redicore/pkg/types"
)

const testTimeout = 5 * time.Second

type testEnv struct {
	t        *testing.T
	gw       *Gateway
	sessions *session.Manager
	hub      *orchestrator.Hub
	fast     *llmmock.Provider
	deep     *llmmock.Provider
	srv      *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		t:        t,
		fast:     &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "SILENT"}},
		deep:     &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Your back rounds because your hips rise first."}},
		sessions: session.NewManager(nil),
	}
	env.hub = orchestrator.NewHub(func(cfg orchestrator.Config) *orchestrator.Orchestrator {
		return orchestrator.New(cfg)
	}, nil)

	cfg := Config{
		Sessions: env.sessions,
		Hub:      env.hub,
		BuildConfig: func(d session.Descriptor) orchestrator.Config {
			return orchestrator.Config{
				SessionID:   d.ID,
				Mode:        d.Mode,
				Sensitivity: d.Sensitivity,
				CostTier:    costguard.TierPaid,
				Fast:        env.fast,
				Deep:        env.deep,
				Speak:       func(u orchestrator.Utterance) { env.gw.Deliver(d.ID, u) },
			}
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.gw = New(cfg)

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = env.gw.Run(runCtx)
	}()
	waitFor(t, func() bool {
		env.gw.mu.Lock()
		defer env.gw.mu.Unlock()
		return env.gw.base != nil
	})

	env.srv = httptest.NewServer(env.gw.Handler())
	t.Cleanup(func() {
		env.hub.Shutdown()
		cancel()
		<-runDone
		env.srv.Close()
	})
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial() *wsClient {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	e.t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return &wsClient{t: e.t, ws: ws}
}

func (c *wsClient) send(frame clientFrame) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	data, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatalf("marshal frame: %v", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *wsClient) sendBinary(data []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.t.Fatalf("write binary: %v", err)
	}
}

// readRaw returns the next message of any kind.
func (c *wsClient) readRaw() (websocket.MessageType, []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return typ, data
}

// read returns the next JSON frame, failing on binary messages.
func (c *wsClient) read() serverFrame {
	c.t.Helper()
	typ, data := c.readRaw()
	if typ != websocket.MessageText {
		c.t.Fatalf("expected text frame, got %v", typ)
	}
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

// hello creates a session and returns its descriptor.
func (c *wsClient) hello(deviceID string, create createRequest) session.Descriptor {
	c.t.Helper()
	c.send(clientFrame{Type: frameHello, DeviceID: deviceID, Create: &create})
	frame := c.read()
	if frame.Type != frameSession || frame.Session == nil {
		c.t.Fatalf("hello response = %+v, want session frame", frame)
	}
	return *frame.Session
}

func freshPacket(seq uint64) *perception.Packet {
	return &perception.Packet{Seq: seq, Timestamp: time.Now().UnixMilli()}
}

func TestHelloCreateReturnsDescriptor(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()

	desc := c.hello("device-1", createRequest{Mode: types.ModeCooking})
	if desc.Mode != types.ModeCooking {
		t.Errorf("mode = %v, want cooking", desc.Mode)
	}
	if len(desc.JoinCode) != 6 {
		t.Errorf("join code %q, want 6 characters", desc.JoinCode)
	}
	if desc.Status != session.StatusActive {
		t.Errorf("status = %v, want active", desc.Status)
	}
	if desc.HostDeviceID != "device-1" {
		t.Errorf("host = %q, want device-1", desc.HostDeviceID)
	}
	if env.hub.Len() != 1 {
		t.Errorf("hub size = %d, want 1 after attach", env.hub.Len())
	}
}

func TestJoinByCodeSharesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	host := env.dial()
	desc := host.hello("device-1", createRequest{Mode: types.ModeGeneral})

	guest := env.dial()
	guest.send(clientFrame{Type: frameHello, DeviceID: "device-2", JoinCode: desc.JoinCode})
	frame := guest.read()
	if frame.Type != frameSession || frame.Session == nil || frame.Session.ID != desc.ID {
		t.Fatalf("join response = %+v, want session %s", frame, desc.ID)
	}
	if env.hub.Len() != 1 {
		t.Errorf("hub size = %d, want 1 (shared session)", env.hub.Len())
	}
	waitFor(t, func() bool { return env.gw.ActiveConnections() == 2 })
}

func TestHelloRequiredFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()

	c.send(clientFrame{Type: frameQuestion, Text: "what is this"})
	frame := c.read()
	if frame.Type != frameError || frame.Code != "validation" {
		t.Errorf("frame = %+v, want validation error", frame)
	}
}

func TestMalformedFrameRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := c.read()
	if frame.Type != frameError || frame.Code != "validation" {
		t.Errorf("frame = %+v, want validation error", frame)
	}
}

func TestUnknownJoinCodeReportsSessionError(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()

	c.send(clientFrame{Type: frameHello, DeviceID: "device-1", JoinCode: "ZZZZZZ"})
	frame := c.read()
	if frame.Type != frameError || frame.Code != "session" {
		t.Errorf("frame = %+v, want session error", frame)
	}
}

func TestRuleUtteranceDelivered(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()
	c.hello("device-1", createRequest{Mode: types.ModeSports})

	pkt := freshPacket(1)
	pkt.Pose = &perception.PoseInfo{Confidence: 0.9, SpineAngle: 30}
	pkt.Movement = &perception.MovementInfo{Phase: perception.PhaseEccentric}
	c.send(clientFrame{Type: framePerception, Packet: pkt})

	frame := c.read()
	if frame.Type != frameUtterance || frame.Text != "Back rounding" || frame.Source != "rule" {
		t.Errorf("frame = %+v, want rule utterance", frame)
	}
}

func TestQuestionAnsweredByDeepModel(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()
	desc := c.hello("device-1", createRequest{Mode: types.ModeSports})

	// Prime the context window so the prompted answer passes staleness, and
	// wait for the packet to drain before queueing the question.
	c.send(clientFrame{Type: framePerception, Packet: freshPacket(1)})
	orch, err := env.hub.Get(desc.ID)
	if err != nil {
		t.Fatalf("hub get: %v", err)
	}
	waitFor(t, func() bool { n, _ := orch.DecisionStats(); return n >= 1 })

	c.send(clientFrame{Type: frameQuestion, Text: "why does my back round on deadlifts"})
	frame := c.read()
	if frame.Type != frameUtterance || frame.Source != "reasoning" {
		t.Fatalf("frame = %+v, want reasoning utterance", frame)
	}
	if !strings.Contains(frame.Text, "hips rise first") {
		t.Errorf("text = %q, want deep model answer", frame.Text)
	}
	if len(env.deep.Calls()) != 1 {
		t.Errorf("deep calls = %d, want 1", len(env.deep.Calls()))
	}
}

func TestPromptedPacketRoutesQuestion(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()
	c.hello("device-1", createRequest{Mode: types.ModeGeneral})

	c.send(clientFrame{Type: framePerception, Packet: freshPacket(1)})
	pkt := freshPacket(2)
	pkt.Prompted = true
	pkt.Transcript = &perception.TranscriptInfo{
		Text:    "explain why the pasta water foams over",
		IsFinal: true,
	}
	c.send(clientFrame{Type: framePerception, Packet: pkt})

	frame := c.read()
	if frame.Type != frameUtterance || frame.Source != "reasoning" {
		t.Errorf("frame = %+v, want reasoning utterance", frame)
	}
}

func TestControlEndUpdatesDescriptor(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()
	c.hello("device-1", createRequest{Mode: types.ModeGeneral})

	c.send(clientFrame{Type: frameControl, Action: actionEnd})
	frame := c.read()
	if frame.Type != frameSession || frame.Session == nil {
		t.Fatalf("frame = %+v, want session frame", frame)
	}
	if frame.Session.Status != session.StatusEnded {
		t.Errorf("status = %v, want ended", frame.Session.Status)
	}
}

func TestControlPauseRequiresHost(t *testing.T) {
	env := newTestEnv(t, nil)
	host := env.dial()
	desc := host.hello("device-1", createRequest{Mode: types.ModeGeneral})

	guest := env.dial()
	guest.send(clientFrame{Type: frameHello, DeviceID: "device-2", JoinCode: desc.JoinCode})
	guest.read()

	guest.send(clientFrame{Type: frameControl, Action: actionPause})
	frame := guest.read()
	if frame.Type != frameError || frame.Code != "validation" {
		t.Errorf("frame = %+v, want validation error for non-host pause", frame)
	}
}

func TestUtteranceSynthesizedForHost(t *testing.T) {
	ttsProv := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("pcm-1"), []byte("pcm-2")}}
	env := newTestEnv(t, func(cfg *Config) { cfg.TTS = ttsProv })
	c := env.dial()
	desc := c.hello("device-1", createRequest{Mode: types.ModeSports})

	pkt := freshPacket(1)
	pkt.Pose = &perception.PoseInfo{Confidence: 0.9, SpineAngle: 30}
	pkt.Movement = &perception.MovementInfo{Phase: perception.PhaseEccentric}
	c.send(clientFrame{Type: framePerception, Packet: pkt})

	frame := c.read()
	if frame.Type != frameUtterance {
		t.Fatalf("frame = %+v, want utterance", frame)
	}
	for _, want := range []string{"pcm-1", "pcm-2"} {
		typ, data := c.readRaw()
		if typ != websocket.MessageBinary || string(data) != want {
			t.Fatalf("audio frame = %v %q, want binary %q", typ, data, want)
		}
	}

	orch, err := env.hub.Get(desc.ID)
	if err != nil {
		t.Fatalf("hub get: %v", err)
	}
	waitFor(t, func() bool { return orch.Usage().TTSCharacters == len("Back rounding") })
}

func TestAudioChunksReachTranscriber(t *testing.T) {
	stt := &transcribemock.Session{
		PartialsCh: make(chan types.Transcript, 4),
		FinalsCh:   make(chan types.Transcript, 4),
	}
	prov := &transcribemock.Provider{Session: stt}
	env := newTestEnv(t, func(cfg *Config) { cfg.Transcriber = prov })
	c := env.dial()
	desc := c.hello("device-1", createRequest{Mode: types.ModeGeneral})

	c.sendBinary([]byte("chunk-1"))
	c.sendBinary([]byte("chunk-2"))
	waitFor(t, func() bool { return stt.SendAudioCallCount() == 2 })

	calls := prov.StartStreamCalls
	if len(calls) != 1 || calls[0].Cfg.SampleRate != deviceSampleRate || calls[0].Cfg.Channels != 1 {
		t.Errorf("start stream calls = %+v, want one 16kHz mono stream", calls)
	}

	// A final transcript becomes a perception packet and charges the ledger.
	stt.FinalsCh <- types.Transcript{Text: "hello there", IsFinal: true, Duration: 2 * time.Second}
	orch, err := env.hub.Get(desc.ID)
	if err != nil {
		t.Fatalf("hub get: %v", err)
	}
	waitFor(t, func() bool { return orch.Usage().TranscribedSeconds == 2.0 })

	// The mock session's channels are test-owned; close them so the conn's
	// pump goroutines exit before the connection tears down.
	close(stt.PartialsCh)
	close(stt.FinalsCh)
}

func TestStillFrameAnnotated(t *testing.T) {
	vis := &visionmock.Provider{AnnotateResult: []vision.Label{
		{Label: "Kettle", Confidence: 0.91},
		{Label: "Stove", Confidence: 0.77},
	}}
	env := newTestEnv(t, func(cfg *Config) { cfg.Vision = vis })
	c := env.dial()
	desc := c.hello("device-1", createRequest{Mode: types.ModeCooking})

	c.send(clientFrame{Type: frameStill, Frame: &stillFrame{Data: []byte("jpeg-bytes")}})
	frame := c.read()
	if frame.Type != frameVision || frame.Vision == nil {
		t.Fatalf("frame = %+v, want vision frame", frame)
	}
	if len(frame.Vision.Labels) != 2 || frame.Vision.Labels[0].Label != "Kettle" {
		t.Errorf("labels = %+v, want kettle and stove", frame.Vision.Labels)
	}
	if frame.Vision.NextFrameMs <= 0 {
		t.Errorf("next frame interval = %d, want positive", frame.Vision.NextFrameMs)
	}

	calls := vis.Calls()
	if len(calls) != 1 || string(calls[0].Img.Data) != "jpeg-bytes" || calls[0].MaxLabels != maxCloudLabels {
		t.Errorf("annotate calls = %+v, want one capped call with the image", calls)
	}

	orch, err := env.hub.Get(desc.ID)
	if err != nil {
		t.Fatalf("hub get: %v", err)
	}
	if got := orch.Usage().VisionCalls; got != 1 {
		t.Errorf("vision calls charged = %d, want 1", got)
	}
}

func TestStillFrameWithoutProviderRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()
	c.hello("device-1", createRequest{Mode: types.ModeGeneral})

	c.send(clientFrame{Type: frameStill, Frame: &stillFrame{Data: []byte("jpeg-bytes")}})
	frame := c.read()
	if frame.Type != frameError || frame.Code != "provider" {
		t.Errorf("frame = %+v, want provider error", frame)
	}
}

func TestSensitivityOutOfRangeRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()
	c.hello("device-1", createRequest{Mode: types.ModeGeneral})

	c.send(clientFrame{Type: frameSensitivity, Value: 1.5})
	frame := c.read()
	if frame.Type != frameError || frame.Code != "validation" {
		t.Errorf("frame = %+v, want validation error", frame)
	}
}

func TestCloseSessionDisconnectsDevices(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()
	desc := c.hello("device-1", createRequest{Mode: types.ModeGeneral})

	env.gw.CloseSession(desc.ID)
	frame := c.read()
	if frame.Type != frameSession {
		t.Fatalf("frame = %+v, want session frame before close", frame)
	}
	waitFor(t, func() bool { return env.gw.ActiveConnections() == 0 })
}
