// Package gateway is the WebSocket ingress for devices. Each connection speaks
// JSON text frames (perception packets, speech signals, questions, settings,
// session control) and receives approved utterances, thinking acks, session
// descriptors, and errors. Binary frames carry raw PCM audio in both
// directions: inbound to the transcription provider when server-side
// transcription is configured, outbound as synthesized speech when the session
// uses server-side audio output.
//
// The gateway owns no decision state. It attaches each connection to a session
// via the session manager, starts the session's orchestrator through the hub,
// and forwards frames between the two.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/getredi/redicore/internal/observe"
	"github.com/getredi/redicore/internal/orchestrator"
	"github.com/getredi/redicore/internal/rerr"
	"github.com/getredi/redicore/internal/session"
	"github.com/getredi/redicore/pkg/provider/transcribe"
	"github.com/getredi/redicore/pkg/provider/tts"
	"github.com/getredi/redicore/pkg/provider/vision"
	"github.com/getredi/redicore/pkg/types"
)

const (
	// writeTimeout bounds every frame write so one stalled device cannot
	// block delivery to the rest of the session.
	writeTimeout = 5 * time.Second

	// synthTimeout bounds one TTS synthesis round trip.
	synthTimeout = 10 * time.Second

	// annotateTimeout bounds one cloud vision round trip.
	annotateTimeout = 10 * time.Second

	// maxCloudLabels caps labels requested per annotated frame.
	maxCloudLabels = 10
)

// Config carries the gateway's collaborators. TTS and Transcriber are
// optional; without them the device does its own audio in both directions.
type Config struct {
	Sessions *session.Manager
	Hub      *orchestrator.Hub

	// BuildConfig produces the orchestrator configuration for a session the
	// moment its first device attaches. The composition root points Speak
	// back at [Gateway.Deliver].
	BuildConfig func(d session.Descriptor) orchestrator.Config

	TTS         tts.Provider
	Transcriber transcribe.Provider
	Vision      vision.Provider

	// Defaults, when set, supplies server-side session defaults for fields the
	// create request leaves empty. Read on every create so reloaded config
	// applies to sessions created afterwards.
	Defaults func() session.Config

	Log     *slog.Logger
	Metrics *observe.Metrics
}

// room is the set of connections attached to one session.
type room struct {
	// synthMu serializes TTS synthesis so audio frames arrive in utterance
	// order.
	synthMu sync.Mutex
	conns   map[*conn]struct{}
}

// Gateway accepts device connections and routes frames between them and the
// per-session orchestrators.
type Gateway struct {
	log         *slog.Logger
	sessions    *session.Manager
	hub         *orchestrator.Hub
	buildConfig func(d session.Descriptor) orchestrator.Config
	tts         tts.Provider
	transcriber transcribe.Provider
	vision      vision.Provider
	defaults    func() session.Config
	metrics     *observe.Metrics

	mu    sync.Mutex
	base  context.Context
	rooms map[string]*room
}

// New creates a Gateway. Call [Gateway.Run] before serving its handler.
func New(cfg Config) *Gateway {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		log:         log.With("component", "gateway"),
		sessions:    cfg.Sessions,
		hub:         cfg.Hub,
		buildConfig: cfg.BuildConfig,
		tts:         cfg.TTS,
		transcriber: cfg.Transcriber,
		vision:      cfg.Vision,
		defaults:    cfg.Defaults,
		metrics:     cfg.Metrics,
		rooms:       make(map[string]*room),
	}
}

// Run anchors connection lifetimes to ctx and blocks until it is cancelled,
// then closes every open connection.
func (g *Gateway) Run(ctx context.Context) error {
	g.mu.Lock()
	g.base = ctx
	g.mu.Unlock()

	<-ctx.Done()
	g.closeAll(websocket.StatusGoingAway, "server shutting down")
	return ctx.Err()
}

// Handler returns the HTTP handler that upgrades connections.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.handleWS)
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	base := g.base
	g.mu.Unlock()
	if base == nil {
		http.Error(w, "gateway not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Devices connect from app webviews with arbitrary origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Warn("websocket accept failed", "error", err)
		return
	}

	c := newConn(g, ws)
	c.serve(base, r.Context())
}

// Deliver fans an utterance out to every connection in the session and, when a
// TTS provider is configured, synthesizes it for the devices the session's
// audio output mode selects. Safe to call from the decision goroutine: the
// JSON fan-out is bounded by the write timeout and synthesis runs on its own
// goroutine.
func (g *Gateway) Deliver(sessionID string, u orchestrator.Utterance) {
	frame := serverFrame{Type: frameUtterance, Text: u.Text, Source: string(u.Source)}
	if u.Ack {
		frame.Type = frameAck
	}

	rm, conns := g.snapshot(sessionID)
	if rm == nil {
		return
	}
	for _, c := range conns {
		c.sendJSON(frame)
	}

	if g.tts != nil {
		go g.synthesize(sessionID, rm, u)
	}
}

// CloseSession notifies and disconnects every connection in the session. The
// composition root calls it from the session manager's release hook so devices
// learn the session is gone instead of timing out.
func (g *Gateway) CloseSession(sessionID string) {
	g.mu.Lock()
	rm, found := g.rooms[sessionID]
	if found {
		delete(g.rooms, sessionID)
	}
	g.mu.Unlock()
	if !found {
		return
	}

	frame := serverFrame{Type: frameSession}
	if desc, err := g.sessions.Get(sessionID); err == nil {
		frame.Session = &desc
	}
	for c := range rm.conns {
		c.sendJSON(frame)
		c.close(websocket.StatusNormalClosure, "session ended")
	}
}

// ActiveConnections reports the number of attached device connections.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, rm := range g.rooms {
		n += len(rm.conns)
	}
	return n
}

func (g *Gateway) register(sessionID string, c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rm, found := g.rooms[sessionID]
	if !found {
		rm = &room{conns: make(map[*conn]struct{})}
		g.rooms[sessionID] = rm
	}
	rm.conns[c] = struct{}{}
}

func (g *Gateway) unregister(sessionID string, c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rm, found := g.rooms[sessionID]
	if !found {
		return
	}
	delete(rm.conns, c)
	if len(rm.conns) == 0 {
		delete(g.rooms, sessionID)
	}
}

// snapshot copies the room's connection set so writes happen outside the
// gateway lock.
func (g *Gateway) snapshot(sessionID string) (*room, []*conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rm, found := g.rooms[sessionID]
	if !found {
		return nil, nil
	}
	conns := make([]*conn, 0, len(rm.conns))
	for c := range rm.conns {
		conns = append(conns, c)
	}
	return rm, conns
}

func (g *Gateway) closeAll(code websocket.StatusCode, reason string) {
	g.mu.Lock()
	var conns []*conn
	for _, rm := range g.rooms {
		for c := range rm.conns {
			conns = append(conns, c)
		}
	}
	g.rooms = make(map[string]*room)
	g.mu.Unlock()

	for _, c := range conns {
		c.close(code, reason)
	}
}

// synthesize runs one utterance through TTS and ships the audio to the
// devices selected by the session's audio output mode. Per the provider
// contract the stream call serves utterances and the buffered call serves
// acks.
func (g *Gateway) synthesize(sessionID string, rm *room, u orchestrator.Utterance) {
	desc, err := g.sessions.Get(sessionID)
	if err != nil {
		return
	}

	targets := g.audioTargets(sessionID, desc)
	if len(targets) == 0 {
		return
	}

	rm.synthMu.Lock()
	defer rm.synthMu.Unlock()

	g.mu.Lock()
	base := g.base
	g.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, synthTimeout)
	defer cancel()

	voice := types.VoiceProfile{Gender: desc.VoiceGender}
	start := time.Now()

	if u.Ack {
		buf, err := g.tts.Synthesize(ctx, u.Text, voice)
		if err != nil {
			g.log.Warn("ack synthesis failed", "session_id", sessionID, "error", err)
			return
		}
		for _, c := range targets {
			c.sendBinary(buf)
		}
	} else {
		text := make(chan string, 1)
		text <- u.Text
		close(text)
		audio, err := g.tts.SynthesizeStream(ctx, text, voice)
		if err != nil {
			g.log.Warn("synthesis stream failed", "session_id", sessionID, "error", err)
			return
		}
		for chunk := range audio {
			for _, c := range targets {
				c.sendBinary(chunk)
			}
		}
	}

	if orch, err := g.hub.Get(sessionID); err == nil {
		orch.Guard().RecordTTS(len(u.Text))
	}
	if g.metrics != nil {
		g.metrics.TTSDuration.Record(context.Background(), time.Since(start).Seconds())
	}
}

// audioTargets selects which connections receive synthesized audio: the host
// device in "host" mode, everyone in "all" mode.
func (g *Gateway) audioTargets(sessionID string, desc session.Descriptor) []*conn {
	_, conns := g.snapshot(sessionID)
	if desc.AudioOutputMode == "all" {
		return conns
	}
	var out []*conn
	for _, c := range conns {
		if c.deviceID == desc.HostDeviceID {
			out = append(out, c)
		}
	}
	return out
}

// classify maps an operation error to the wire error code.
func classify(err error) rerr.Class {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrEnded),
		errors.Is(err, session.ErrFull):
		return rerr.ClassSession
	case errors.Is(err, session.ErrHostLeave),
		errors.Is(err, session.ErrNotHost),
		errors.Is(err, session.ErrNotPaused),
		errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrNotParticipant):
		return rerr.ClassValidation
	case errors.Is(err, orchestrator.ErrTextBudgetExhausted):
		return rerr.ClassBudget
	case errors.Is(err, context.DeadlineExceeded):
		return rerr.ClassTimeout
	default:
		return rerr.ClassOf(err)
	}
}

// mustJSON marshals a server frame; frames are plain structs, so a marshal
// failure is a programming error.
func mustJSON(v serverFrame) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
