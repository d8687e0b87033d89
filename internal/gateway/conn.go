package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/getredi/redicore/internal/orchestrator"
	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/internal/rerr"
	"github.com/getredi/redicore/internal/session"
	"github.com/getredi/redicore/pkg/provider/transcribe"
	"github.com/getredi/redicore/pkg/provider/vision"
)

// deviceSampleRate is the PCM format device microphones stream in.
const deviceSampleRate = 16000

// cloudLabelTTL is how long labels from an annotated frame keep enriching
// perception packets before they are considered stale.
const cloudLabelTTL = 5 * time.Second

// conn is one device connection. The read loop owns all fields except the
// write path, which is serialized by writeMu because Deliver fans out from the
// decision goroutine.
type conn struct {
	g  *Gateway
	ws *websocket.Conn

	writeMu sync.Mutex

	attached  bool
	sessionID string
	deviceID  string
	orch      *orchestrator.Orchestrator

	stt      transcribe.SessionHandle
	speaking atomic.Bool
	audioSeq atomic.Uint64

	// labelsMu guards the cloud labels cached from the last annotated frame.
	labelsMu    sync.Mutex
	cloudLabels []perception.CloudLabel
	labelsAt    time.Time

	pumps   *errgroup.Group
	pumpCtx context.Context
}

func newConn(g *Gateway, ws *websocket.Conn) *conn {
	return &conn{g: g, ws: ws}
}

// serve runs the read loop until the connection closes. base outlives the
// connection and anchors the session's orchestrator; reqCtx dies with the
// connection.
func (c *conn) serve(base, reqCtx context.Context) {
	ctx, cancel := context.WithCancel(reqCtx)
	defer cancel()

	c.pumps, c.pumpCtx = errgroup.WithContext(ctx)
	defer c.cleanup()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			c.handleFrame(base, data)
		case websocket.MessageBinary:
			c.handleAudio(data)
		}
	}
}

func (c *conn) cleanup() {
	if c.stt != nil {
		_ = c.stt.Close()
	}
	_ = c.pumps.Wait()
	if c.attached {
		c.g.unregister(c.sessionID, c)
	}
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *conn) handleFrame(base context.Context, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError(rerr.ClassValidation, "malformed frame")
		return
	}

	if !c.attached && frame.Type != frameHello {
		c.sendError(rerr.ClassValidation, "hello required before other frames")
		return
	}

	switch frame.Type {
	case frameHello:
		c.handleHello(base, frame)
	case framePerception:
		c.handlePerception(frame)
	case frameSpeech:
		c.handleSpeech(frame)
	case frameQuestion:
		c.handleQuestionFrame(frame)
	case frameMode:
		if !frame.Mode.IsValid() {
			c.sendError(rerr.ClassValidation, "unknown mode")
			return
		}
		c.orch.SetMode(frame.Mode)
	case frameSensitivity:
		if frame.Value <= 0 || frame.Value > 1 {
			c.sendError(rerr.ClassValidation, "sensitivity out of range")
			return
		}
		c.orch.SetSensitivity(frame.Value)
	case frameControl:
		c.handleControl(frame)
	case frameStill:
		c.handleStill(frame)
	default:
		c.sendError(rerr.ClassValidation, "unknown frame type")
	}
}

// handleHello attaches the connection to a session: joining by code, creating
// a new one, or both failing validation.
func (c *conn) handleHello(base context.Context, frame clientFrame) {
	if c.attached {
		c.sendError(rerr.ClassValidation, "already attached")
		return
	}
	if frame.DeviceID == "" {
		c.sendError(rerr.ClassValidation, "deviceId required")
		return
	}

	var desc session.Descriptor
	var err error
	switch {
	case frame.Create != nil:
		cfg := frame.Create.sessionConfig()
		if c.g.defaults != nil {
			cfg = withDefaults(cfg, c.g.defaults())
		}
		desc, err = c.g.sessions.Create(cfg, frame.DeviceID)
	case frame.JoinCode != "":
		desc, err = c.g.sessions.Join(frame.JoinCode, frame.DeviceID)
	default:
		c.sendError(rerr.ClassValidation, "hello needs joinCode or create")
		return
	}
	if err != nil {
		c.sendOpError(err)
		return
	}

	c.attached = true
	c.sessionID = desc.ID
	c.deviceID = frame.DeviceID
	c.orch = c.g.hub.Start(base, c.g.buildConfig(desc))
	c.g.register(desc.ID, c)

	c.g.log.Info("device attached",
		"session_id", desc.ID, "device_id", frame.DeviceID, "mode", desc.Mode)
	c.sendJSON(serverFrame{Type: frameSession, Session: &desc})
}

func (c *conn) handlePerception(frame clientFrame) {
	pkt := frame.Packet
	if pkt == nil {
		c.sendError(rerr.ClassValidation, "perception frame without packet")
		return
	}
	pkt.SessionID = c.sessionID

	// Packets without their own cloud labels inherit the ones from the most
	// recently annotated frame, so re-grounding survives between uploads.
	if len(pkt.CloudLabels) == 0 {
		c.labelsMu.Lock()
		if len(c.cloudLabels) > 0 && time.Since(c.labelsAt) <= cloudLabelTTL {
			pkt.CloudLabels = c.cloudLabels
		}
		c.labelsMu.Unlock()
	}

	if pkt.VisualContext != "" {
		c.orch.SetVisualContext(pkt.VisualContext)
	}
	c.orch.SubmitPacket(pkt)

	// A prompted packet carries a direct question in its transcript; route it
	// to the question path as well so it gets the prompted allowances.
	if pkt.Prompted {
		if text, ok := pkt.FinalTranscript(); ok {
			c.ask(text)
		}
	}
}

func (c *conn) handleSpeech(frame clientFrame) {
	switch frame.Event {
	case eventUserStart:
		c.orch.UserSpeechStart()
	case eventUserStop:
		c.orch.UserSpeechStop()
	case eventRediStart:
		c.orch.RediSpeechStart()
	case eventRediEnd:
		c.orch.RediSpeechEnd()
	default:
		c.sendError(rerr.ClassValidation, "unknown speech event")
	}
}

func (c *conn) handleQuestionFrame(frame clientFrame) {
	if frame.Text == "" {
		c.sendError(rerr.ClassValidation, "question frame without text")
		return
	}
	c.ask(frame.Text)
}

func (c *conn) ask(text string) {
	if err := c.orch.AskQuestion(text); err != nil {
		c.sendError(classify(err), err.Error())
	}
}

func (c *conn) handleControl(frame clientFrame) {
	var err error
	switch frame.Action {
	case actionPause:
		err = c.g.sessions.Pause(c.sessionID, c.deviceID)
	case actionResume:
		err = c.g.sessions.Resume(c.sessionID, c.deviceID)
	case actionEnd:
		_, err = c.g.sessions.End(c.sessionID, c.deviceID)
	case actionLeave:
		err = c.g.sessions.Leave(c.sessionID, c.deviceID)
	case actionAudioOutput:
		err = c.g.sessions.SetAudioOutputMode(c.sessionID, c.deviceID, frame.Output)
	default:
		c.sendError(rerr.ClassValidation, "unknown control action")
		return
	}
	if err != nil {
		c.sendOpError(err)
		return
	}

	if desc, err := c.g.sessions.Get(c.sessionID); err == nil {
		c.sendJSON(serverFrame{Type: frameSession, Session: &desc})
	}
	if frame.Action == actionLeave {
		c.close(websocket.StatusNormalClosure, "left session")
	}
}

// handleStill runs an uploaded camera still through the cloud vision
// provider, budget permitting, and reports the labels plus the recommended
// upload interval back to the device.
func (c *conn) handleStill(frame clientFrame) {
	if c.g.vision == nil {
		c.sendError(rerr.ClassProvider, "cloud vision not configured")
		return
	}
	still := frame.Frame
	if still == nil || (len(still.Data) == 0 && still.URI == "") {
		c.sendError(rerr.ClassValidation, "frame without image data")
		return
	}

	guard := c.orch.Guard()
	if !guard.CanCallVision() {
		c.sendJSON(serverFrame{Type: frameVision, Vision: &visionResult{NextFrameMs: 0}})
		return
	}

	img := vision.Image{Data: still.Data, URI: still.URI}
	c.pumps.Go(func() error {
		c.annotate(img)
		return nil
	})
}

// annotate performs the vision call off the read loop and caches the labels
// for following perception packets.
func (c *conn) annotate(img vision.Image) {
	ctx, cancel := context.WithTimeout(c.pumpCtx, annotateTimeout)
	defer cancel()

	guard := c.orch.Guard()
	labels, err := c.g.vision.Annotate(ctx, img, maxCloudLabels)
	if err != nil {
		c.g.log.Warn("cloud vision failed", "session_id", c.sessionID, "error", err)
		if c.g.metrics != nil {
			c.g.metrics.RecordProviderError(context.Background(), "cloud_vision", "vision")
		}
		// Distinguish a slow provider from a broken one on the wire.
		c.sendError(classify(rerr.Wrap(rerr.ClassProvider, err)), "cloud vision failed")
		return
	}
	guard.RecordVision()
	if c.g.metrics != nil {
		c.g.metrics.RecordProviderRequest(context.Background(), "cloud_vision", "vision", "ok")
	}

	cloud := make([]perception.CloudLabel, 0, len(labels))
	for _, l := range labels {
		cloud = append(cloud, perception.CloudLabel{Label: l.Label, Confidence: l.Confidence})
	}

	c.labelsMu.Lock()
	c.cloudLabels = cloud
	c.labelsAt = time.Now()
	c.labelsMu.Unlock()

	c.sendJSON(serverFrame{Type: frameVision, Vision: &visionResult{
		Labels:      cloud,
		NextFrameMs: guard.RecommendedVisionIntervalMs(),
	}})
}

// handleAudio feeds a PCM chunk to the transcription stream, opening it
// lazily on the first chunk.
func (c *conn) handleAudio(data []byte) {
	if c.g.transcriber == nil || !c.attached {
		return
	}
	if c.stt == nil {
		handle, err := c.g.transcriber.StartStream(c.pumpCtx, transcribe.StreamConfig{
			SampleRate: deviceSampleRate,
			Channels:   1,
		})
		if err != nil {
			c.g.log.Warn("transcription stream failed", "session_id", c.sessionID, "error", err)
			c.sendError(rerr.ClassProvider, "transcription unavailable")
			return
		}
		c.stt = handle
		c.pumps.Go(func() error { c.pumpPartials(handle); return nil })
		c.pumps.Go(func() error { c.pumpFinals(handle); return nil })
	}
	if err := c.stt.SendAudio(data); err != nil {
		c.g.log.Warn("audio send failed", "session_id", c.sessionID, "error", err)
	}
}

// pumpPartials turns interim transcripts into the user-speaking signal. The
// first partial of an utterance flips the flag and cancels in-flight work;
// the matching final clears it in pumpFinals.
func (c *conn) pumpPartials(handle transcribe.SessionHandle) {
	for t := range handle.Partials() {
		if t.Text == "" {
			continue
		}
		if c.speaking.CompareAndSwap(false, true) {
			c.orch.UserSpeechStart()
		}
	}
}

// pumpFinals submits authoritative transcripts as perception packets and
// charges the session for the transcribed seconds.
func (c *conn) pumpFinals(handle transcribe.SessionHandle) {
	for t := range handle.Finals() {
		if c.speaking.CompareAndSwap(true, false) {
			c.orch.UserSpeechStop()
		}
		if t.Text == "" {
			continue
		}
		c.orch.Guard().RecordTranscription(t.Duration.Seconds())
		c.orch.SubmitPacket(&perception.Packet{
			SessionID: c.sessionID,
			Seq:       c.audioSeq.Add(1),
			Timestamp: time.Now().UnixMilli(),
			Transcript: &perception.TranscriptInfo{
				Text:       t.Text,
				IsFinal:    true,
				Confidence: t.Confidence,
			},
		})
	}
}

// sendOpError maps a session-manager error onto the wire taxonomy.
func (c *conn) sendOpError(err error) {
	c.sendJSON(serverFrame{Type: frameError, Code: string(classify(err)), Message: err.Error()})
}

func (c *conn) sendError(class rerr.Class, msg string) {
	c.sendJSON(serverFrame{Type: frameError, Code: string(class), Message: msg})
}

func (c *conn) sendJSON(frame serverFrame) {
	c.write(websocket.MessageText, mustJSON(frame))
}

func (c *conn) sendBinary(data []byte) {
	c.write(websocket.MessageBinary, data)
}

func (c *conn) write(typ websocket.MessageType, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, typ, data); err != nil && !errors.Is(err, context.Canceled) {
		c.g.log.Debug("frame write failed", "session_id", c.sessionID, "error", err)
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}
