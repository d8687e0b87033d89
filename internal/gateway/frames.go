package gateway

import (
	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/internal/session"
	"github.com/getredi/redicore/pkg/types"
)

// Client frame types.
const (
	frameHello       = "hello"
	framePerception  = "perception"
	frameSpeech      = "speech"
	frameQuestion    = "question"
	frameMode        = "mode"
	frameSensitivity = "sensitivity"
	frameControl     = "control"
	frameStill       = "frame"
)

// Server frame types.
const (
	frameUtterance = "utterance"
	frameAck       = "ack"
	frameSession   = "session"
	frameVision    = "vision"
	frameError     = "error"
)

// Speech events carried by speech frames.
const (
	eventUserStart = "user_start"
	eventUserStop  = "user_stop"
	eventRediStart = "redi_start"
	eventRediEnd   = "redi_end"
)

// Control actions carried by control frames.
const (
	actionPause       = "pause"
	actionResume      = "resume"
	actionEnd         = "end"
	actionLeave       = "leave"
	actionAudioOutput = "audio_output"
)

// clientFrame is the envelope for every JSON text frame from the device. The
// Type field selects which of the remaining fields are meaningful.
type clientFrame struct {
	Type string `json:"type"`

	// hello: join an existing session by code or create a new one.
	DeviceID string         `json:"deviceId,omitempty"`
	JoinCode string         `json:"joinCode,omitempty"`
	Create   *createRequest `json:"create,omitempty"`

	// perception
	Packet *perception.Packet `json:"packet,omitempty"`

	// speech
	Event string `json:"event,omitempty"`

	// question
	Text string `json:"text,omitempty"`

	// mode
	Mode types.Mode `json:"mode,omitempty"`

	// sensitivity
	Value float64 `json:"value,omitempty"`

	// control
	Action string `json:"action,omitempty"`
	Output string `json:"output,omitempty"`

	// frame: a still image for cloud re-grounding.
	Frame *stillFrame `json:"frame,omitempty"`
}

// stillFrame carries one camera still for cloud vision. Data is base64 on the
// wire; URI is an alternative for providers that fetch remote images.
type stillFrame struct {
	Data []byte `json:"data,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// createRequest mirrors session.Config for the hello frame.
type createRequest struct {
	UserID          string     `json:"userId,omitempty"`
	Mode            types.Mode `json:"mode,omitempty"`
	Sensitivity     float64    `json:"sensitivity,omitempty"`
	VoiceGender     string     `json:"voiceGender,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	AudioOutputMode string     `json:"audioOutputMode,omitempty"`
}

// withDefaults fills fields the create request left empty from the server's
// configured session defaults.
func withDefaults(cfg, def session.Config) session.Config {
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.DurationMinutes == 0 {
		cfg.DurationMinutes = def.DurationMinutes
	}
	if cfg.AudioOutputMode == "" {
		cfg.AudioOutputMode = def.AudioOutputMode
	}
	return cfg
}

func (r *createRequest) sessionConfig() session.Config {
	return session.Config{
		UserID:          r.UserID,
		Mode:            r.Mode,
		Sensitivity:     r.Sensitivity,
		VoiceGender:     r.VoiceGender,
		DurationMinutes: r.DurationMinutes,
		AudioOutputMode: r.AudioOutputMode,
	}
}

// serverFrame is the envelope for every JSON text frame to the device.
type serverFrame struct {
	Type string `json:"type"`

	// utterance / ack
	Text   string `json:"text,omitempty"`
	Source string `json:"source,omitempty"`

	// session
	Session *session.Descriptor `json:"session,omitempty"`

	// vision
	Vision *visionResult `json:"vision,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// visionResult reports cloud labels for an uploaded frame and how long the
// device should wait before the next one. NextFrameMs zero means the vision
// budget is spent and the device should stop uploading.
type visionResult struct {
	Labels      []perception.CloudLabel `json:"labels"`
	NextFrameMs int                     `json:"nextFrameMs"`
}
