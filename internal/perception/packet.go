// Package perception defines the packet format streamed by the mobile client:
// on-device vision, pose, OCR and audio classification results bundled with
// transcribed speech. Packets are the only perception input the core accepts;
// raw media never reaches the decision layers.
package perception

import "time"

// Phase values reported by the on-device movement tracker.
const (
	PhaseEccentric  = "eccentric"
	PhaseConcentric = "concentric"
	PhaseIsometric  = "isometric"
	PhaseTransition = "transition"
	PhaseRest       = "rest"
	PhaseUnknown    = "unknown"
)

// Motion states reported by the on-device movement tracker.
const (
	MotionStill  = "still"
	MotionMoving = "moving"
	MotionRapid  = "rapid"
)

// Packet is one perception snapshot from the device. Devices send at most a
// couple per second in steady state; bursts are coalesced newest-wins before
// the decision chain sees them.
type Packet struct {
	// SessionID identifies the owning session.
	SessionID string `json:"sessionId"`

	// Seq is a device-assigned monotonically increasing sequence number.
	Seq uint64 `json:"seq"`

	// Timestamp is the capture time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Prompted is true when the packet carries a direct user question.
	Prompted bool `json:"prompted,omitempty"`

	// Transcript is the speech recognized since the previous packet, if any.
	Transcript *TranscriptInfo `json:"transcript,omitempty"`

	// Pose is the skeletal tracking result, if a person is in frame.
	Pose *PoseInfo `json:"pose,omitempty"`

	// Movement is the repetition/motion tracking result.
	Movement *MovementInfo `json:"movement,omitempty"`

	// Objects are on-device object detections.
	Objects []DetectedObject `json:"objects,omitempty"`

	// Texts are on-device OCR results.
	Texts []RecognizedText `json:"texts,omitempty"`

	// Audio is the ambient sound classification result.
	Audio *AudioInfo `json:"audio,omitempty"`

	// LightLevel is one of "dark", "dim", "normal", "bright".
	LightLevel string `json:"lightLevel,omitempty"`

	// CloudLabels are labels from the cloud vision collaborator, when the
	// client requested a cloud pass for this frame.
	CloudLabels []CloudLabel `json:"cloudLabels,omitempty"`

	// VisualContext is an optional client-assembled scene description. When
	// fresh it is preferred over server-side assembly.
	VisualContext string `json:"visualContext,omitempty"`
}

// Time converts the packet timestamp to a time.Time.
func (p *Packet) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// FinalTranscript returns the transcript text if the packet carries a final
// (authoritative) transcript.
func (p *Packet) FinalTranscript() (string, bool) {
	if p.Transcript == nil || !p.Transcript.IsFinal || p.Transcript.Text == "" {
		return "", false
	}
	return p.Transcript.Text, true
}

// HasConfidentPose reports whether the packet carries pose data at or above
// the given confidence.
func (p *Packet) HasConfidentPose(min float64) bool {
	return p.Pose != nil && p.Pose.Confidence > min
}

// TranscriptInfo is the speech slice attached to a packet.
type TranscriptInfo struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
}

// SidePair holds a left/right joint measurement pair.
type SidePair struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// Min returns the smaller of the two sides.
func (s SidePair) Min() float64 {
	if s.Left < s.Right {
		return s.Left
	}
	return s.Right
}

// Avg returns the mean of the two sides.
func (s SidePair) Avg() float64 {
	return (s.Left + s.Right) / 2
}

// Names of the fourteen joints the on-device pose tracker reports.
const (
	JointNose          = "nose"
	JointNeck          = "neck"
	JointLeftShoulder  = "left_shoulder"
	JointRightShoulder = "right_shoulder"
	JointLeftElbow     = "left_elbow"
	JointRightElbow    = "right_elbow"
	JointLeftWrist     = "left_wrist"
	JointRightWrist    = "right_wrist"
	JointLeftHip       = "left_hip"
	JointRightHip      = "right_hip"
	JointLeftKnee      = "left_knee"
	JointRightKnee     = "right_knee"
	JointLeftAnkle     = "left_ankle"
	JointRightAnkle    = "right_ankle"
)

// Joint is one tracked body landmark. X and Y are normalized image
// coordinates (0..1, Y grows downward); Z is normalized depth.
type Joint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Confidence float64 `json:"confidence"`
}

// PoseInfo is the skeletal tracking slice of a packet. Angles are in degrees;
// Y coordinates are normalized image coordinates (0 top, 1 bottom).
type PoseInfo struct {
	Confidence   float64  `json:"confidence"`
	BodyPosition string   `json:"bodyPosition"`
	SpineAngle   float64  `json:"spineAngle"`
	KneeAngles   SidePair `json:"kneeAngles"`
	WristY       SidePair `json:"wristY"`
	ElbowY       SidePair `json:"elbowY"`
	ShoulderY    SidePair `json:"shoulderY"`
	HipY         float64  `json:"hipY"`
	KneeY        SidePair `json:"kneeY"`

	// Joints carries the raw landmark positions keyed by the Joint* names.
	// Devices may omit it; rules that need raw positions check presence.
	Joints map[string]Joint `json:"joints,omitempty"`
}

// Joint looks up a named landmark.
func (p *PoseInfo) Joint(name string) (Joint, bool) {
	j, ok := p.Joints[name]
	return j, ok
}

// MovementInfo is the repetition/motion tracking slice of a packet.
type MovementInfo struct {
	// Phase is one of the Phase constants.
	Phase string `json:"phase"`

	// RepCount is the device's cumulative repetition count for the session.
	RepCount int `json:"repCount"`

	// IsRepetitive is true while the tracker sees a repeating movement.
	IsRepetitive bool `json:"isRepetitive"`

	// MotionState is one of the Motion constants.
	MotionState string `json:"motionState"`
}

// UnderLoad reports whether the tracker sees an active rep phase, including
// isometric holds.
func (m *MovementInfo) UnderLoad() bool {
	return m != nil && (m.Phase == PhaseEccentric || m.Phase == PhaseConcentric || m.Phase == PhaseIsometric)
}

// BoundingBox is a normalized object location (0..1 in both axes).
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// DetectedObject is one on-device object detection.
type DetectedObject struct {
	Label      string       `json:"label"`
	Confidence float64      `json:"confidence"`
	Source     string       `json:"source,omitempty"`
	Box        *BoundingBox `json:"box,omitempty"`
}

// RecognizedText is one on-device OCR hit.
type RecognizedText struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// AudioClass is one label from the ambient sound classifier.
type AudioClass struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// AudioInfo is the ambient sound slice of a packet.
type AudioInfo struct {
	DominantSound string       `json:"dominantSound,omitempty"`
	Classes       []AudioClass `json:"classes,omitempty"`
}

// CloudLabel is one label from the cloud vision collaborator.
type CloudLabel struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}
