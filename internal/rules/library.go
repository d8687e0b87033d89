package rules

import (
	"math"
	"time"

	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/pkg/types"
)

// Form thresholds, in degrees and normalized image coordinates.
const (
	spineRoundingAngle = 20.0
	goodRepSpineAngle  = 15.0
	slumpAngle         = 30.0
	lockoutAngle       = 170.0
	wristTensionDelta  = 0.15

	// kneeCaveDrift is how far a knee may drift inward past its ankle (in
	// normalized X) before the cave rule fires.
	kneeCaveDrift = 0.02

	// parallelTolerance is the hip-vs-knee band treated as "at parallel".
	parallelTolerance = 0.05

	// slumpSustain is how long a slumped spine must persist before the
	// posture rule may fire. Brief leans toward the desk don't count.
	slumpSustain = 3 * time.Second
)

// Depth classifies squat depth from normalized joint heights.
type Depth int

const (
	DepthAboveParallel Depth = iota
	DepthAtParallel
	DepthBelowParallel
)

// Angle2D returns the angle at vertex b formed by points a and c, in degrees.
// On-device pose tracking reports precomputed joint angles; this helper
// exists for rules that derive angles from raw joint positions.
func Angle2D(ax, ay, bx, by, cx, cy float64) float64 {
	a1 := math.Atan2(ay-by, ax-bx)
	a2 := math.Atan2(cy-by, cx-bx)
	deg := math.Abs(a1-a2) * 180 / math.Pi
	if deg > 180 {
		deg = 360 - deg
	}
	return deg
}

// SquatDepth classifies hip depth against knee height. Image Y grows
// downward, so a hip below the knees reads as a larger Y.
func SquatDepth(pose *perception.PoseInfo) Depth {
	diff := pose.HipY - pose.KneeY.Avg()
	switch {
	case diff > parallelTolerance:
		return DepthBelowParallel
	case diff < -parallelTolerance:
		return DepthAboveParallel
	default:
		return DepthAtParallel
	}
}

// Lockout reports whether both knees are extended past the lockout angle.
func Lockout(pose *perception.PoseInfo) bool {
	return pose.KneeAngles.Left > lockoutAngle && pose.KneeAngles.Right > lockoutAngle
}

func spineFault(pkt *perception.Packet) bool {
	return pkt.Pose != nil && pkt.Pose.SpineAngle > spineRoundingAngle
}

// kneeFault reads raw landmark X positions: a knee drifting inward past its
// ankle is a cave regardless of movement phase. Camera X grows rightward, so
// the left knee caves rightward (larger X) and the right knee leftward.
func kneeFault(pkt *perception.Packet) bool {
	if pkt.Pose == nil {
		return false
	}
	lk, lkOK := pkt.Pose.Joint(perception.JointLeftKnee)
	la, laOK := pkt.Pose.Joint(perception.JointLeftAnkle)
	if lkOK && laOK && lk.X > la.X+kneeCaveDrift {
		return true
	}
	rk, rkOK := pkt.Pose.Joint(perception.JointRightKnee)
	ra, raOK := pkt.Pose.Joint(perception.JointRightAnkle)
	return rkOK && raOK && rk.X < ra.X-kneeCaveDrift
}

// cleanRep is the good-rep predicate: the tracker sees a repeating movement
// passing through the transition point with a neutral spine.
func cleanRep(pkt *perception.Packet) bool {
	return pkt.Movement != nil && pkt.Movement.Phase == perception.PhaseTransition &&
		pkt.Movement.IsRepetitive &&
		pkt.Pose != nil && pkt.Pose.SpineAngle < goodRepSpineAngle
}

func wristTension(pose *perception.PoseInfo) bool {
	return math.Abs(pose.WristY.Left-pose.ElbowY.Left) > wristTensionDelta ||
		math.Abs(pose.WristY.Right-pose.ElbowY.Right) > wristTensionDelta
}

// Library returns the built-in rule set. Sessions get a fresh engine over
// this library; modes without entries here run with an empty rule set.
func Library() []Rule {
	return []Rule{
		{
			ID:       "spine-rounding",
			Name:     "Spine rounding",
			Modes:    []types.Mode{types.ModeSports},
			When:     func(pkt *perception.Packet, _ *State) bool { return spineFault(pkt) },
			Response: "Back rounding",
			Priority: 10,
			Cooldown: 5 * time.Second,
			Category: "form_fault",
		},
		{
			ID:       "knee-cave",
			Name:     "Knee cave",
			Modes:    []types.Mode{types.ModeSports},
			When:     func(pkt *perception.Packet, _ *State) bool { return kneeFault(pkt) },
			Response: "Knees out",
			Priority: 9,
			Cooldown: 3 * time.Second,
			Category: "form_fault",
		},
		{
			ID:    "half-rep",
			Name:  "Rep finished above parallel",
			Modes: []types.Mode{types.ModeSports},
			When: func(_ *perception.Packet, st *State) bool {
				return st.NewRep() && !st.DepthReached()
			},
			Response: "Go deeper",
			Priority: 4,
			Cooldown: 12 * time.Second,
			Category: "form_fault",
		},
		{
			ID:    "good-rep",
			Name:  "Clean repetition",
			Modes: []types.Mode{types.ModeSports},
			When: func(pkt *perception.Packet, _ *State) bool {
				return cleanRep(pkt)
			},
			Response: "Good",
			Priority: 3,
			Cooldown: 10 * time.Second,
			Category: "encouragement",
		},
		{
			ID:    "posture-slump",
			Name:  "Sustained slump at the desk",
			Modes: []types.Mode{types.ModeStudying},
			When: func(pkt *perception.Packet, st *State) bool {
				if pkt.Pose == nil || pkt.Pose.SpineAngle <= slumpAngle {
					return false
				}
				return st.SlumpedFor() >= slumpSustain
			},
			Response: "Sit up straight",
			Priority: 5,
			Cooldown: 60 * time.Second,
			Category: "posture",
		},
		{
			ID:    "wrist-tension",
			Name:  "Wrists collapsed while playing",
			Modes: []types.Mode{types.ModeMusic},
			When: func(pkt *perception.Packet, _ *State) bool {
				return pkt.Pose != nil && wristTension(pkt.Pose)
			},
			Response: "Relax wrists",
			Priority: 6,
			Cooldown: 15 * time.Second,
			Category: "technique",
		},
	}
}
