package reasoning

import (
	"fmt"
	"strings"

	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/internal/perception/ground"
)

// Visual-context assembly thresholds. Objects and OCR below these bars are
// noise at reasoning time; the grounded scene already filtered harder cases.
const (
	ctxObjectMinConf = 0.60
	ctxObjectMax     = 5
	ctxTextMinConf   = 0.70
	ctxTextMax       = 3
	ctxTextMaxLen    = 50
	ctxAudioMax      = 3

	// lowSceneConf marks the overall confidence below which the context
	// carries an explicit low-confidence note.
	lowSceneConf = 0.50
)

// AssembleVisualContext builds the server-side scene description used when
// the client did not send one: a period-separated enumeration of objects, OCR
// text, pose, movement, sound, motion, and lighting. Returns "" for a packet
// with nothing worth describing.
func AssembleVisualContext(pkt *perception.Packet, scene ground.Scene) string {
	if pkt == nil {
		return ""
	}
	var clauses []string

	if top := scene.Top(ctxObjectMax); len(top) > 0 {
		var labels []string
		for _, o := range top {
			if o.Confidence > ctxObjectMinConf {
				labels = append(labels, o.Label)
			}
		}
		if len(labels) > 0 {
			clauses = append(clauses, "Visible: "+strings.Join(labels, ", "))
		}
	}

	if texts := confidentTexts(pkt.Texts); len(texts) > 0 {
		clauses = append(clauses, "Text: "+strings.Join(texts, ", "))
	}

	if pose := pkt.Pose; pose != nil && pose.Confidence > 0 {
		clause := pose.BodyPosition
		if clause == "" {
			clause = "person in frame"
		}
		clauses = append(clauses, fmt.Sprintf("Pose: %s, spine %.0f°", clause, pose.SpineAngle))
	}

	if mv := pkt.Movement; mv != nil && mv.Phase != perception.PhaseRest && mv.Phase != perception.PhaseUnknown {
		clauses = append(clauses, "Movement: "+mv.Phase)
	}

	if audio := pkt.Audio; audio != nil {
		if audio.DominantSound != "" {
			clauses = append(clauses, "Sound: "+audio.DominantSound)
		} else if len(audio.Classes) > 0 {
			n := min(len(audio.Classes), ctxAudioMax)
			labels := make([]string, n)
			for i := 0; i < n; i++ {
				labels[i] = audio.Classes[i].Label
			}
			clauses = append(clauses, "Sound: "+strings.Join(labels, ", "))
		}
	}

	if mv := pkt.Movement; mv != nil && mv.MotionState != "" && mv.MotionState != perception.MotionStill {
		clauses = append(clauses, "Motion: "+mv.MotionState)
	}

	if pkt.LightLevel != "" && pkt.LightLevel != "normal" {
		clauses = append(clauses, "Light: "+pkt.LightLevel)
	}

	if len(clauses) == 0 {
		return ""
	}

	out := strings.Join(clauses, ". ")
	if len(scene.Objects) > 0 && scene.Confidence < lowSceneConf {
		out += " (low visual confidence)"
	}
	return out
}

// confidentTexts returns up to ctxTextMax OCR strings above the confidence
// bar, each clipped to ctxTextMaxLen characters.
func confidentTexts(texts []perception.RecognizedText) []string {
	var out []string
	for _, t := range texts {
		if t.Confidence <= ctxTextMinConf {
			continue
		}
		s := strings.TrimSpace(t.Text)
		if s == "" {
			continue
		}
		if len(s) > ctxTextMaxLen {
			s = s[:ctxTextMaxLen]
		}
		out = append(out, s)
		if len(out) == ctxTextMax {
			break
		}
	}
	return out
}
