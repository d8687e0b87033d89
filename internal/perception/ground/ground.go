// Package ground cross-checks on-device detections against the other
// perception sources in the same packet and admits only objects that either
// clear the speak-worthy confidence bar or are corroborated by a second
// source. The output scene carries a single confidence that downstream
// hedging keys on.
package ground

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/internal/perception/confidence"
)

const (
	// ocrBoost is added when OCR text corroborates an object.
	ocrBoost = 0.20

	// audioBoost is added when the dominant ambient sound corroborates an object.
	audioBoost = 0.15

	// jaroWinklerDirect treats two labels as the same word despite small
	// spelling drift ("dumbell" vs "dumbbell").
	jaroWinklerDirect = 0.92

	// admitConfidence admits an object on confidence alone.
	admitConfidence = 0.60

	// admitSources admits an object corroborated by this many sources.
	admitSources = 2

	// cloudDeviceWeight and cloudRemoteWeight set the 2:1 device/cloud split
	// when a cloud label re-grounds an on-device detection.
	cloudDeviceWeight = 2
	cloudRemoteWeight = 1
)

// Object is one admitted detection with its corroboration trail.
type Object struct {
	Label      string
	Confidence float64
	Sources    []string
	Category   string
}

// Scene is the grounded view of a single packet.
type Scene struct {
	Objects []Object

	// Confidence is the source-count-weighted mean over admitted objects,
	// 0 when nothing was admitted.
	Confidence float64
}

// Top returns up to n admitted objects ordered by confidence descending.
func (s Scene) Top(n int) []Object {
	out := make([]Object, len(s.Objects))
	copy(out, s.Objects)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Resolve grounds all detections in a packet. It is pure: no state survives
// between packets, so sessions can call it from their decision goroutine
// without locking.
func Resolve(pkt *perception.Packet) Scene {
	var scene Scene
	if pkt == nil {
		return scene
	}

	var confSum, srcSum float64
	for _, det := range pkt.Objects {
		obj := groundOne(det, pkt)
		if obj.Confidence > admitConfidence || len(obj.Sources) >= admitSources {
			scene.Objects = append(scene.Objects, obj)
			confSum += obj.Confidence * float64(len(obj.Sources))
			srcSum += float64(len(obj.Sources))
		}
	}
	if srcSum > 0 {
		scene.Confidence = confSum / srcSum
	}
	return scene
}

// groundOne runs the corroboration ladder for one detection: OCR boost, audio
// boost, then cloud re-grounding at 2:1 device weight.
func groundOne(det perception.DetectedObject, pkt *perception.Packet) Object {
	label := normalize(det.Label)
	obj := Object{
		Label:      label,
		Confidence: confidence.Calibrate(det.Confidence, confidence.SourceObjectDetection),
		Sources:    []string{confidence.SourceObjectDetection},
		Category:   CategoryOf(label),
	}

	if ocrCorroborates(label, pkt.Texts) {
		obj.Confidence = min(obj.Confidence+ocrBoost, 1.0)
		obj.Sources = append(obj.Sources, confidence.SourceTextRecognition)
	}

	if pkt.Audio != nil && audioCorroborates(label, pkt.Audio.DominantSound) {
		obj.Confidence = min(obj.Confidence+audioBoost, 1.0)
		obj.Sources = append(obj.Sources, confidence.SourceAudioClassification)
	}

	if cloud, ok := matchCloudLabel(label, pkt.CloudLabels); ok {
		obj.Confidence = confidence.Combine([]confidence.Signal{
			{Value: obj.Confidence, Weight: cloudDeviceWeight, Source: confidence.SourceObjectDetection},
			{Value: cloud.Confidence, Weight: cloudRemoteWeight, Source: confidence.SourceCloudVision},
		})
		obj.Sources = append(obj.Sources, confidence.SourceCloudVision)
	}

	return obj
}

// ocrCorroborates reports whether any recognized text contains one of the
// label's related terms (or the label itself).
func ocrCorroborates(label string, texts []perception.RecognizedText) bool {
	terms := relatedTerms[label]
	for _, rt := range texts {
		text := normalize(rt.Text)
		if text == "" {
			continue
		}
		if strings.Contains(text, label) {
			return true
		}
		for _, term := range terms {
			if strings.Contains(text, term) {
				return true
			}
		}
	}
	return false
}

// audioCorroborates reports whether the dominant ambient sound maps to the label.
func audioCorroborates(label, dominant string) bool {
	for _, obj := range audioObjects[normalize(dominant)] {
		if obj == label {
			return true
		}
	}
	return false
}

// matchCloudLabel finds the first cloud label that matches the device label
// directly (equal or near-equal spelling), by substring, or through the
// related-term table.
func matchCloudLabel(label string, cloud []perception.CloudLabel) (perception.CloudLabel, bool) {
	for _, cl := range cloud {
		if labelsMatch(label, normalize(cl.Label)) {
			return cl, true
		}
	}
	return perception.CloudLabel{}, false
}

func labelsMatch(device, cloud string) bool {
	if device == "" || cloud == "" {
		return false
	}
	if device == cloud {
		return true
	}
	if matchr.JaroWinkler(device, cloud, false) >= jaroWinklerDirect {
		return true
	}
	if strings.Contains(device, cloud) || strings.Contains(cloud, device) {
		return true
	}
	for _, term := range relatedTerms[device] {
		if cloud == term || strings.Contains(cloud, term) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
