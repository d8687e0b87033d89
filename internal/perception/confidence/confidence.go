// Package confidence calibrates raw detector scores into a comparable scale
// and combines multi-source evidence into a single trust value.
//
// Raw confidences from different detectors are not comparable: on-device OCR
// is conservative and rarely wrong, while cloud vision labels are optimistic.
// Calibration multiplies each raw score by a per-source reliability factor
// measured against hand-labeled sessions; combination takes a weighted
// geometric mean so that one weak signal drags the result down more than one
// strong signal lifts it.
package confidence

import "math"

// Perception sources. The calibration factor table and the grounding engine
// key on these.
const (
	SourceObjectDetection     = "object_detection"
	SourceTextRecognition     = "text_recognition"
	SourcePoseDetection       = "pose_detection"
	SourceAudioClassification = "audio_classification"
	SourceCloudVision         = "cloud_vision"
)

// Reliability factors per source. An unknown source gets defaultFactor.
const (
	factorObjectDetection     = 0.85
	factorTextRecognition     = 0.95
	factorPoseDetection       = 0.90
	factorAudioClassification = 0.80
	factorCloudVision         = 0.75
	defaultFactor             = 0.85
)

// geoFloor keeps ln() finite when a signal reports zero confidence.
const geoFloor = 0.001

// Band is the qualitative confidence band used for logging and hedging.
type Band string

const (
	BandHigh    Band = "high"
	BandMedium  Band = "medium"
	BandLow     Band = "low"
	BandVeryLow Band = "very_low"
)

// Trust gates. An action is allowed when the combined confidence meets the
// gate for that action class.
const (
	SpeakThreshold   = 0.60
	SuggestThreshold = 0.40
	ActThreshold     = 0.80
)

// Signal is one piece of evidence entering Combine.
type Signal struct {
	// Value is the raw (uncalibrated) confidence, 0..1.
	Value float64

	// Weight is the relative importance of this signal. Weights need not sum
	// to anything; only their ratios matter.
	Weight float64

	// Source selects the calibration factor.
	Source string
}

// factor returns the reliability multiplier for a source.
func factor(source string) float64 {
	switch source {
	case SourceObjectDetection:
		return factorObjectDetection
	case SourceTextRecognition:
		return factorTextRecognition
	case SourcePoseDetection:
		return factorPoseDetection
	case SourceAudioClassification:
		return factorAudioClassification
	case SourceCloudVision:
		return factorCloudVision
	default:
		return defaultFactor
	}
}

// Calibrate maps a raw detector score onto the common scale, clamped to 1.0.
func Calibrate(raw float64, source string) float64 {
	return math.Min(raw*factor(source), 1.0)
}

// Combine calibrates each signal and returns the weighted geometric mean.
// An empty or zero-weight input yields 0.
func Combine(signals []Signal) float64 {
	var logSum, weightSum float64
	for _, s := range signals {
		if s.Weight <= 0 {
			continue
		}
		v := math.Max(Calibrate(s.Value, s.Source), geoFloor)
		logSum += s.Weight * math.Log(v)
		weightSum += s.Weight
	}
	if weightSum == 0 {
		return 0
	}
	return math.Exp(logSum / weightSum)
}

// BandOf maps a combined confidence to its qualitative band.
func BandOf(conf float64) Band {
	switch {
	case conf >= 0.85:
		return BandHigh
	case conf >= 0.60:
		return BandMedium
	case conf >= 0.35:
		return BandLow
	default:
		return BandVeryLow
	}
}

// ShouldSpeak reports whether confidence clears the unprompted-speech gate.
func ShouldSpeak(conf float64) bool {
	return conf >= SpeakThreshold
}

// ShouldSuggest reports whether confidence clears the soft-suggestion gate.
func ShouldSuggest(conf float64) bool {
	return conf >= SuggestThreshold
}

// ShouldAct reports whether confidence clears the device-action gate.
func ShouldAct(conf float64) bool {
	return conf >= ActThreshold
}
