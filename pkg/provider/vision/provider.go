// Package vision defines the Provider interface for cloud image labeling
// backends.
//
// A vision provider takes a single still frame and returns scene labels with
// confidence scores. Results feed the grounding layer, where cloud labels are
// recombined with on-device detections. Cloud vision is optional: sessions run
// without it when the budget guard disables vision calls or no provider is
// configured.
package vision

import "context"

// Image is one still frame to annotate. Exactly one of Data or URI should be
// set; Data wins when both are present.
type Image struct {
	// Data is the raw image bytes (JPEG or PNG).
	Data []byte

	// URI is a fetchable image location for providers that support remote
	// sources (e.g., a signed storage URL).
	URI string
}

// Label is a single scene label with its confidence score.
type Label struct {
	// Label is the human-readable description (e.g., "Bottle").
	Label string

	// Confidence is the provider's score for this label (0.0–1.0).
	Confidence float64
}

// Provider is the abstraction over any cloud vision backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Annotate labels a single image. maxLabels bounds the number of results;
	// zero or negative means the provider default.
	//
	// Returns an error if the image is empty, the request fails, or the
	// provider rejects the image.
	Annotate(ctx context.Context, img Image, maxLabels int) ([]Label, error)
}
