// Package googlevision provides a Google Cloud Vision-backed provider using
// the images:annotate REST endpoint. It implements the vision.Provider
// interface.
package googlevision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/getredi/redicore/pkg/provider/vision"
)

const (
	annotateEndpoint = "https://vision.googleapis.com/v1/images:annotate"
	defaultMaxLabels = 10
)

// Option is a functional option for configuring the Google Vision Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoint overrides the annotate endpoint, mainly for tests.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// Provider implements vision.Provider backed by the Google Cloud Vision REST API.
type Provider struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Google Vision Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("googlevision: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   annotateEndpoint,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request/response types ----

type annotateRequest struct {
	Requests []imageRequest `json:"requests"`
}

type imageRequest struct {
	Image    imageSource `json:"image"`
	Features []feature   `json:"features"`
}

type imageSource struct {
	Content string     `json:"content,omitempty"` // base64 image bytes
	Source  *uriSource `json:"source,omitempty"`
}

type uriSource struct {
	ImageURI string `json:"imageUri"`
}

type feature struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults"`
}

type annotateResponse struct {
	Responses []struct {
		LabelAnnotations []struct {
			Description string  `json:"description"`
			Score       float64 `json:"score"`
		} `json:"labelAnnotations"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// Annotate labels a single image via LABEL_DETECTION.
func (p *Provider) Annotate(ctx context.Context, img vision.Image, maxLabels int) ([]vision.Label, error) {
	body, err := buildAnnotateRequest(img, maxLabels)
	if err != nil {
		return nil, fmt.Errorf("googlevision: %w", err)
	}

	url := p.endpoint + "?key=" + p.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("googlevision: annotate: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("googlevision: annotate HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("googlevision: annotate: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("googlevision: annotate read: %w", err)
	}
	return parseAnnotateResponse(raw)
}

// buildAnnotateRequest constructs the JSON body for an images:annotate call.
// Used by tests to verify the payload shape without a live endpoint.
func buildAnnotateRequest(img vision.Image, maxLabels int) ([]byte, error) {
	if len(img.Data) == 0 && img.URI == "" {
		return nil, errors.New("image must carry data or a URI")
	}
	if maxLabels <= 0 {
		maxLabels = defaultMaxLabels
	}

	var src imageSource
	if len(img.Data) > 0 {
		src.Content = base64.StdEncoding.EncodeToString(img.Data)
	} else {
		src.Source = &uriSource{ImageURI: img.URI}
	}

	return json.Marshal(annotateRequest{
		Requests: []imageRequest{{
			Image:    src,
			Features: []feature{{Type: "LABEL_DETECTION", MaxResults: maxLabels}},
		}},
	})
}

// parseAnnotateResponse parses a raw images:annotate response into labels.
func parseAnnotateResponse(data []byte) ([]vision.Label, error) {
	var ar annotateResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, fmt.Errorf("googlevision: parse response: %w", err)
	}
	if len(ar.Responses) == 0 {
		return nil, errors.New("googlevision: empty response")
	}

	r := ar.Responses[0]
	if r.Error != nil {
		return nil, fmt.Errorf("googlevision: API error %d: %s", r.Error.Code, r.Error.Message)
	}

	labels := make([]vision.Label, 0, len(r.LabelAnnotations))
	for _, la := range r.LabelAnnotations {
		labels = append(labels, vision.Label{
			Label:      la.Description,
			Confidence: la.Score,
		})
	}
	return labels, nil
}

// Ensure Provider implements vision.Provider at compile time.
var _ vision.Provider = (*Provider)(nil)
