package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/imagelabeler/internal/common"
	"github.com/jo-hoe/imagelabeler/internal/config"
	"github.com/jo-hoe/imagelabeler/internal/detect"
)

var _ detect.Detector = (*Client)(nil)

const (
	endpointAnnotate  = "v1/images:annotate"
	queryKey          = "key"
	defaultTimeout    = 60 * time.Second
	errorSnippetLimit = 400
)

// Client implements detect.Detector against the Google Cloud Vision REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxLabels  int
	maxColors  int
}

// New creates a Vision client from settings.
func New(cfg config.VisionSettings) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxLabels:  cfg.MaxLabels,
		maxColors:  cfg.MaxColors,
	}
}

// Detect sends one annotate request with label, image-properties and safe-search features.
func (c *Client) Detect(ctx context.Context, image []byte) (*detect.Annotation, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	u, err := url.JoinPath(c.baseURL, endpointAnnotate)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		u += "?" + url.Values{queryKey: {c.apiKey}}.Encode()
	}

	bodyBytes, err := json.Marshal(c.buildRequest(image))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(common.HeaderContentType, common.ContentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", detect.ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: status %d: %s", detect.ErrProviderUnavailable, resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}

	var batch annotateResponse
	if err := json.Unmarshal(respBytes, &batch); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", detect.ErrInvalidResponse, err)
	}
	if len(batch.Responses) == 0 {
		return nil, fmt.Errorf("%w: no responses", detect.ErrInvalidResponse)
	}
	r := batch.Responses[0]
	if r.Error != nil && r.Error.Message != "" {
		return nil, fmt.Errorf("%w: code %d: %s", detect.ErrProviderUnavailable, r.Error.Code, r.Error.Message)
	}
	return r.toAnnotation(), nil
}

func (c *Client) buildRequest(image []byte) annotateRequest {
	labelFeature := feature{Type: detect.FeatureLabelDetection}
	if c.maxLabels > 0 {
		labelFeature.MaxResults = c.maxLabels
	}
	colorFeature := feature{Type: detect.FeatureImageProperties}
	if c.maxColors > 0 {
		colorFeature.MaxResults = c.maxColors
	}
	return annotateRequest{
		Requests: []imageRequest{{
			Image: imageContent{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []feature{
				labelFeature,
				colorFeature,
				{Type: detect.FeatureSafeSearchDetection},
			},
		}},
	}
}

func (r imageResponse) toAnnotation() *detect.Annotation {
	out := &detect.Annotation{
		Labels: make([]detect.Label, 0, len(r.LabelAnnotations)),
	}
	for _, l := range r.LabelAnnotations {
		out.Labels = append(out.Labels, detect.Label{Description: l.Description, Score: l.Score})
	}
	if r.ImageProperties != nil && r.ImageProperties.DominantColors != nil {
		for _, ci := range r.ImageProperties.DominantColors.Colors {
			if ci.Color == nil {
				continue
			}
			out.Colors = append(out.Colors, detect.Color{
				Red:           ci.Color.Red,
				Green:         ci.Color.Green,
				Blue:          ci.Color.Blue,
				Score:         ci.Score,
				PixelFraction: ci.PixelFraction,
			})
		}
	}
	if s := r.SafeSearch; s != nil {
		out.SafeSearch = &detect.SafeSearch{
			Adult:    s.Adult,
			Spoof:    s.Spoof,
			Medical:  s.Medical,
			Violence: s.Violence,
			Racy:     s.Racy,
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Vision REST request/response types

type annotateRequest struct {
	Requests []imageRequest `json:"requests"`
}

type imageRequest struct {
	Image    imageContent `json:"image"`
	Features []feature    `json:"features"`
}

type imageContent struct {
	Content string `json:"content"`
}

type feature struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type annotateResponse struct {
	Responses []imageResponse `json:"responses"`
}

type imageResponse struct {
	LabelAnnotations []labelAnnotation          `json:"labelAnnotations"`
	ImageProperties  *imagePropertiesAnnotation `json:"imagePropertiesAnnotation"`
	SafeSearch       *safeSearchAnnotation      `json:"safeSearchAnnotation"`
	Error            *status                    `json:"error"`
}

type labelAnnotation struct {
	Mid         string  `json:"mid"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
	Topicality  float64 `json:"topicality"`
}

type imagePropertiesAnnotation struct {
	DominantColors *dominantColorsAnnotation `json:"dominantColors"`
}

type dominantColorsAnnotation struct {
	Colors []colorInfo `json:"colors"`
}

type colorInfo struct {
	Color         *color  `json:"color"`
	Score         float64 `json:"score"`
	PixelFraction float64 `json:"pixelFraction"`
}

type color struct {
	Red   float64 `json:"red"`
	Green float64 `json:"green"`
	Blue  float64 `json:"blue"`
}

type safeSearchAnnotation struct {
	Adult    string `json:"adult"`
	Spoof    string `json:"spoof"`
	Medical  string `json:"medical"`
	Violence string `json:"violence"`
	Racy     string `json:"racy"`
}

type status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
