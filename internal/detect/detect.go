package detect

import (
	"context"
	"errors"
)

var (
	ErrProviderUnavailable = errors.New("detection provider unavailable")
	ErrInvalidResponse     = errors.New("detection provider returned invalid response")
)

// Feature names requested from the provider for every image.
const (
	FeatureLabelDetection      = "LABEL_DETECTION"
	FeatureImageProperties     = "IMAGE_PROPERTIES"
	FeatureSafeSearchDetection = "SAFE_SEARCH_DETECTION"
)

// Likelihood values as reported by the provider.
const (
	LikelihoodUnknown      = "UNKNOWN"
	LikelihoodVeryUnlikely = "VERY_UNLIKELY"
	LikelihoodUnlikely     = "UNLIKELY"
	LikelihoodPossible     = "POSSIBLE"
	LikelihoodLikely       = "LIKELY"
	LikelihoodVeryLikely   = "VERY_LIKELY"
)

// Label is a detected label with its raw confidence in [0,1].
type Label struct {
	Description string
	Score       float64
}

// Color is a dominant color with its score and pixel fraction.
type Color struct {
	Red, Green, Blue float64
	Score            float64
	PixelFraction    float64
}

// SafeSearch holds the raw likelihood enum names for each content-safety category.
type SafeSearch struct {
	Adult    string
	Spoof    string
	Medical  string
	Violence string
	Racy     string
}

// Annotation is the provider output for one image. Slices keep provider order.
type Annotation struct {
	Labels     []Label
	Colors     []Color
	SafeSearch *SafeSearch
}

// Detector runs label, image-properties and safe-search detection on raw image bytes.
type Detector interface {
	Detect(ctx context.Context, image []byte) (*Annotation, error)
}
