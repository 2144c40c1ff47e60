package mock

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jo-hoe/imagelabeler/internal/config"
	"github.com/jo-hoe/imagelabeler/internal/detect"
)

var _ detect.Detector = (*Detector)(nil)

// Detector returns a fixed annotation after an optional delay. Images containing the
// FailOn marker fail with detect.ErrProviderUnavailable.
type Detector struct {
	delay  time.Duration
	failOn []byte
}

func New(cfg config.MockSettings) *Detector {
	d := &Detector{delay: cfg.Delay}
	if cfg.FailOn != "" {
		d.failOn = []byte(cfg.FailOn)
	}
	return d
}

func (d *Detector) Detect(ctx context.Context, image []byte) (*detect.Annotation, error) {
	if d.delay > 0 {
		timer := time.NewTimer(d.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(d.failOn) > 0 && bytes.Contains(image, d.failOn) {
		return nil, fmt.Errorf("%w: mock failure marker found", detect.ErrProviderUnavailable)
	}

	return &detect.Annotation{
		Labels: []detect.Label{
			{Description: "Sky", Score: 0.962},
			{Description: "Cloud", Score: 0.918},
			{Description: "Tree", Score: 0.874},
			{Description: "Photograph", Score: 0.712},
		},
		Colors: []detect.Color{
			{Red: 121, Green: 167, Blue: 219, Score: 0.41, PixelFraction: 0.38},
			{Red: 58, Green: 94, Blue: 41, Score: 0.27, PixelFraction: 0.22},
			{Red: 240, Green: 240, Blue: 236, Score: 0.12, PixelFraction: 0.19},
		},
		SafeSearch: &detect.SafeSearch{
			Adult:    detect.LikelihoodVeryUnlikely,
			Spoof:    detect.LikelihoodUnlikely,
			Medical:  detect.LikelihoodVeryUnlikely,
			Violence: detect.LikelihoodVeryUnlikely,
			Racy:     detect.LikelihoodUnlikely,
		},
	}, nil
}
