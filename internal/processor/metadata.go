package processor

import (
	"bytes"
	"fmt"
	"image"

	// Registered decoders for DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/jo-hoe/imagelabeler/internal/jobs"
)

// ReadMetadata derives byte size and pixel dimensions without decoding the full image.
func ReadMetadata(data []byte) (*jobs.ImageMeta, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%s image reports invalid dimensions %dx%d", format, cfg.Width, cfg.Height)
	}
	return &jobs.ImageMeta{
		Size:   int64(len(data)),
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}
