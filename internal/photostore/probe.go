package photostore

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/webp"
)

// ImageInfo is what a capture needs to know about an image before it is
// filed: its MIME type and pixel dimensions.
type ImageInfo struct {
	MimeType string
	Width    int
	Height   int
}

// Probe decodes only the image header from r.
func Probe(r io.Reader) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("unsupported image format: %w", err)
	}
	return ImageInfo{MimeType: "image/" + format, Width: cfg.Width, Height: cfg.Height}, nil
}
