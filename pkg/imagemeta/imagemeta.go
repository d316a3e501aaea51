// Package imagemeta reads image dimensions and format from encoded bytes.
// The format is sniffed from the content, never from a file name.
package imagemeta

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "github.com/chai2010/webp"
)

// ErrEmpty is returned for zero-length input.
var ErrEmpty = errors.New("empty image data")

// Info describes a decoded image.
type Info struct {
	Width  uint
	Height uint
	Format string
}

// Decoder extracts Info from full image bytes.
type Decoder interface {
	Decode(data []byte) (Info, error)
}

// ConfigDecoder reads only the image header via image.DecodeConfig.
type ConfigDecoder struct{}

func (ConfigDecoder) Decode(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrEmpty
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("decode image config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)
	}

	return Info{
		Width:  uint(cfg.Width),
		Height: uint(cfg.Height),
		Format: strings.ToUpper(format),
	}, nil
}
