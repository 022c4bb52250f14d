// Package acquire turns uploaded bytes, remote URLs and live camera frames
// into decoded RGB images ready for inference.
package acquire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Default Low-Latency Mode resolution for live frames
const (
	LowLatencyWidth  = 480
	LowLatencyHeight = 360
)

var (
	ErrNoSource        = &SourceError{Message: "no image provided"}
	ErrAmbiguousSource = &SourceError{Message: "provide either an uploaded file or an image URL, not both"}
	ErrURLDisabled     = &SourceError{Message: "URL sources are not enabled"}
)

// SourceError is a caller error: the request did not name exactly one image source.
type SourceError struct {
	Message string
}

func (e *SourceError) Error() string {
	return e.Message
}

// DecodeError means the bytes were not an image in any supported format.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode image: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Source names exactly one origin for an image.
type Source struct {
	Upload []byte
	URL    string
	Frame  image.Image

	// LowLatency downsamples live frames before any further processing
	LowLatency bool
}

func (s Source) count() int {
	n := 0
	if len(s.Upload) != 0 {
		n++
	}
	if s.URL != "" {
		n++
	}
	if s.Frame != nil {
		n++
	}
	return n
}

// Validate checks that exactly one origin is set.
func (s Source) Validate() error {
	switch s.count() {
	case 0:
		return ErrNoSource
	case 1:
		return nil
	default:
		return ErrAmbiguousSource
	}
}

type Acquirer struct {
	fetcher *Fetcher
}

func New(fetcher *Fetcher) *Acquirer {
	return &Acquirer{fetcher: fetcher}
}

// Acquire produces a decoded image from src.
// Uploaded and fetched images are normalized to opaque RGB.
func (a *Acquirer) Acquire(ctx context.Context, src Source) (image.Image, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	switch {
	case src.Frame != nil:
		if src.LowLatency {
			return Downsample(src.Frame, LowLatencyWidth, LowLatencyHeight), nil
		}
		return src.Frame, nil
	case src.URL != "":
		if a.fetcher == nil {
			return nil, ErrURLDisabled
		}
		data, err := a.fetcher.Fetch(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		return Decode(data)
	default:
		return Decode(src.Upload)
	}
}

// Decode reads an encoded image and returns it as opaque RGB.
func Decode(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Cause: errors.New("empty image data")}
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Cause: err}
	}
	return ToRGB(img), nil
}

// ToRGB returns a copy of img with every pixel made fully opaque, keeping its colour
// channels. Palette, gray, CMYK and alpha images all come out as 3-channel RGB data.
func ToRGB(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// Downsample resizes a live frame to a fixed resolution for Low-Latency Mode.
func Downsample(frame image.Image, width, height int) *image.NRGBA {
	return imaging.Resize(frame, width, height, imaging.Linear)
}
