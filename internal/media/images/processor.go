package images

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // Register PNG decoder

	"golang.org/x/image/draw"
)

const (
	// maxUploadSize limits accepted uploads to prevent memory exhaustion.
	maxUploadSize = 10 * 1024 * 1024 // 10MB

	// maxDimension is the longest edge of a stored cover. Uploads larger
	// than this are downscaled before encoding.
	maxDimension = 1024

	// jpegQuality balances file size against visible artifacts for covers.
	jpegQuality = 80
)

// ErrUnsupportedFormat is returned for uploads that are not JPEG or PNG.
var ErrUnsupportedFormat = fmt.Errorf("unsupported image format (want jpeg or png)")

// ProcessedImage is the result of normalizing an uploaded cover.
type ProcessedImage struct {
	Data     []byte // JPEG-encoded bytes ready for storage
	Width    int
	Height   int
	BlurHash string // Compact placeholder for progressive loading
}

// Processor normalizes uploaded cover images: it validates the format,
// downscales oversized images, re-encodes everything as JPEG, and
// computes a BlurHash placeholder.
type Processor struct{}

// NewProcessor creates a new Processor instance.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process decodes raw upload bytes and returns the normalized image.
// Returns ErrUnsupportedFormat when the data is not a JPEG or PNG.
func (p *Processor) Process(data []byte) (*ProcessedImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image data cannot be empty")
	}
	if len(data) > maxUploadSize {
		return nil, fmt.Errorf("image exceeds maximum size of %d bytes", maxUploadSize)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrUnsupportedFormat
	}
	if format != "jpeg" && format != "png" {
		return nil, ErrUnsupportedFormat
	}

	img = downscale(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	hash, err := ComputeBlurHash(img)
	if err != nil {
		// A missing placeholder is not worth failing the upload over.
		hash = ""
	}

	bounds := img.Bounds()
	return &ProcessedImage{
		Data:     buf.Bytes(),
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		BlurHash: hash,
	}, nil
}

// downscale resizes img so its longest edge is at most maxDimension,
// preserving aspect ratio. Images already within bounds pass through.
func downscale(img image.Image) image.Image {
	bounds := img.Bounds()
	srcWidth := bounds.Dx()
	srcHeight := bounds.Dy()

	if srcWidth <= maxDimension && srcHeight <= maxDimension {
		return img
	}

	var dstWidth, dstHeight int
	if srcWidth > srcHeight {
		dstWidth = maxDimension
		dstHeight = (srcHeight * maxDimension) / srcWidth
		if dstHeight < 1 {
			dstHeight = 1
		}
	} else {
		dstHeight = maxDimension
		dstWidth = (srcWidth * maxDimension) / srcHeight
		if dstWidth < 1 {
			dstWidth = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstWidth, dstHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
