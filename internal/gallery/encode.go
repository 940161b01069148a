package gallery

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	// Registered decoders for uploads.
	_ "image/gif"
	_ "image/png"
)

// DefaultJPEGQuality is the quality used when none is configured.
const DefaultJPEGQuality = 80

// Encoder converts uploaded bytes into the stored transport format.
type Encoder func(data []byte, quality int) ([]byte, error)

// EncodeJPEG decodes a JPEG, PNG or GIF image, applies any EXIF orientation
// and re-encodes it as baseline JPEG.
func EncodeJPEG(data []byte, quality int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if format == "jpeg" {
		if o, ok := jpegOrientation(data); ok {
			img = orient(img, o)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
