package gallery

import (
	"encoding/binary"
	"image"
	"image/draw"
)

const exifOrientationTag = 0x0112

// jpegOrientation returns the EXIF orientation (1..8) of a JPEG, if present.
func jpegOrientation(b []byte) (int, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1] != 0xD8 {
		return 0, false
	}
	i := 2
	for i+4 <= len(b) {
		if b[i] != 0xFF {
			return 0, false
		}
		marker := b[i+1]
		if marker == 0xD9 || marker == 0xDA {
			return 0, false
		}
		size := int(binary.BigEndian.Uint16(b[i+2:]))
		start, end := i+4, i+2+size
		if size < 2 || end > len(b) {
			return 0, false
		}
		if marker == 0xE1 && end-start >= 6 && string(b[start:start+6]) == "Exif\x00\x00" {
			return tiffOrientation(b[start+6 : end])
		}
		i = end
	}
	return 0, false
}

func tiffOrientation(t []byte) (int, bool) {
	if len(t) < 8 {
		return 0, false
	}
	var order binary.ByteOrder
	switch string(t[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0, false
	}
	if order.Uint16(t[2:]) != 42 {
		return 0, false
	}

	ifd := int(order.Uint32(t[4:]))
	if ifd < 8 || ifd+2 > len(t) {
		return 0, false
	}
	entries := int(order.Uint16(t[ifd:]))
	for n, off := 0, ifd+2; n < entries && off+12 <= len(t); n, off = n+1, off+12 {
		if order.Uint16(t[off:]) != exifOrientationTag {
			continue
		}
		// SHORT value stored inline.
		if order.Uint16(t[off+2:]) != 3 {
			return 0, false
		}
		v := int(order.Uint16(t[off+8:]))
		if v < 1 || v > 8 {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// orient returns img transformed so that EXIF orientation o displays
// upright.
func orient(img image.Image, o int) image.Image {
	if o <= 1 || o > 8 {
		return img
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dw, dh := w, h
	if o >= 5 {
		dw, dh = h, w
	}

	src := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(src, src.Bounds(), img, b.Min, draw.Src)
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch o {
			case 2:
				dx, dy = w-1-x, y
			case 3:
				dx, dy = w-1-x, h-1-y
			case 4:
				dx, dy = x, h-1-y
			case 5:
				dx, dy = y, x
			case 6:
				dx, dy = h-1-y, x
			case 7:
				dx, dy = h-1-y, w-1-x
			case 8:
				dx, dy = y, w-1-x
			}
			dst.SetRGBA(dx, dy, src.RGBAAt(x, y))
		}
	}
	return dst
}
