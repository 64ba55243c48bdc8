package consumer

import (
	"encoding/binary"
	"image"

	"github.com/abihf/framecap/frame"
)

// Render8 converts b to an 8-bit gray image. Deeper pixels are little-endian
// and shifted down to their top 8 bits.
func Render8(b *frame.Buffer) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	data := b.Bytes()
	n := b.Width * b.Height

	if b.BitsPerPixel <= 8 {
		copy(img.Pix, data)
		return img
	}
	shift := uint(b.BitsPerPixel - 8)
	if b.BitsPerPixel > 16 {
		shift = 8
	}
	for i := 0; i < n && 2*i+1 < len(data); i++ {
		img.Pix[i] = uint8(binary.LittleEndian.Uint16(data[2*i:]) >> shift)
	}
	return img
}

// Render16 converts b to a 16-bit gray image keeping the raw sample values.
func Render16(b *frame.Buffer) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, b.Width, b.Height))
	data := b.Bytes()
	n := b.Width * b.Height

	for i := 0; i < n; i++ {
		var v uint16
		if b.BitsPerPixel <= 8 {
			if i >= len(data) {
				break
			}
			v = uint16(data[i])
		} else {
			if 2*i+1 >= len(data) {
				break
			}
			v = binary.LittleEndian.Uint16(data[2*i:])
		}
		binary.BigEndian.PutUint16(img.Pix[2*i:], v)
	}
	return img
}

// Image renders b at its native depth.
func Image(b *frame.Buffer) image.Image {
	if b.BitsPerPixel <= 8 {
		return Render8(b)
	}
	return Render16(b)
}
