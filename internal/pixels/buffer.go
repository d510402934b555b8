package pixels

import (
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

const Channels = 3

// Buffer is a decoded image held as interleaved BGR samples, row-major.
type Buffer struct {
	Width  int
	Height int
	Pix    []uint8
}

func New(width, height int) *Buffer {
	return &Buffer{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*Channels),
	}
}

// FromImage converts any decoded image into a BGR buffer. Alpha is dropped.
func FromImage(img image.Image) (*Buffer, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty image: %dx%d", width, height)
	}

	buf := New(width, height)
	switch src := img.(type) {
	case *image.NRGBA:
		fromNRGBA(buf, src)
	case *image.RGBA:
		fromRGBA(buf, src)
	case *image.YCbCr:
		fromYCbCr(buf, src)
	case *image.Gray:
		fromGray(buf, src)
	default:
		fromGeneric(buf, img)
	}
	return buf, nil
}

func fromGeneric(buf *Buffer, img image.Image) {
	bounds := img.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			buf.Pix[i] = c.B
			buf.Pix[i+1] = c.G
			buf.Pix[i+2] = c.R
			i += Channels
		}
	}
}

func fromNRGBA(buf *Buffer, img *image.NRGBA) {
	bounds := img.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[img.PixOffset(bounds.Min.X, y):]
		for p := 0; p < bounds.Dx()*4; p += 4 {
			buf.Pix[i] = row[p+2]
			buf.Pix[i+1] = row[p+1]
			buf.Pix[i+2] = row[p]
			i += Channels
		}
	}
}

// fromRGBA un-premultiplies with the same 16-bit arithmetic as
// color.NRGBAModel.
func fromRGBA(buf *Buffer, img *image.RGBA) {
	bounds := img.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[img.PixOffset(bounds.Min.X, y):]
		for p := 0; p < bounds.Dx()*4; p += 4 {
			r, g, b, a := row[p], row[p+1], row[p+2], row[p+3]
			switch a {
			case 0xff:
				buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2] = b, g, r
			case 0:
				buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2] = 0, 0, 0
			default:
				a16 := uint32(a) * 0x101
				buf.Pix[i] = unpremultiply(b, a16)
				buf.Pix[i+1] = unpremultiply(g, a16)
				buf.Pix[i+2] = unpremultiply(r, a16)
			}
			i += Channels
		}
	}
}

func unpremultiply(v uint8, a16 uint32) uint8 {
	return uint8((uint32(v) * 0x101 * 0xffff / a16) >> 8)
}

func fromYCbCr(buf *Buffer, img *image.YCbCr) {
	bounds := img.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			ci := img.COffset(x, y)
			c := color.YCbCr{Y: img.Y[img.YOffset(x, y)], Cb: img.Cb[ci], Cr: img.Cr[ci]}
			r, g, b, _ := c.RGBA()
			buf.Pix[i] = uint8(b >> 8)
			buf.Pix[i+1] = uint8(g >> 8)
			buf.Pix[i+2] = uint8(r >> 8)
			i += Channels
		}
	}
}

func fromGray(buf *Buffer, img *image.Gray) {
	bounds := img.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[img.PixOffset(bounds.Min.X, y):]
		for x := 0; x < bounds.Dx(); x++ {
			v := row[x]
			buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2] = v, v, v
			i += Channels
		}
	}
}

// Image returns an opaque RGBA copy of the buffer.
func (b *Buffer) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for p, i := 0, 0; i < len(b.Pix); p, i = p+4, i+Channels {
		img.Pix[p] = b.Pix[i+2]
		img.Pix[p+1] = b.Pix[i+1]
		img.Pix[p+2] = b.Pix[i]
		img.Pix[p+3] = 0xff
	}
	return img
}

// At returns the B, G, R samples of the pixel at (x, y).
func (b *Buffer) At(x, y int) (uint8, uint8, uint8) {
	i := (y*b.Width + x) * Channels
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2]
}

// Resize scales the buffer to width x height with bilinear interpolation.
// A buffer already at the target size is returned unchanged.
func (b *Buffer) Resize(width, height int) *Buffer {
	if b.Width == width && b.Height == height {
		return b
	}
	scaled := resize.Resize(uint(width), uint(height), b.Image(), resize.Bilinear)
	out, err := FromImage(scaled)
	if err != nil {
		// resize.Resize never yields an empty image for positive dimensions
		panic(err)
	}
	return out
}
