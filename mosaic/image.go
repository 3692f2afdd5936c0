/*
	This file supports the pixel buffers passed between raster readers, the archive
	writer and the pyramid builder, plus conversion to and from standard Go images
	for encoding tiles.

	A PixelBuffer is row-major with interleaved bands.  16-bit samples are stored
	big-endian, which matches image.Gray16 and image.NRGBA64.
*/

package mosaic

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"strconv"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/webp"
)

// DefaultJPEGQuality is the quality of JPEG tiles when the quality is omitted.
const DefaultJPEGQuality = 90

// PixelBuffer holds a rectangle of pixels.
type PixelBuffer struct {
	Width    int
	Height   int
	Bands    int // 1 = gray, 2 = gray+alpha, 3 = RGB, 4 = RGBA
	BitDepth int // 8 or 16
	Pix      []byte
}

// CheckLayout returns an UnsupportedBandLayout error if bands and bit depth
// cannot be represented by a PixelBuffer.
func CheckLayout(bands, bitDepth int) error {
	if bands < 1 || bands > 4 {
		return NewError(UnsupportedBandLayout, "%d bands not supported", bands)
	}
	if bitDepth != 8 && bitDepth != 16 {
		return NewError(UnsupportedBandLayout, "%d-bit samples not supported", bitDepth)
	}
	return nil
}

// NewPixelBuffer allocates a zeroed buffer.
func NewPixelBuffer(width, height, bands, bitDepth int) *PixelBuffer {
	b := &PixelBuffer{Width: width, Height: height, Bands: bands, BitDepth: bitDepth}
	b.Pix = make([]byte, width*height*b.PixelBytes())
	return b
}

// PixelBytes returns the number of bytes per pixel.
func (b *PixelBuffer) PixelBytes() int {
	return b.Bands * b.BitDepth / 8
}

// Stride returns the number of bytes per row.
func (b *PixelBuffer) Stride() int {
	return b.Width * b.PixelBytes()
}

func (b *PixelBuffer) String() string {
	return fmt.Sprintf("%d x %d, %d band(s) at %d bits", b.Width, b.Height, b.Bands, b.BitDepth)
}

// Sub copies the given rectangle, clipped to the buffer, into a new buffer.
func (b *PixelBuffer) Sub(r Rect) *PixelBuffer {
	r = r.Clip(Extents2d{b.Width, b.Height})
	sub := NewPixelBuffer(r.Width, r.Height, b.Bands, b.BitDepth)
	pb := b.PixelBytes()
	rowBytes := r.Width * pb
	for y := 0; y < r.Height; y++ {
		src := (r.Y+y)*b.Stride() + r.X*pb
		copy(sub.Pix[y*rowBytes:(y+1)*rowBytes], b.Pix[src:src+rowBytes])
	}
	return sub
}

// Paste copies src into b with src's origin at (x, y).  Pixels falling outside b
// are ignored.  The band layouts must match.
func (b *PixelBuffer) Paste(src *PixelBuffer, x, y int) {
	pb := b.PixelBytes()
	for sy := 0; sy < src.Height; sy++ {
		dy := y + sy
		if dy < 0 || dy >= b.Height {
			continue
		}
		sx0, dx0 := 0, x
		if dx0 < 0 {
			sx0 = -dx0
			dx0 = 0
		}
		n := minInt(src.Width-sx0, b.Width-dx0)
		if n <= 0 {
			continue
		}
		srcOff := sy*src.Stride() + sx0*pb
		dstOff := dy*b.Stride() + dx0*pb
		copy(b.Pix[dstOff:dstOff+n*pb], src.Pix[srcOff:srcOff+n*pb])
	}
}

// Downsample2x2 halves the buffer in each dimension, rounding up, averaging each
// 2x2 neighborhood as (a+b+c+d+2)/4.  A missing last row or column duplicates
// the edge pixels.
func (b *PixelBuffer) Downsample2x2() *PixelBuffer {
	w, h := (b.Width+1)/2, (b.Height+1)/2
	out := NewPixelBuffer(w, h, b.Bands, b.BitDepth)
	bands := b.Bands
	for y := 0; y < h; y++ {
		y0 := 2 * y
		y1 := minInt(y0+1, b.Height-1)
		for x := 0; x < w; x++ {
			x0 := 2 * x
			x1 := minInt(x0+1, b.Width-1)
			for c := 0; c < bands; c++ {
				s := b.sample(x0, y0, c) + b.sample(x1, y0, c) + b.sample(x0, y1, c) + b.sample(x1, y1, c)
				out.setSample(x, y, c, (s+2)/4)
			}
		}
	}
	return out
}

func (b *PixelBuffer) sample(x, y, c int) uint32 {
	if b.BitDepth == 8 {
		return uint32(b.Pix[(y*b.Width+x)*b.Bands+c])
	}
	i := ((y*b.Width+x)*b.Bands + c) * 2
	return uint32(b.Pix[i])<<8 | uint32(b.Pix[i+1])
}

func (b *PixelBuffer) setSample(x, y, c int, v uint32) {
	if b.BitDepth == 8 {
		b.Pix[(y*b.Width+x)*b.Bands+c] = uint8(v)
		return
	}
	i := ((y*b.Width+x)*b.Bands + c) * 2
	b.Pix[i] = uint8(v >> 8)
	b.Pix[i+1] = uint8(v)
}

// Image returns a Go image sharing no memory with the buffer.  Gray+alpha buffers
// are expanded to NRGBA.
func (b *PixelBuffer) Image() (image.Image, error) {
	if err := CheckLayout(b.Bands, b.BitDepth); err != nil {
		return nil, err
	}
	r := image.Rect(0, 0, b.Width, b.Height)
	switch {
	case b.Bands == 1 && b.BitDepth == 8:
		img := image.NewGray(r)
		copy(img.Pix, b.Pix)
		return img, nil
	case b.Bands == 1:
		img := image.NewGray16(r)
		copy(img.Pix, b.Pix)
		return img, nil
	case b.BitDepth == 8:
		img := image.NewNRGBA(r)
		b.expandInto(img.Pix, 4)
		return img, nil
	default:
		img := image.NewNRGBA64(r)
		b.expandInto(img.Pix, 8)
		return img, nil
	}
}

// expandInto writes RGBA pixels of pixBytes bytes each.
func (b *PixelBuffer) expandInto(dst []byte, pixBytes int) {
	n := b.Width * b.Height
	sb := b.BitDepth / 8
	for i := 0; i < n; i++ {
		src := b.Pix[i*b.Bands*sb : (i+1)*b.Bands*sb]
		d := dst[i*pixBytes : (i+1)*pixBytes]
		switch b.Bands {
		case 2:
			copy(d[0:sb], src[0:sb])
			copy(d[sb:2*sb], src[0:sb])
			copy(d[2*sb:3*sb], src[0:sb])
			copy(d[3*sb:4*sb], src[sb:2*sb])
		case 3:
			copy(d[0:3*sb], src)
			for j := 3 * sb; j < 4*sb; j++ {
				d[j] = 0xff
			}
		case 4:
			copy(d, src)
		}
	}
}

// BufferFromImage converts a decoded image into a PixelBuffer with the given
// band count and bit depth.
func BufferFromImage(img image.Image, bands, bitDepth int) (*PixelBuffer, error) {
	if err := CheckLayout(bands, bitDepth); err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	buf := NewPixelBuffer(w, h, bands, bitDepth)
	switch {
	case bands == 1 && bitDepth == 8:
		gray := image.NewGray(image.Rect(0, 0, w, h))
		draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
		copy(buf.Pix, gray.Pix)
		return buf, nil
	case bands == 1:
		gray := image.NewGray16(image.Rect(0, 0, w, h))
		draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
		copy(buf.Pix, gray.Pix)
		return buf, nil
	}
	sb := bitDepth / 8
	var rgba []byte
	if bitDepth == 8 {
		nrgba := image.NewNRGBA(image.Rect(0, 0, w, h))
		if src, ok := img.(*image.NRGBA); ok {
			// Drawing through premultiplied color would lose precision at low alpha.
			for y := 0; y < h; y++ {
				i := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
				copy(nrgba.Pix[y*nrgba.Stride:(y+1)*nrgba.Stride], src.Pix[i:i+w*4])
			}
		} else {
			draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)
		}
		rgba = nrgba.Pix
	} else {
		nrgba := image.NewNRGBA64(image.Rect(0, 0, w, h))
		if src, ok := img.(*image.NRGBA64); ok {
			for y := 0; y < h; y++ {
				i := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
				copy(nrgba.Pix[y*nrgba.Stride:(y+1)*nrgba.Stride], src.Pix[i:i+w*8])
			}
		} else {
			draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)
		}
		rgba = nrgba.Pix
	}
	pb := 4 * sb
	for i := 0; i < w*h; i++ {
		src := rgba[i*pb : (i+1)*pb]
		d := buf.Pix[i*bands*sb : (i+1)*bands*sb]
		switch bands {
		case 2:
			copy(d[0:sb], src[0:sb])
			copy(d[sb:2*sb], src[3*sb:4*sb])
		case 3:
			copy(d, src[0:3*sb])
		case 4:
			copy(d, src)
		}
	}
	return buf, nil
}

// ImageLayout returns the band count and bit depth that best represents a
// decoded image's color model.
func ImageLayout(img image.Image) (bands, bitDepth int) {
	switch img.(type) {
	case *image.Gray:
		return 1, 8
	case *image.Gray16:
		return 1, 16
	case *image.NRGBA64, *image.RGBA64:
		return 4, 16
	case *image.YCbCr:
		return 3, 8
	}
	switch img.ColorModel() {
	case color.GrayModel:
		return 1, 8
	case color.Gray16Model:
		return 1, 16
	}
	return 4, 8
}

// ImageFormat is a tile or stored image encoding.
type ImageFormat uint8

const (
	UnknownImageFormat ImageFormat = iota
	FormatJPEG
	FormatPNG
	FormatWebP
)

func (f ImageFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatPNG:
		return "png"
	case FormatWebP:
		return "webp"
	default:
		return "unknown"
	}
}

// MediaType returns the HTTP content type of the format.
func (f ImageFormat) MediaType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Modern is true for formats that older clients may not accept.
func (f ImageFormat) Modern() bool {
	return f == FormatWebP
}

// ParseImageFormat converts a file extension (with or without the leading dot)
// into an ImageFormat.
func ParseImageFormat(ext string) (ImageFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	}
	return UnknownImageFormat, NewError(InvalidArgument, "unsupported tile format %q", ext)
}

// ParseFormatQuality parses strings like "jpg:80" into a format and quality.
// Quality defaults to DefaultJPEGQuality.
func ParseFormatQuality(s string) (ImageFormat, int, error) {
	parts := strings.SplitN(s, ":", 2)
	format, err := ParseImageFormat(parts[0])
	if err != nil {
		return format, 0, err
	}
	quality := DefaultJPEGQuality
	if len(parts) > 1 {
		quality, err = strconv.Atoi(parts[1])
		if err != nil || quality < 1 || quality > 100 {
			return format, 0, NewError(InvalidArgument, "bad quality in %q", s)
		}
	}
	return format, quality, nil
}

// EncodeImage writes img in the given format.  JPEG supports only gray and RGB;
// alpha is discarded.  WebP output is lossless.
func EncodeImage(w io.Writer, img image.Image, format ImageFormat, quality int) error {
	switch format {
	case FormatJPEG:
		if quality <= 0 {
			quality = DefaultJPEGQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case FormatPNG:
		return png.Encode(w, img)
	case FormatWebP:
		return nativewebp.Encode(w, img, &nativewebp.Options{})
	}
	return NewError(InvalidArgument, "cannot encode %s", format)
}

// EncodeBuffer encodes a PixelBuffer in the given format.
func EncodeBuffer(b *PixelBuffer, format ImageFormat, quality int) ([]byte, error) {
	img, err := b.Image()
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := EncodeImage(&out, img, format, quality); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecodeImage decodes JPEG, PNG or WebP data.
func DecodeImage(data []byte, format ImageFormat) (image.Image, error) {
	r := bytes.NewReader(data)
	switch format {
	case FormatJPEG:
		return jpeg.Decode(r)
	case FormatPNG:
		return png.Decode(r)
	case FormatWebP:
		return webp.Decode(r)
	}
	return nil, NewError(InvalidArgument, "cannot decode %s", format)
}

// Transcode re-encodes stored image bytes from one format to another.
func Transcode(data []byte, from, to ImageFormat, quality int) ([]byte, error) {
	img, err := DecodeImage(data, from)
	if err != nil {
		return nil, WrapError(CorruptSource, err, "decoding stored %s", from)
	}
	var out bytes.Buffer
	if err := EncodeImage(&out, img, to, quality); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
