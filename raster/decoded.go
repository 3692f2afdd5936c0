package raster

import (
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/janelia-flyem/mosaic/mosaic"

	"golang.org/x/image/webp"
)

// memoryHandle serves blocks from a fully decoded image.
type memoryHandle struct {
	buf *mosaic.PixelBuffer
	md  Metadata
}

// NewMemory returns a Handle over an in-memory pixel buffer.  Width, height,
// bands and bit depth in md are set from the buffer.
func NewMemory(buf *mosaic.PixelBuffer, md Metadata) Handle {
	md.Width, md.Height = buf.Width, buf.Height
	md.Bands, md.BitDepth = buf.Bands, buf.BitDepth
	if md.Format == "" {
		md.Format = "memory"
	}
	return &memoryHandle{buf: buf, md: md}
}

func (m *memoryHandle) Dimensions() mosaic.Extents2d {
	return mosaic.Extents2d{Width: m.buf.Width, Height: m.buf.Height}
}

func (m *memoryHandle) Metadata() Metadata {
	return m.md
}

func (m *memoryHandle) ReadBlock(x, y, w, h int) (*mosaic.PixelBuffer, error) {
	return m.buf.Sub(mosaic.Rect{X: x, Y: y, Width: w, Height: h}), nil
}

func (m *memoryHandle) Close() error {
	return nil
}

// openDecoded decodes consumer formats in full.  None of them can be read
// region by region, so large files are decoded anyway with a warning.
func openDecoded(f *os.File, format Format, size int64, opts Options) (Handle, error) {
	defer f.Close()
	if size > opts.StreamThreshold {
		mosaic.Warningf("Decoding %s source %s in full, %d bytes exceeds streaming threshold\n",
			format, f.Name(), size)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "seek")
	}
	var img image.Image
	var err error
	switch format {
	case JPEG:
		img, err = jpeg.Decode(f)
	case PNG:
		img, err = png.Decode(f)
	case GIF:
		img, err = gif.Decode(f)
	case WebP:
		img, err = webp.Decode(f)
	}
	if err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "decoding %s", format)
	}
	m, err := handleFromImage(img, format)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func handleFromImage(img image.Image, format Format) (*memoryHandle, error) {
	bands, depth := mosaic.ImageLayout(img)
	if bands == 4 {
		if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
			bands = 3
		}
	}
	buf, err := mosaic.BufferFromImage(img, bands, depth)
	if err != nil {
		return nil, err
	}
	return NewMemory(buf, Metadata{Format: format.String()}).(*memoryHandle), nil
}
