package raster

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/janelia-flyem/mosaic/mosaic"

	"github.com/edsrzf/mmap-go"
	"github.com/janelia-flyem/go/go.image/bmp"
)

const biRGB = 0

// bmpHandle streams uncompressed 24 and 32-bit BMP rows from a memory map.
// The fourth byte of 32-bit pixels is padding in BI_RGB files.
type bmpHandle struct {
	file     *os.File
	data     mmap.MMap
	dims     mosaic.Extents2d
	pixBytes int
	stride   int
	offset   int64
	topDown  bool
	md       Metadata
}

func openBMP(f *os.File, size int64, opts Options) (Handle, error) {
	var hdr [54]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "reading BMP header")
	}
	offset := int64(binary.LittleEndian.Uint32(hdr[10:]))
	dibSize := binary.LittleEndian.Uint32(hdr[14:])
	width := int(int32(binary.LittleEndian.Uint32(hdr[18:])))
	height := int(int32(binary.LittleEndian.Uint32(hdr[22:])))
	bitCount := int(binary.LittleEndian.Uint16(hdr[28:]))
	compression := binary.LittleEndian.Uint32(hdr[30:])

	if dibSize < 40 || compression != biRGB || (bitCount != 24 && bitCount != 32) {
		return decodeBMP(f, size, opts)
	}
	h := &bmpHandle{file: f, offset: offset, pixBytes: bitCount / 8}
	if height < 0 {
		h.topDown = true
		height = -height
	}
	h.dims = mosaic.Extents2d{Width: width, Height: height}
	if h.dims.Empty() {
		f.Close()
		return nil, mosaic.NewError(mosaic.CorruptSource, "BMP has no pixels (%s)", h.dims)
	}
	h.stride = ((bitCount*width + 31) / 32) * 4
	if need := offset + int64(h.stride)*int64(height); need > size {
		f.Close()
		return nil, mosaic.NewError(mosaic.CorruptSource, "BMP truncated: need %d bytes, file has %d", need, size)
	}
	var err error
	if h.data, err = mmap.Map(f, mmap.RDONLY, 0); err != nil {
		f.Close()
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "mapping BMP")
	}
	h.md = Metadata{Format: BMP.String(), Width: width, Height: height, Bands: 3, BitDepth: 8}
	return h, nil
}

// decodeBMP handles paletted and bitfield BMPs, which are small in practice.
func decodeBMP(f *os.File, size int64, opts Options) (Handle, error) {
	defer f.Close()
	if size > opts.StreamThreshold {
		mosaic.Warningf("Decoding BMP %s in full, %d bytes exceeds streaming threshold\n", f.Name(), size)
	}
	img, err := bmp.Decode(io.NewSectionReader(f, 0, size))
	if err != nil {
		if err == bmp.ErrUnsupported {
			return nil, mosaic.WrapError(mosaic.UnsupportedFormat, err, "decoding BMP")
		}
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "decoding BMP")
	}
	m, err := handleFromImage(img, BMP)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (h *bmpHandle) Dimensions() mosaic.Extents2d { return h.dims }

func (h *bmpHandle) Metadata() Metadata { return h.md }

func (h *bmpHandle) ReadBlock(x, y, w, hgt int) (*mosaic.PixelBuffer, error) {
	r, buf := clip(h.dims, x, y, w, hgt, 3, 8)
	for row := 0; row < r.Height; row++ {
		line := r.Y + row
		if !h.topDown {
			line = h.dims.Height - 1 - line
		}
		src := h.offset + int64(line)*int64(h.stride) + int64(r.X*h.pixBytes)
		dst := buf.Pix[row*r.Width*3 : (row+1)*r.Width*3]
		for col := 0; col < r.Width; col++ {
			p := src + int64(col*h.pixBytes)
			dst[col*3+0] = h.data[p+2]
			dst[col*3+1] = h.data[p+1]
			dst[col*3+2] = h.data[p]
		}
	}
	return buf, nil
}

func (h *bmpHandle) Close() error {
	var err error
	if h.data != nil {
		err = h.data.Unmap()
		h.data = nil
	}
	if h.file != nil {
		if cerr := h.file.Close(); err == nil {
			err = cerr
		}
		h.file = nil
	}
	return err
}
