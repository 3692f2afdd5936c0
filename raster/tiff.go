package raster

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/janelia-flyem/mosaic/mosaic"

	"github.com/golang/groupcache/lru"
	"github.com/janelia-flyem/go/go.image/tiff"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// TIFF tags used by the streaming reader.
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagPlanarConfig     = 284
	tagSoftware         = 305
	tagDateTime         = 306
	tagPredictor        = 317
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagSampleFormat     = 339
	tagModelPixelScale  = 33550
	tagModelTiepoint    = 33922
	tagGDALNoData       = 42113
)

const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	photometricWhiteIsZero = 0
	photometricBlackIsZero = 1
	photometricRGB         = 2
	predictorHorizontal    = 2
	sampleFormatUint       = 1
	sampleFormatInt        = 2
)

// decodedChunkCache is the number of decoded strips or tiles kept per handle.
const decodedChunkCache = 64

type ifdEntry struct {
	typ   uint16
	count uint32
	data  []byte
}

var tiffTypeSize = map[uint16]int{1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8}

func (e ifdEntry) uints(order binary.ByteOrder) []uint64 {
	var out []uint64
	switch e.typ {
	case 1, 6, 7:
		for _, b := range e.data {
			out = append(out, uint64(b))
		}
	case 3, 8:
		for i := 0; i+2 <= len(e.data); i += 2 {
			out = append(out, uint64(order.Uint16(e.data[i:])))
		}
	case 4, 9:
		for i := 0; i+4 <= len(e.data); i += 4 {
			out = append(out, uint64(order.Uint32(e.data[i:])))
		}
	}
	return out
}

func (e ifdEntry) float64s(order binary.ByteOrder) []float64 {
	if e.typ != 12 {
		return nil
	}
	out := make([]float64, 0, len(e.data)/8)
	for i := 0; i+8 <= len(e.data); i += 8 {
		out = append(out, math.Float64frombits(order.Uint64(e.data[i:])))
	}
	return out
}

func (e ifdEntry) ascii() string {
	return strings.TrimRight(string(e.data), "\x00 ")
}

// tiffHandle streams strips or tiles from the first image of a TIFF, decoding
// only the chunks that intersect each requested block.
type tiffHandle struct {
	file  *os.File
	order binary.ByteOrder

	dims        mosaic.Extents2d
	bands       int
	bitDepth    int
	compression int
	predictor   int
	whiteIsZero bool
	signed      bool

	chunkW, chunkH int
	tiled          bool
	across         int
	offsets        []uint64
	counts         []uint64

	md Metadata

	mu    sync.Mutex
	cache *lru.Cache
}

func readIFD(f io.ReaderAt, order binary.ByteOrder, size int64) (map[uint16]ifdEntry, error) {
	var hdr [8]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "reading TIFF header")
	}
	if order.Uint16(hdr[2:]) == 43 {
		return nil, mosaic.NewError(mosaic.UnsupportedFormat, "BigTIFF is not supported")
	}
	off := int64(order.Uint32(hdr[4:]))
	if off < 8 || off+2 > size {
		return nil, mosaic.NewError(mosaic.CorruptSource, "bad TIFF IFD offset %d", off)
	}
	var nbuf [2]byte
	if _, err := f.ReadAt(nbuf[:], off); err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "reading IFD")
	}
	n := int(order.Uint16(nbuf[:]))
	raw := make([]byte, n*12)
	if _, err := f.ReadAt(raw, off+2); err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "reading IFD entries")
	}
	entries := make(map[uint16]ifdEntry, n)
	for i := 0; i < n; i++ {
		e := raw[i*12 : (i+1)*12]
		tag := order.Uint16(e[0:])
		ent := ifdEntry{typ: order.Uint16(e[2:]), count: order.Uint32(e[4:])}
		ts, known := tiffTypeSize[ent.typ]
		if !known {
			continue
		}
		length := int64(ent.count) * int64(ts)
		if length <= 4 {
			ent.data = append([]byte(nil), e[8:8+length]...)
		} else {
			valOff := int64(order.Uint32(e[8:]))
			if valOff+length > size {
				return nil, mosaic.NewError(mosaic.CorruptSource, "TIFF tag %d points past end of file", tag)
			}
			ent.data = make([]byte, length)
			if _, err := f.ReadAt(ent.data, valOff); err != nil {
				return nil, mosaic.WrapError(mosaic.CorruptSource, err, "reading TIFF tag %d", tag)
			}
		}
		entries[tag] = ent
	}
	return entries, nil
}

func openTIFF(f *os.File, size int64, opts Options) (Handle, error) {
	var hdr [2]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "reading TIFF header")
	}
	var order binary.ByteOrder = binary.LittleEndian
	if hdr[0] == 'M' {
		order = binary.BigEndian
	}
	ifd, err := readIFD(f, order, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	h := &tiffHandle{file: f, order: order, cache: lru.New(decodedChunkCache)}
	first := func(tag uint16, def int) int {
		if e, ok := ifd[tag]; ok {
			if v := e.uints(order); len(v) > 0 {
				return int(v[0])
			}
		}
		return def
	}
	h.dims = mosaic.Extents2d{Width: first(tagImageWidth, 0), Height: first(tagImageLength, 0)}
	if h.dims.Empty() {
		f.Close()
		return nil, mosaic.NewError(mosaic.CorruptSource, "TIFF has no pixels (%s)", h.dims)
	}
	h.bands = first(tagSamplesPerPixel, 1)
	h.bitDepth = first(tagBitsPerSample, 1)
	h.compression = first(tagCompression, compressionNone)
	h.predictor = first(tagPredictor, 1)
	photometric := first(tagPhotometric, photometricBlackIsZero)
	h.whiteIsZero = photometric == photometricWhiteIsZero
	sampleFormat := first(tagSampleFormat, sampleFormatUint)
	h.signed = sampleFormat == sampleFormatInt
	h.md = Metadata{Format: TIFF.String(), Keywords: map[string]string{}}
	h.setGeoTags(ifd)

	streamable := first(tagPlanarConfig, 1) == 1 &&
		(photometric == photometricWhiteIsZero || photometric == photometricBlackIsZero || photometric == photometricRGB) &&
		(sampleFormat == sampleFormatUint || sampleFormat == sampleFormatInt) &&
		(h.predictor == 1 || h.predictor == predictorHorizontal) &&
		mosaic.CheckLayout(h.bands, h.bitDepth) == nil
	switch h.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		streamable = false
	}
	if sampleFormat != sampleFormatUint && sampleFormat != sampleFormatInt {
		f.Close()
		return nil, mosaic.NewError(mosaic.UnsupportedBandLayout, "TIFF sample format %d", sampleFormat)
	}
	if !streamable {
		return h.decodeFull(size, opts)
	}

	if tw, ok := ifd[tagTileWidth]; ok && len(tw.uints(order)) > 0 {
		h.tiled = true
		h.chunkW = first(tagTileWidth, 0)
		h.chunkH = first(tagTileLength, 0)
		h.offsets = ifd[tagTileOffsets].uints(order)
		h.counts = ifd[tagTileByteCounts].uints(order)
		h.across = (h.dims.Width + h.chunkW - 1) / maxPositive(h.chunkW)
	} else {
		h.chunkW = h.dims.Width
		h.chunkH = first(tagRowsPerStrip, h.dims.Height)
		if h.chunkH <= 0 || h.chunkH > h.dims.Height {
			h.chunkH = h.dims.Height
		}
		h.offsets = ifd[tagStripOffsets].uints(order)
		h.counts = ifd[tagStripByteCounts].uints(order)
		h.across = 1
	}
	if h.chunkW <= 0 || h.chunkH <= 0 {
		f.Close()
		return nil, mosaic.NewError(mosaic.CorruptSource, "TIFF has bad chunk size %d x %d", h.chunkW, h.chunkH)
	}
	down := (h.dims.Height + h.chunkH - 1) / h.chunkH
	if len(h.offsets) < h.across*down || len(h.counts) < h.across*down {
		f.Close()
		return nil, mosaic.NewError(mosaic.CorruptSource, "TIFF has %d chunk offsets, expected %d", len(h.offsets), h.across*down)
	}
	for i := range h.offsets[:h.across*down] {
		if int64(h.offsets[i]+h.counts[i]) > size {
			f.Close()
			return nil, mosaic.NewError(mosaic.CorruptSource, "TIFF chunk %d extends past end of file", i)
		}
	}
	h.md.Width, h.md.Height = h.dims.Width, h.dims.Height
	h.md.Bands, h.md.BitDepth = h.bands, h.bitDepth
	if h.signed {
		h.md.SampleOffset = 1 << uint(h.bitDepth-1)
	}
	return h, nil
}

func maxPositive(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func (h *tiffHandle) setGeoTags(ifd map[uint16]ifdEntry) {
	for tag, name := range map[uint16]string{
		tagImageDescription: "ImageDescription",
		tagSoftware:         "Software",
		tagDateTime:         "DateTime",
		tagGDALNoData:       "NoData",
	} {
		if e, ok := ifd[tag]; ok && e.typ == 2 {
			h.md.Keywords[name] = e.ascii()
		}
	}
	scale := ifd[tagModelPixelScale].float64s(h.order)
	tie := ifd[tagModelTiepoint].float64s(h.order)
	if len(scale) < 2 || scale[0] == 0 {
		return
	}
	h.md.Resolution = scale[0]
	if len(tie) < 6 {
		return
	}
	minX := tie[3] - tie[0]*scale[0]
	maxY := tie[4] + tie[1]*scale[1]
	h.md.Bounds = &Bounds{
		MinX: minX,
		MaxY: maxY,
		MaxX: minX + float64(h.dims.Width)*scale[0],
		MinY: maxY - float64(h.dims.Height)*scale[1],
	}
}

// decodeFull handles TIFF variants the streaming reader does not, such as
// palette images and planar configuration 2.
func (h *tiffHandle) decodeFull(size int64, opts Options) (Handle, error) {
	defer h.file.Close()
	if size > opts.StreamThreshold {
		mosaic.Warningf("Decoding TIFF %s in full, %d bytes exceeds streaming threshold\n", h.file.Name(), size)
	}
	img, err := tiff.Decode(io.NewSectionReader(h.file, 0, size))
	if err != nil {
		if _, ok := err.(tiff.UnsupportedError); ok {
			return nil, mosaic.WrapError(mosaic.UnsupportedFormat, err, "decoding TIFF")
		}
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "decoding TIFF")
	}
	m, err := handleFromImage(img, TIFF)
	if err != nil {
		return nil, err
	}
	m.md.Bounds, m.md.Resolution, m.md.Keywords = h.md.Bounds, h.md.Resolution, h.md.Keywords
	return m, nil
}

func (h *tiffHandle) Dimensions() mosaic.Extents2d { return h.dims }

func (h *tiffHandle) Metadata() Metadata { return h.md }

func (h *tiffHandle) ReadBlock(x, y, w, hgt int) (*mosaic.PixelBuffer, error) {
	r, buf := clip(h.dims, x, y, w, hgt, h.bands, h.bitDepth)
	if r.Empty() {
		return buf, nil
	}
	pb := buf.PixelBytes()
	for cy := r.Y / h.chunkH; cy <= (r.Y+r.Height-1)/h.chunkH; cy++ {
		for cx := r.X / h.chunkW; cx <= (r.X+r.Width-1)/h.chunkW; cx++ {
			chunk, err := h.chunk(cy*h.across + cx)
			if err != nil {
				return nil, err
			}
			// intersection of the chunk with r, in image coordinates
			x0 := maxInt(r.X, cx*h.chunkW)
			x1 := minInt(r.X+r.Width, (cx+1)*h.chunkW)
			y0 := maxInt(r.Y, cy*h.chunkH)
			y1 := minInt(r.Y+r.Height, (cy+1)*h.chunkH)
			n := (x1 - x0) * pb
			for yy := y0; yy < y1; yy++ {
				src := ((yy-cy*h.chunkH)*h.chunkW + (x0 - cx*h.chunkW)) * pb
				dst := ((yy-r.Y)*r.Width + (x0 - r.X)) * pb
				if src+n > len(chunk) {
					return nil, mosaic.NewError(mosaic.CorruptSource, "TIFF chunk %d,%d is short", cx, cy)
				}
				copy(buf.Pix[dst:dst+n], chunk[src:src+n])
			}
		}
	}
	return buf, nil
}

// chunk returns the decoded, normalized samples of one strip or tile.
func (h *tiffHandle) chunk(i int) ([]byte, error) {
	h.mu.Lock()
	if v, ok := h.cache.Get(i); ok {
		h.mu.Unlock()
		return v.([]byte), nil
	}
	h.mu.Unlock()

	rows := h.chunkH
	if !h.tiled {
		rows = minInt(h.chunkH, h.dims.Height-(i/h.across)*h.chunkH)
	}
	pb := h.bands * h.bitDepth / 8
	size := h.chunkW * rows * pb
	raw := make([]byte, h.counts[i])
	if _, err := h.file.ReadAt(raw, int64(h.offsets[i])); err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "reading TIFF chunk %d", i)
	}

	var data []byte
	var err error
	switch h.compression {
	case compressionNone:
		data = raw
	case compressionLZW:
		rc := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		data, err = readChunk(rc, size)
		rc.Close()
	case compressionDeflate, compressionDeflateOld:
		var rc io.ReadCloser
		if rc, err = zlib.NewReader(bytes.NewReader(raw)); err == nil {
			data, err = readChunk(rc, size)
			rc.Close()
		}
	}
	if err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "decompressing TIFF chunk %d", i)
	}
	if len(data) < size {
		return nil, mosaic.NewError(mosaic.CorruptSource, "TIFF chunk %d has %d bytes, expected %d", i, len(data), size)
	}
	data = data[:size]
	if h.compression == compressionNone {
		data = append([]byte(nil), data...)
	}
	if h.predictor == predictorHorizontal {
		h.undoPredictor(data, rows)
	}
	h.normalize(data)

	h.mu.Lock()
	h.cache.Add(i, data)
	h.mu.Unlock()
	return data, nil
}

// readChunk reads up to size bytes.  Some writers end compressed strips early;
// the shortfall is reported by the caller.
func readChunk(r io.Reader, size int) ([]byte, error) {
	data := make([]byte, size)
	n, err := io.ReadFull(r, data)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return data[:n], err
}

func (h *tiffHandle) undoPredictor(data []byte, rows int) {
	stride := h.chunkW * h.bands * h.bitDepth / 8
	for y := 0; y < rows; y++ {
		row := data[y*stride : (y+1)*stride]
		if h.bitDepth == 8 {
			for x := h.bands; x < len(row); x++ {
				row[x] += row[x-h.bands]
			}
			continue
		}
		for x := h.bands * 2; x+2 <= len(row); x += 2 {
			v := h.order.Uint16(row[x:]) + h.order.Uint16(row[x-h.bands*2:])
			h.order.PutUint16(row[x:], v)
		}
	}
}

// normalize converts samples to big-endian unsigned values with zero as black.
func (h *tiffHandle) normalize(data []byte) {
	if h.bitDepth == 16 && h.order == binary.ByteOrder(binary.LittleEndian) {
		for i := 0; i+2 <= len(data); i += 2 {
			data[i], data[i+1] = data[i+1], data[i]
		}
	}
	step := h.bitDepth / 8
	if h.signed {
		for i := 0; i < len(data); i += step {
			data[i] ^= 0x80
		}
	}
	if h.whiteIsZero {
		for i := range data {
			data[i] = ^data[i]
		}
	}
}

func (h *tiffHandle) Close() error {
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
