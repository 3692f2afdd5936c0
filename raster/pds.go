package raster

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/janelia-flyem/mosaic/mosaic"

	"github.com/edsrzf/mmap-go"
)

type bandStorage uint8

const (
	bandSequential bandStorage = iota
	lineInterleaved
	sampleInterleaved
)

// pdsHandle reads PDS3 image data through a read-only memory map, so only the
// pages touched by ReadBlock are loaded.
type pdsHandle struct {
	file *os.File
	data mmap.MMap

	dims        mosaic.Extents2d
	bands       int
	bitDepth    int
	littleEnd   bool
	signed      bool
	storage     bandStorage
	base        int64
	prefixBytes int
	lineBytes   int
	md          Metadata
}

func openPDS(path string) (Handle, error) {
	lf, err := os.Open(path)
	if err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "opening label")
	}
	label, err := parsePDSLabel(lf)
	lf.Close()
	if err != nil {
		return nil, err
	}
	if !label.HasObject("IMAGE") {
		return nil, mosaic.NewError(mosaic.UnsupportedFormat, "PDS label has no IMAGE object")
	}

	h := &pdsHandle{}
	recordBytes, err := label.Int("", "RECORD_BYTES", 0)
	if err != nil {
		return nil, err
	}
	ptr := imagePointer{}
	if v, ok := label.Get("^IMAGE"); ok {
		if ptr, err = parsePointer(v, recordBytes); err != nil {
			return nil, err
		}
	} else {
		labelRecords, err := label.Int("", "LABEL_RECORDS", 0)
		if err != nil {
			return nil, err
		}
		ptr.offset = int64(labelRecords) * int64(recordBytes)
	}
	h.base = ptr.offset

	if h.dims.Height, err = label.Int("IMAGE", "LINES", 0); err != nil {
		return nil, err
	}
	if h.dims.Width, err = label.Int("IMAGE", "LINE_SAMPLES", 0); err != nil {
		return nil, err
	}
	if h.dims.Empty() {
		return nil, mosaic.NewError(mosaic.CorruptSource, "PDS image has no pixels (%s)", h.dims)
	}
	if h.bands, err = label.Int("IMAGE", "BANDS", 1); err != nil {
		return nil, err
	}
	if h.bitDepth, err = label.Int("IMAGE", "SAMPLE_BITS", 8); err != nil {
		return nil, err
	}
	if h.prefixBytes, err = label.Int("IMAGE", "LINE_PREFIX_BYTES", 0); err != nil {
		return nil, err
	}
	suffixBytes, err := label.Int("IMAGE", "LINE_SUFFIX_BYTES", 0)
	if err != nil {
		return nil, err
	}
	if err := h.setSampleType(label.String("IMAGE", "SAMPLE_TYPE", "UNSIGNED_INTEGER")); err != nil {
		return nil, err
	}
	if err := mosaic.CheckLayout(h.bands, h.bitDepth); err != nil {
		return nil, err
	}
	switch label.String("IMAGE", "BAND_STORAGE_TYPE", "BAND_SEQUENTIAL") {
	case "BAND_SEQUENTIAL":
		h.storage = bandSequential
	case "LINE_INTERLEAVED":
		h.storage = lineInterleaved
	case "SAMPLE_INTERLEAVED":
		h.storage = sampleInterleaved
	default:
		return nil, mosaic.NewError(mosaic.UnsupportedBandLayout, "band storage %s",
			label.String("IMAGE", "BAND_STORAGE_TYPE", ""))
	}

	sampleBytes := h.bitDepth / 8
	if h.storage == sampleInterleaved {
		h.lineBytes = h.prefixBytes + h.dims.Width*h.bands*sampleBytes + suffixBytes
	} else {
		h.lineBytes = h.prefixBytes + h.dims.Width*sampleBytes + suffixBytes
	}
	linesStored := h.dims.Height
	if h.storage != sampleInterleaved {
		linesStored *= h.bands
	}
	need := h.base + int64(linesStored)*int64(h.lineBytes)

	dataPath := path
	if ptr.file != "" {
		if dataPath, err = findDetached(filepath.Dir(path), ptr.file); err != nil {
			return nil, err
		}
	}
	if h.file, err = os.Open(dataPath); err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "opening PDS data %s", dataPath)
	}
	fi, err := h.file.Stat()
	if err != nil {
		h.file.Close()
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "stat %s", dataPath)
	}
	if fi.Size() < need {
		h.file.Close()
		return nil, mosaic.NewError(mosaic.CorruptSource, "PDS data truncated: need %d bytes, file has %d", need, fi.Size())
	}
	if h.data, err = mmap.Map(h.file, mmap.RDONLY, 0); err != nil {
		h.file.Close()
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "mapping %s", dataPath)
	}

	h.md = Metadata{
		Format:   PDS.String(),
		Width:    h.dims.Width,
		Height:   h.dims.Height,
		Bands:    h.bands,
		BitDepth: h.bitDepth,
		Keywords: label.Keywords(),
	}
	if h.signed {
		h.md.SampleOffset = 1 << uint(h.bitDepth-1)
	}
	h.setProjection(label)
	return h, nil
}

func (h *pdsHandle) setSampleType(sampleType string) error {
	switch sampleType {
	case "UNSIGNED_INTEGER", "MSB_UNSIGNED_INTEGER", "SUN_UNSIGNED_INTEGER", "MAC_UNSIGNED_INTEGER":
	case "LSB_UNSIGNED_INTEGER", "PC_UNSIGNED_INTEGER", "VAX_UNSIGNED_INTEGER":
		h.littleEnd = true
	case "INTEGER", "MSB_INTEGER", "SUN_INTEGER", "MAC_INTEGER":
		h.signed = true
	case "LSB_INTEGER", "PC_INTEGER", "VAX_INTEGER":
		h.signed = true
		h.littleEnd = true
	default:
		return mosaic.NewError(mosaic.UnsupportedBandLayout, "PDS sample type %s", sampleType)
	}
	return nil
}

// setProjection derives bounds from IMAGE_MAP_PROJECTION.  Projection offsets
// are in pixels from the image origin to the projection origin.
func (h *pdsHandle) setProjection(label *pdsLabel) {
	const obj = "IMAGE_MAP_PROJECTION"
	scale, unit, ok := label.Float(obj, "MAP_SCALE")
	if !ok || scale == 0 {
		return
	}
	lineOff, _, okL := label.Float(obj, "LINE_PROJECTION_OFFSET")
	sampOff, _, okS := label.Float(obj, "SAMPLE_PROJECTION_OFFSET")
	h.md.Resolution = scale
	h.md.Units = strings.ToLower(strings.TrimSuffix(strings.ToUpper(unit), "/PIXEL"))
	if !okL || !okS {
		return
	}
	h.md.Bounds = &Bounds{
		MinX: -sampOff * scale,
		MaxX: (float64(h.dims.Width) - sampOff) * scale,
		MaxY: lineOff * scale,
		MinY: (lineOff - float64(h.dims.Height)) * scale,
	}
}

// findDetached locates a data file named in a label, ignoring case since
// labels are usually upper case and archives often are not.
func findDetached(dir, name string) (string, error) {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", mosaic.WrapError(mosaic.CorruptSource, err, "listing %s", dir)
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", mosaic.NewError(mosaic.CorruptSource, "detached PDS data file %s not found", name)
}

func (h *pdsHandle) Dimensions() mosaic.Extents2d { return h.dims }

func (h *pdsHandle) Metadata() Metadata { return h.md }

func (h *pdsHandle) ReadBlock(x, y, w, hgt int) (*mosaic.PixelBuffer, error) {
	r, buf := clip(h.dims, x, y, w, hgt, h.bands, h.bitDepth)
	sb := h.bitDepth / 8
	for row := 0; row < r.Height; row++ {
		line := r.Y + row
		for band := 0; band < h.bands; band++ {
			for col := 0; col < r.Width; col++ {
				src := h.offset(band, line, r.X+col)
				dst := ((row*r.Width+col)*h.bands + band) * sb
				h.convertSample(buf.Pix[dst:dst+sb], h.data[src:src+int64(sb)])
			}
		}
	}
	return buf, nil
}

// offset returns the byte offset of a sample in the mapped file.
func (h *pdsHandle) offset(band, line, sample int) int64 {
	sb := int64(h.bitDepth / 8)
	var lineIndex int64
	switch h.storage {
	case bandSequential:
		lineIndex = int64(band)*int64(h.dims.Height) + int64(line)
	case lineInterleaved:
		lineIndex = int64(line)*int64(h.bands) + int64(band)
	case sampleInterleaved:
		lineIndex = int64(line)
		return h.base + lineIndex*int64(h.lineBytes) + int64(h.prefixBytes) +
			(int64(sample)*int64(h.bands)+int64(band))*sb
	}
	return h.base + lineIndex*int64(h.lineBytes) + int64(h.prefixBytes) + int64(sample)*sb
}

// convertSample writes one sample as unsigned big-endian.  Flipping the sign
// bit of a two's-complement value adds the half-range offset.
func (h *pdsHandle) convertSample(dst, src []byte) {
	if len(src) == 1 {
		dst[0] = src[0]
		if h.signed {
			dst[0] ^= 0x80
		}
		return
	}
	var v uint16
	if h.littleEnd {
		v = binary.LittleEndian.Uint16(src)
	} else {
		v = binary.BigEndian.Uint16(src)
	}
	if h.signed {
		v ^= 0x8000
	}
	binary.BigEndian.PutUint16(dst, v)
}

func (h *pdsHandle) Close() error {
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
