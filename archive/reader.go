package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/janelia-flyem/mosaic/mosaic"
)

// Index is the parsed header, metadata and TOC of an archive.  It is never
// modified after loading and may be shared by concurrent readers.
type Index struct {
	Path     string
	Header   Header
	Metadata json.RawMessage
	ModTime  time.Time
	Size     int64

	levels []levelIndex
}

type levelIndex struct {
	dims    mosaic.Extents2d
	cols    int
	rows    int
	entries []TOCEntry // row-major
}

// LoadIndex reads the index of the archive at path.
func LoadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "opening archive")
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "stat archive")
	}
	idx, err := ReadIndex(f, fi.Size())
	if err != nil {
		return nil, err
	}
	idx.Path = path
	idx.ModTime = fi.ModTime()
	return idx, nil
}

// ReadIndex parses an archive index from r.
func ReadIndex(r io.ReaderAt, size int64) (*Index, error) {
	if size < int64(HeaderSize) {
		return nil, mosaic.NewError(mosaic.NotAnArchive, "file too small for archive header")
	}
	hdrBytes := make([]byte, HeaderSize)
	if _, err := r.ReadAt(hdrBytes, 0); err != nil {
		return nil, mosaic.WrapError(mosaic.NotAnArchive, err, "reading header")
	}
	if string(hdrBytes[:len(Magic)]) != Magic {
		return nil, mosaic.NewError(mosaic.NotAnArchive, "bad magic")
	}
	idx := &Index{Size: size}
	if err := binaryRead(hdrBytes, &idx.Header); err != nil {
		return nil, mosaic.WrapError(mosaic.NotAnArchive, err, "decoding header")
	}
	hdr := &idx.Header
	if !readableVersions(hdr.Version()) {
		return nil, mosaic.NewError(mosaic.NotAnArchive, "unsupported archive version %s", hdr.Version())
	}
	if hdr.Width == 0 || hdr.Height == 0 || hdr.BlockSize == 0 || hdr.Levels == 0 {
		return nil, mosaic.NewError(mosaic.NotAnArchive, "incomplete header: %s", hdr)
	}
	tocLen := int64(hdr.TOCCount) * int64(TOCEntrySize)
	if int64(hdr.TOCOffset)+tocLen > size || int64(hdr.MetaOffset)+int64(hdr.MetaLength) > size {
		return nil, mosaic.NewError(mosaic.NotAnArchive, "TOC or metadata extends past end of file")
	}

	full := hdr.Dimensions()
	bs := int(hdr.BlockSize)
	expected := mosaic.BlockCount(full, bs, int(hdr.Levels))
	if int(hdr.TOCCount) != expected {
		return nil, mosaic.NewError(mosaic.NotAnArchive, "TOC has %d entries, geometry needs %d", hdr.TOCCount, expected)
	}

	idx.Metadata = make([]byte, hdr.MetaLength)
	if _, err := r.ReadAt(idx.Metadata, int64(hdr.MetaOffset)); err != nil {
		return nil, mosaic.WrapError(mosaic.NotAnArchive, err, "reading metadata")
	}
	tocBytes := make([]byte, tocLen)
	if _, err := r.ReadAt(tocBytes, int64(hdr.TOCOffset)); err != nil {
		return nil, mosaic.WrapError(mosaic.NotAnArchive, err, "reading TOC")
	}
	toc := make([]TOCEntry, hdr.TOCCount)
	if err := binaryRead(tocBytes, toc); err != nil {
		return nil, mosaic.WrapError(mosaic.NotAnArchive, err, "decoding TOC")
	}

	idx.levels = make([]levelIndex, hdr.Levels)
	pos := 0
	for k := range idx.levels {
		dims := mosaic.LevelExtents(full, k)
		cols, rows := mosaic.GridSize(dims, bs)
		n := cols * rows
		entries := toc[pos : pos+n]
		for i, e := range entries {
			if int(e.Level) != k || int(e.Col) != i%cols || int(e.Row) != i/cols {
				return nil, mosaic.NewError(mosaic.NotAnArchive, "TOC out of order at %s", e)
			}
			if e.Offset+uint64(e.Length) > uint64(size) {
				return nil, mosaic.NewError(mosaic.NotAnArchive, "block %s extends past end of file", e)
			}
		}
		idx.levels[k] = levelIndex{dims: dims, cols: cols, rows: rows, entries: entries}
		pos += n
	}
	return idx, nil
}

func binaryRead(b []byte, data interface{}) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, data)
}

// Codec returns the block codec.
func (idx *Index) Codec() mosaic.Codec {
	return mosaic.Codec(idx.Header.Codec)
}

// Dimensions returns the full-resolution size.
func (idx *Index) Dimensions() mosaic.Extents2d {
	return idx.Header.Dimensions()
}

// BlockSize returns the block edge length.
func (idx *Index) BlockSize() int {
	return int(idx.Header.BlockSize)
}

// LevelCount returns the number of levels including full resolution.
func (idx *Index) LevelCount() int {
	return len(idx.levels)
}

// OverviewCount returns the number of reduced-resolution levels.
func (idx *Index) OverviewCount() int {
	return len(idx.levels) - 1
}

// BlockCount returns the number of TOC entries.
func (idx *Index) BlockCount() int {
	return int(idx.Header.TOCCount)
}

// LevelExtents returns the pixel size of a level.
func (idx *Index) LevelExtents(level int) mosaic.Extents2d {
	if level < 0 || level >= len(idx.levels) {
		return mosaic.Extents2d{}
	}
	return idx.levels[level].dims
}

// Grid returns the number of block columns and rows of a level.
func (idx *Index) Grid(level int) (cols, rows int) {
	if level < 0 || level >= len(idx.levels) {
		return 0, 0
	}
	return idx.levels[level].cols, idx.levels[level].rows
}

// Entry returns the TOC entry of a block or a TileOutOfRange error.
func (idx *Index) Entry(level, col, row int) (TOCEntry, error) {
	if level < 0 || level >= len(idx.levels) {
		return TOCEntry{}, mosaic.NewError(mosaic.TileOutOfRange, "level %d not in [0,%d)", level, len(idx.levels))
	}
	l := idx.levels[level]
	if col < 0 || row < 0 || col >= l.cols || row >= l.rows {
		return TOCEntry{}, mosaic.NewError(mosaic.TileOutOfRange, "block (%d,%d) outside %d x %d grid at level %d",
			col, row, l.cols, l.rows, level)
	}
	return l.entries[row*l.cols+col], nil
}

// BlockRect returns the pixel rectangle of a block within its level.  Edge
// blocks are smaller than the block size.
func (idx *Index) BlockRect(level, col, row int) mosaic.Rect {
	bs := idx.BlockSize()
	r := mosaic.Rect{X: col * bs, Y: row * bs, Width: bs, Height: bs}
	return r.Clip(idx.LevelExtents(level))
}

// Reader reads blocks from an archive through its own file handle.
type Reader struct {
	*Index
	file *os.File
}

// Open loads the index of an archive and opens it for reading.
func Open(path string) (*Reader, error) {
	idx, err := LoadIndex(path)
	if err != nil {
		return nil, err
	}
	return idx.Open()
}

// Open returns a Reader with a new file handle on the indexed archive.
func (idx *Index) Open() (*Reader, error) {
	f, err := os.Open(idx.Path)
	if err != nil {
		return nil, mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "opening archive")
	}
	return &Reader{Index: idx, file: f}, nil
}

// ReadRaw returns the stored payload of a block without decoding or verifying it.
func (r *Reader) ReadRaw(level, col, row int) ([]byte, TOCEntry, error) {
	e, err := r.Entry(level, col, row)
	if err != nil {
		return nil, e, err
	}
	data := make([]byte, e.Length)
	if _, err := r.file.ReadAt(data, int64(e.Offset)); err != nil {
		return nil, e, mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "reading %s", e)
	}
	return data, e, nil
}

// Verify checks a payload against its TOC checksum.
func Verify(data []byte, e TOCEntry) error {
	if sum := crc32.ChecksumIEEE(data); sum != e.Checksum {
		return mosaic.NewError(mosaic.CorruptSource, "checksum mismatch for %s: %08x != %08x", e, sum, e.Checksum)
	}
	return nil
}

// ReadBlock returns the decoded pixels of a block after verifying its checksum.
func (r *Reader) ReadBlock(level, col, row int) (*mosaic.PixelBuffer, error) {
	data, e, err := r.ReadRaw(level, col, row)
	if err != nil {
		return nil, err
	}
	if err := Verify(data, e); err != nil {
		return nil, err
	}
	rect := r.BlockRect(level, col, row)
	hdr := r.Header
	return r.Codec().Decode(data, rect.Width, rect.Height, int(hdr.Bands), int(hdr.BitDepth))
}

// Close releases the file handle.  The Index remains usable.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
