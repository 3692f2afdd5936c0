/*
Package archive implements the packed raster archive: a single file holding
every level of a tiled image pyramid plus a table of contents mapping each
(level, column, row) block to its byte range.

Layout, all integers little-endian:

	Header      fixed size, see Header
	blocks      encoded block payloads, level 0 first, row-major within a level
	metadata    source metadata as JSON
	TOC         Header.TOCCount fixed-size TOCEntry records, sorted by level, row, column

The header is written last so a file with a valid magic always has a
complete TOC.  Level 0 is full resolution; level k is reduced by 2^k.
*/
package archive

import (
	"encoding/binary"
	"fmt"

	"github.com/janelia-flyem/mosaic/mosaic"

	"github.com/blang/semver"
)

// Magic identifies a packed raster archive.
const Magic = "MOSAICPR"

// Format version written by this package.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// readableVersions is the range of format versions this package can read.
var readableVersions = semver.MustParseRange(">=1.0.0 <2.0.0")

// DefaultBlockSize is the edge length of blocks when none is given.
const DefaultBlockSize = 512

// Header is the fixed-size start of an archive.
type Header struct {
	Magic      [8]byte
	Major      uint16
	Minor      uint16
	Width      uint32
	Height     uint32
	BlockSize  uint32
	Levels     uint16
	Bands      uint8
	BitDepth   uint8
	Codec      uint8
	Quality    uint8
	_          [6]byte
	MetaOffset uint64
	MetaLength uint32
	TOCCount   uint32
	TOCOffset  uint64
}

// HeaderSize is the encoded size of Header.
var HeaderSize = binary.Size(Header{})

// Version returns the format version of the header.
func (h Header) Version() semver.Version {
	return semver.Version{Major: uint64(h.Major), Minor: uint64(h.Minor)}
}

// Dimensions returns the full-resolution size.
func (h Header) Dimensions() mosaic.Extents2d {
	return mosaic.Extents2d{Width: int(h.Width), Height: int(h.Height)}
}

func (h Header) String() string {
	return fmt.Sprintf("v%s %d x %d, block %d, %d level(s), %d band(s) at %d bits, %s",
		h.Version(), h.Width, h.Height, h.BlockSize, h.Levels, h.Bands, h.BitDepth, mosaic.Codec(h.Codec))
}

// TOCEntry locates one encoded block.
type TOCEntry struct {
	Level    uint16
	_        uint16
	Col      uint32
	Row      uint32
	Length   uint32
	Offset   uint64
	Checksum uint32 // CRC-32 (IEEE) of the encoded payload
	_        uint32
}

// TOCEntrySize is the encoded size of TOCEntry.
var TOCEntrySize = binary.Size(TOCEntry{})

func (e TOCEntry) String() string {
	return fmt.Sprintf("level %d (%d,%d) @%d+%d", e.Level, e.Col, e.Row, e.Offset, e.Length)
}
