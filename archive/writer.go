package archive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/janelia-flyem/mosaic/mosaic"
	"github.com/janelia-flyem/mosaic/raster"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// Options control conversion of a raster into a packed archive.
type Options struct {
	// BlockSize is the block edge length, a power of two >= 256.  Defaults to 512.
	BlockSize int

	// Compression names the block codec, e.g. "lossless-lzw" or "lossy-jpeg".
	// Defaults to lossless-lzw, or lossy-jpeg for JPEG sources.
	Compression string

	// Quality applies to lossy-jpeg.  Defaults to mosaic.DefaultJPEGQuality.
	Quality int

	// NoOverviews writes only full resolution.
	NoOverviews bool

	// AllowLossy permits lossy codecs for scientific sources (PDS, TIFF).
	AllowLossy bool

	// Workers bounds the number of blocks held and encoded at once.
	// Defaults to the number of CPUs.
	Workers int
}

// plan is the validated geometry and encoding of a conversion.
type plan struct {
	full      mosaic.Extents2d
	blockSize int
	levels    int
	bands     int
	bitDepth  int
	codec     mosaic.Codec
	quality   int
	workers   int
}

func makePlan(h raster.Handle, opts Options) (*plan, error) {
	md := h.Metadata()
	p := &plan{
		full:      h.Dimensions(),
		blockSize: opts.BlockSize,
		bands:     md.Bands,
		bitDepth:  md.BitDepth,
		quality:   opts.Quality,
		workers:   opts.Workers,
	}
	if p.full.Empty() {
		return nil, mosaic.NewError(mosaic.InvalidArgument, "source has no pixels (%s)", p.full)
	}
	if p.blockSize == 0 {
		p.blockSize = DefaultBlockSize
	}
	if p.blockSize < 256 || !mosaic.IsPowerOfTwo(p.blockSize) {
		return nil, mosaic.NewError(mosaic.InvalidArgument, "block size %d is not a power of two >= 256", p.blockSize)
	}
	if p.quality == 0 {
		p.quality = mosaic.DefaultJPEGQuality
	}
	if p.quality < 1 || p.quality > 100 {
		return nil, mosaic.NewError(mosaic.InvalidArgument, "quality %d not in [1,100]", p.quality)
	}
	if p.workers <= 0 {
		p.workers = runtime.NumCPU()
	}

	format := md.Format
	switch {
	case opts.Compression != "":
		codec, err := mosaic.ParseCodec(opts.Compression)
		if err != nil {
			return nil, err
		}
		p.codec = codec
	case format == raster.JPEG.String():
		p.codec = mosaic.CodecJPEG
	default:
		p.codec = mosaic.CodecLZW
	}
	scientific := format == raster.PDS.String() || format == raster.TIFF.String()
	if p.codec.Lossy() && scientific && !opts.AllowLossy {
		return nil, mosaic.NewError(mosaic.InvalidArgument, "%s on a %s source requires allowing lossy compression", p.codec, format)
	}
	if err := p.codec.Supports(p.bands, p.bitDepth); err != nil {
		return nil, err
	}
	p.levels = 1
	if !opts.NoOverviews {
		p.levels += mosaic.OverviewCount(p.full, p.blockSize)
	}
	return p, nil
}

// archiveWriter appends blocks to a temporary file and records their TOC entries.
type archiveWriter struct {
	*plan
	file *os.File
	pos  int64
	toc  [][]TOCEntry // per level, row-major
}

func (w *archiveWriter) write(data []byte) (int64, error) {
	off := w.pos
	n, err := w.file.Write(data)
	w.pos += int64(n)
	return off, err
}

// Convert writes h as a packed archive at dest and returns dest.  Nothing is
// written to dest unless conversion completes; a cancelled or failed
// conversion leaves no file behind.
func Convert(ctx context.Context, h raster.Handle, dest string, opts Options) (string, error) {
	p, err := makePlan(h, opts)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", mosaic.WrapError(mosaic.WriteError, err, "creating directory for %s", dest)
	}
	timedLog := mosaic.NewTimeLog()
	tmp := mosaic.TempPath(dest)
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", mosaic.WrapError(mosaic.WriteError, err, "creating %s", tmp)
	}
	w := &archiveWriter{plan: p, file: f, toc: make([][]TOCEntry, p.levels)}
	done := false
	defer func() {
		if !done {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := w.write(make([]byte, HeaderSize)); err != nil {
		return "", mosaic.WrapError(mosaic.WriteError, err, "writing header placeholder")
	}
	if err := w.writeFullResolution(ctx, h); err != nil {
		return "", err
	}
	for level := 1; level < p.levels; level++ {
		if err := w.writeOverview(ctx, level); err != nil {
			return "", err
		}
	}
	if err := w.finish(h.Metadata()); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", mosaic.WrapError(mosaic.WriteError, err, "closing %s", tmp)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		done = true
		return "", mosaic.WrapError(mosaic.WriteError, err, "renaming to %s", dest)
	}
	done = true
	timedLog.Infof("Converted %s source to %s (%s, %d levels, %s, %s)", h.Metadata().Format, dest,
		p.full, p.levels, p.codec, humanize.Bytes(uint64(w.pos)))
	return dest, nil
}

type encodedBlock struct {
	data []byte
	sum  uint32
}

// writeBatches produces the blocks of one level in row-major batches of at most
// p.workers blocks, producing each batch concurrently and writing it in order.
func (w *archiveWriter) writeBatches(ctx context.Context, level int, produce func(col, row int) (*mosaic.PixelBuffer, error)) error {
	cols, rows := mosaic.GridSize(mosaic.LevelExtents(w.full, level), w.blockSize)
	total := cols * rows
	w.toc[level] = make([]TOCEntry, 0, total)
	results := make([]encodedBlock, w.workers)
	for start := 0; start < total; start += w.workers {
		if err := ctx.Err(); err != nil {
			return mosaic.WrapError(mosaic.WriteError, err, "conversion cancelled at level %d", level)
		}
		n := w.workers
		if start+n > total {
			n = total - start
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			i := i
			col, row := (start+i)%cols, (start+i)/cols
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				buf, err := produce(col, row)
				if err != nil {
					return err
				}
				data, err := w.codec.Encode(buf, w.quality)
				if err != nil {
					return err
				}
				results[i] = encodedBlock{data: data, sum: crc32.ChecksumIEEE(data)}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return mosaic.WrapError(mosaic.WriteError, ctx.Err(), "conversion cancelled at level %d", level)
			}
			if mosaic.KindOf(err) != mosaic.UnknownError {
				return err
			}
			return mosaic.WrapError(mosaic.WriteError, err, "encoding level %d", level)
		}
		for i := 0; i < n; i++ {
			off, err := w.write(results[i].data)
			if err != nil {
				return mosaic.WrapError(mosaic.WriteError, err, "writing block")
			}
			w.toc[level] = append(w.toc[level], TOCEntry{
				Level:    uint16(level),
				Col:      uint32((start + i) % cols),
				Row:      uint32((start + i) / cols),
				Length:   uint32(len(results[i].data)),
				Offset:   uint64(off),
				Checksum: results[i].sum,
			})
			results[i] = encodedBlock{}
		}
	}
	return nil
}

func (w *archiveWriter) writeFullResolution(ctx context.Context, h raster.Handle) error {
	bs := w.blockSize
	return w.writeBatches(ctx, 0, func(col, row int) (*mosaic.PixelBuffer, error) {
		buf, err := h.ReadBlock(col*bs, row*bs, bs, bs)
		if err != nil {
			return nil, err
		}
		if buf.Bands != w.bands || buf.BitDepth != w.bitDepth {
			return nil, mosaic.NewError(mosaic.CorruptSource, "source returned %s, expected %d band(s) at %d bits",
				buf, w.bands, w.bitDepth)
		}
		return buf, nil
	})
}

// writeOverview builds each block of a level from the 2x2 blocks beneath it,
// read back from the file, so memory stays proportional to the batch size.
func (w *archiveWriter) writeOverview(ctx context.Context, level int) error {
	bs := w.blockSize
	below := mosaic.LevelExtents(w.full, level-1)
	belowCols, belowRows := mosaic.GridSize(below, bs)
	return w.writeBatches(ctx, level, func(col, row int) (*mosaic.PixelBuffer, error) {
		region := mosaic.Rect{X: 2 * col * bs, Y: 2 * row * bs, Width: 2 * bs, Height: 2 * bs}.Clip(below)
		composed := mosaic.NewPixelBuffer(region.Width, region.Height, w.bands, w.bitDepth)
		for dy := 0; dy < 2; dy++ {
			for dx := 0; dx < 2; dx++ {
				c, r := 2*col+dx, 2*row+dy
				if c >= belowCols || r >= belowRows {
					continue
				}
				child, err := w.readBack(level-1, c, r, belowCols)
				if err != nil {
					return nil, err
				}
				composed.Paste(child, dx*bs, dy*bs)
			}
		}
		return composed.Downsample2x2(), nil
	})
}

func (w *archiveWriter) readBack(level, col, row, cols int) (*mosaic.PixelBuffer, error) {
	e := w.toc[level][row*cols+col]
	data := make([]byte, e.Length)
	if _, err := w.file.ReadAt(data, int64(e.Offset)); err != nil {
		return nil, mosaic.WrapError(mosaic.WriteError, err, "reading back %s", e)
	}
	rect := mosaic.Rect{X: col * w.blockSize, Y: row * w.blockSize, Width: w.blockSize, Height: w.blockSize}.
		Clip(mosaic.LevelExtents(w.full, level))
	return w.codec.Decode(data, rect.Width, rect.Height, w.bands, w.bitDepth)
}

// finish appends metadata and TOC, then writes the header.
func (w *archiveWriter) finish(md raster.Metadata) error {
	meta, err := json.Marshal(md)
	if err != nil {
		return mosaic.WrapError(mosaic.WriteError, err, "encoding metadata")
	}
	metaOff, err := w.write(meta)
	if err != nil {
		return mosaic.WrapError(mosaic.WriteError, err, "writing metadata")
	}
	tocOff := w.pos
	var count int
	for _, entries := range w.toc {
		if err := binary.Write(w, binary.LittleEndian, entries); err != nil {
			return mosaic.WrapError(mosaic.WriteError, err, "writing TOC")
		}
		count += len(entries)
	}
	hdr := Header{
		Major:      VersionMajor,
		Minor:      VersionMinor,
		Width:      uint32(w.full.Width),
		Height:     uint32(w.full.Height),
		BlockSize:  uint32(w.blockSize),
		Levels:     uint16(w.levels),
		Bands:      uint8(w.bands),
		BitDepth:   uint8(w.bitDepth),
		Codec:      uint8(w.codec),
		Quality:    uint8(w.quality),
		MetaOffset: uint64(metaOff),
		MetaLength: uint32(len(meta)),
		TOCCount:   uint32(count),
		TOCOffset:  uint64(tocOff),
	}
	copy(hdr.Magic[:], Magic)
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return mosaic.WrapError(mosaic.WriteError, err, "seeking to header")
	}
	if err := binary.Write(w.file, binary.LittleEndian, &hdr); err != nil {
		return mosaic.WrapError(mosaic.WriteError, err, "writing header")
	}
	if err := w.file.Sync(); err != nil {
		return mosaic.WrapError(mosaic.WriteError, err, "syncing")
	}
	return nil
}

// Write lets the TOC be streamed through binary.Write while tracking position.
func (w *archiveWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.pos += int64(n)
	return n, err
}
