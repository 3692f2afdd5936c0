package mosaic

import (
	"bytes"
	"compress/lzw"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how a block of pixels is stored in a packed archive.  Codec
// values are written into archive headers and must not be renumbered.
type Codec uint8

const (
	CodecNone      Codec = 0
	CodecLZW       Codec = 1
	CodecDeflate   Codec = 2
	CodecJPEG      Codec = 3
	CodecWebP      Codec = 4 // stored as lossless WebP, still treated as lossy
	CodecZstd      Codec = 5
	CodecLZ4       Codec = 6
	CodecSnappy    Codec = 7
	numKnownCodecs       = 8
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZW:
		return "lossless-lzw"
	case CodecDeflate:
		return "deflate"
	case CodecJPEG:
		return "lossy-jpeg"
	case CodecWebP:
		return "lossy-webp"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a compression name.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "none", "raw", "uncompressed":
		return CodecNone, nil
	case "lossless-lzw", "lzw":
		return CodecLZW, nil
	case "deflate", "zlib":
		return CodecDeflate, nil
	case "lossy-jpeg", "jpeg", "jpg":
		return CodecJPEG, nil
	case "lossy-webp", "webp":
		return CodecWebP, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "snappy":
		return CodecSnappy, nil
	}
	return CodecNone, NewError(InvalidArgument, "unknown compression %q", name)
}

// Recognized is true for codecs this package can decode.
func (c Codec) Recognized() bool {
	return c < numKnownCodecs
}

// Compressed is false only for CodecNone.
func (c Codec) Compressed() bool {
	return c != CodecNone && c.Recognized()
}

// Lossy is true for the lossy-* codecs.  Scientific sources need explicit
// permission to use them.
func (c Codec) Lossy() bool {
	return c == CodecJPEG || c == CodecWebP
}

// ImageFormat returns the image format of stored blocks for codecs that store
// standalone images, else UnknownImageFormat.
func (c Codec) ImageFormat() ImageFormat {
	switch c {
	case CodecJPEG:
		return FormatJPEG
	case CodecWebP:
		return FormatWebP
	}
	return UnknownImageFormat
}

// Supports returns an UnsupportedBandLayout error if the codec cannot store
// pixels of the given layout.
func (c Codec) Supports(bands, bitDepth int) error {
	if err := CheckLayout(bands, bitDepth); err != nil {
		return err
	}
	switch c {
	case CodecJPEG:
		if bitDepth != 8 || (bands != 1 && bands != 3) {
			return NewError(UnsupportedBandLayout, "%s requires 8-bit gray or RGB, got %d band(s) at %d bits",
				c, bands, bitDepth)
		}
	case CodecWebP:
		if bitDepth != 8 {
			return NewError(UnsupportedBandLayout, "%s requires 8-bit samples, got %d bits", c, bitDepth)
		}
	}
	return nil
}

// Encode compresses a block.  Quality applies only to JPEG.
func (c Codec) Encode(b *PixelBuffer, quality int) ([]byte, error) {
	switch c {
	case CodecNone:
		out := make([]byte, len(b.Pix))
		copy(out, b.Pix)
		return out, nil
	case CodecLZW:
		var buf bytes.Buffer
		w := lzw.NewWriter(&buf, lzw.MSB, 8)
		if _, err := w.Write(b.Pix); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CodecDeflate:
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(b.Pix); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CodecZstd:
		return zstdEncoder.EncodeAll(b.Pix, nil), nil
	case CodecLZ4:
		return compressLZ4(b.Pix)
	case CodecSnappy:
		return snappy.Encode(nil, b.Pix), nil
	case CodecJPEG:
		if err := c.Supports(b.Bands, b.BitDepth); err != nil {
			return nil, err
		}
		return EncodeBuffer(b, FormatJPEG, quality)
	case CodecWebP:
		if err := c.Supports(b.Bands, b.BitDepth); err != nil {
			return nil, err
		}
		return EncodeBuffer(b, FormatWebP, quality)
	}
	return nil, NewError(InvalidArgument, "cannot encode with codec %s", c)
}

// Decode decompresses a block of the given dimensions and layout.
func (c Codec) Decode(data []byte, width, height, bands, bitDepth int) (*PixelBuffer, error) {
	size := width * height * bands * bitDepth / 8
	var pix []byte
	var err error
	switch c {
	case CodecNone:
		pix = make([]byte, len(data))
		copy(pix, data)
	case CodecLZW:
		r := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		pix, err = readExactly(r, size)
		r.Close()
	case CodecDeflate:
		var r io.ReadCloser
		if r, err = zlib.NewReader(bytes.NewReader(data)); err == nil {
			pix, err = readExactly(r, size)
			r.Close()
		}
	case CodecZstd:
		pix, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	case CodecLZ4:
		pix, err = decompressLZ4(data, size)
	case CodecSnappy:
		pix, err = snappy.Decode(nil, data)
	case CodecJPEG, CodecWebP:
		img, err := DecodeImage(data, c.ImageFormat())
		if err != nil {
			return nil, WrapError(CorruptSource, err, "decoding %s block", c)
		}
		buf, err := BufferFromImage(img, bands, bitDepth)
		if err != nil {
			return nil, err
		}
		if buf.Width != width || buf.Height != height {
			return nil, NewError(CorruptSource, "%s block is %d x %d, expected %d x %d", c, buf.Width, buf.Height, width, height)
		}
		return buf, nil
	default:
		return nil, NewError(CorruptSource, "unknown codec %d", uint8(c))
	}
	if err != nil {
		return nil, WrapError(CorruptSource, err, "decoding %s block", c)
	}
	if len(pix) != size {
		return nil, NewError(CorruptSource, "%s block decoded to %d bytes, expected %d", c, len(pix), size)
	}
	return &PixelBuffer{Width: width, Height: height, Bands: bands, BitDepth: bitDepth, Pix: pix}, nil
}

func readExactly(r io.Reader, size int) ([]byte, error) {
	pix := make([]byte, size)
	if _, err := io.ReadFull(r, pix); err != nil {
		return nil, err
	}
	return pix, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("mosaic: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("mosaic: zstd decoder initialization failed: " + err.Error())
	}
}

// LZ4 blocks that don't compress are stored raw; a payload exactly the size of
// the decoded block is therefore raw.
func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	return dst[:n], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	if len(compressed) == size {
		out := make([]byte, size)
		copy(out, compressed)
		return out, nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return dst[:n], nil
}
