package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/janelia-flyem/mosaic/mosaic"
)

func pdsLabelText(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func pad(s string, n int) []byte {
	b := []byte(s)
	for len(b) < n {
		b = append(b, ' ')
	}
	return b
}

func TestPDSAttachedSigned(t *testing.T) {
	const lines, samples, bands, prefix = 10, 12, 3, 4
	label := pdsLabelText(
		"PDS_VERSION_ID = PDS3",
		"RECORD_TYPE = FIXED_LENGTH",
		"RECORD_BYTES = 512",
		"LABEL_RECORDS = 2",
		"^IMAGE = 3",
		"/* image description follows */",
		"OBJECT = IMAGE",
		"  LINES = 10",
		"  LINE_SAMPLES = 12",
		"  SAMPLE_TYPE = LSB_INTEGER",
		"  SAMPLE_BITS = 16",
		"  BANDS = 3",
		"  BAND_STORAGE_TYPE = LINE_INTERLEAVED",
		"  LINE_PREFIX_BYTES = 4",
		"END_OBJECT = IMAGE",
		"OBJECT = IMAGE_MAP_PROJECTION",
		"  MAP_SCALE = 0.5 <KM/PIXEL>",
		"  LINE_PROJECTION_OFFSET = 100.0",
		"  SAMPLE_PROJECTION_OFFSET = -20.0",
		`  DESCRIPTION = "a description that`,
		`     spans two lines"`,
		"END_OBJECT = IMAGE_MAP_PROJECTION",
		"END",
	)
	if len(label) > 1024 {
		t.Fatalf("label too long: %d", len(label))
	}
	var data bytes.Buffer
	data.Write(pad(label, 1024))
	value := func(x, y, b int) int16 { return int16(y*100 + x*3 + b - 500) }
	for y := 0; y < lines; y++ {
		for b := 0; b < bands; b++ {
			data.Write([]byte{0xde, 0xad, 0xbe, 0xef})
			for x := 0; x < samples; x++ {
				binary.Write(&data, binary.LittleEndian, value(x, y, b))
			}
		}
	}
	path := writeFile(t, t.TempDir(), "frame.img", data.Bytes())

	h, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	md := h.Metadata()
	if md.Format != "pds" || md.Width != samples || md.Height != lines || md.Bands != 3 || md.BitDepth != 16 {
		t.Fatalf("bad metadata %+v", md)
	}
	if md.SampleOffset != 32768 {
		t.Errorf("expected sample offset 32768, got %d", md.SampleOffset)
	}
	if md.Resolution != 0.5 || md.Units != "km" {
		t.Errorf("expected 0.5 km resolution, got %f %q", md.Resolution, md.Units)
	}
	if md.Bounds == nil || md.Bounds.MinX != 10 || md.Bounds.MaxY != 50 || md.Bounds.MaxX != 16 || md.Bounds.MinY != 45 {
		t.Errorf("bad bounds %+v", md.Bounds)
	}
	if d := md.Keywords["IMAGE_MAP_PROJECTION.DESCRIPTION"]; !strings.Contains(d, "spans two lines") {
		t.Errorf("continued keyword not parsed: %q", d)
	}

	block, err := h.ReadBlock(2, 3, 5, 4)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			for b := 0; b < bands; b++ {
				i := ((y*5+x)*bands + b) * 2
				got := binary.BigEndian.Uint16(block.Pix[i:])
				want := uint16(int32(value(x+2, y+3, b)) + 32768)
				if got != want {
					t.Fatalf("(%d,%d) band %d: expected %d, got %d", x+2, y+3, b, want, got)
				}
			}
		}
	}
}

func TestPDSDetached(t *testing.T) {
	dir := t.TempDir()
	label := pdsLabelText(
		"PDS_VERSION_ID = PDS3",
		`^IMAGE = "SCENE.IMG"`,
		"OBJECT = IMAGE",
		"  LINES = 4",
		"  LINE_SAMPLES = 6",
		"  SAMPLE_TYPE = UNSIGNED_INTEGER",
		"  SAMPLE_BITS = 8",
		"END_OBJECT = IMAGE",
		"END",
	)
	writeFile(t, dir, "scene.lbl", []byte(label))
	pix := make([]byte, 24)
	for i := range pix {
		pix[i] = uint8(i * 10)
	}
	writeFile(t, dir, "scene.img", pix)

	h, err := Open(dir + "/scene.lbl")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	block, err := h.ReadBlock(0, 0, 6, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block.Pix, pix) {
		t.Errorf("expected %v, got %v", pix, block.Pix)
	}
}

func TestPDSErrors(t *testing.T) {
	dir := t.TempDir()
	image := func(sampleType string, bits, lines int) string {
		return pdsLabelText(
			"PDS_VERSION_ID = PDS3",
			"RECORD_BYTES = 256",
			"^IMAGE = 2",
			"OBJECT = IMAGE",
			fmt.Sprintf("  LINES = %d", lines),
			"  LINE_SAMPLES = 16",
			"  SAMPLE_TYPE = "+sampleType,
			fmt.Sprintf("  SAMPLE_BITS = %d", bits),
			"END_OBJECT = IMAGE",
			"END",
		)
	}
	float := append(pad(image("PC_REAL", 32, 16), 256), make([]byte, 16*16*4)...)
	if _, err := Open(writeFile(t, dir, "float.img", float)); mosaic.KindOf(err) != mosaic.UnsupportedBandLayout {
		t.Errorf("expected unsupported band layout for float samples, got %v", err)
	}
	truncated := append(pad(image("UNSIGNED_INTEGER", 8, 16), 256), make([]byte, 100)...)
	if _, err := Open(writeFile(t, dir, "short.img", truncated)); mosaic.KindOf(err) != mosaic.CorruptSource {
		t.Errorf("expected corrupt source for truncated data, got %v", err)
	}
	noEnd := []byte("PDS_VERSION_ID = PDS3\r\nOBJECT = IMAGE\r\n")
	if _, err := Open(writeFile(t, dir, "noend.img", noEnd)); mosaic.KindOf(err) != mosaic.CorruptSource {
		t.Errorf("expected corrupt source for label without END, got %v", err)
	}
}

func TestParsePointer(t *testing.T) {
	tests := []struct {
		value  string
		file   string
		offset int64
	}{
		{"12", "", 11 * 512},
		{"1025 <BYTES>", "", 1024},
		{`"DATA.IMG"`, "DATA.IMG", 0},
		{`("DATA.IMG", 3)`, "DATA.IMG", 1024},
		{`("DATA.IMG", 100 <BYTES>)`, "DATA.IMG", 99},
	}
	for _, tc := range tests {
		p, err := parsePointer(tc.value, 512)
		if err != nil {
			t.Fatalf("%s: %v", tc.value, err)
		}
		if p.file != tc.file || p.offset != tc.offset {
			t.Errorf("%s: expected (%q, %d), got (%q, %d)", tc.value, tc.file, tc.offset, p.file, p.offset)
		}
	}
}
