package mosaic

import (
	"bytes"
	"testing"
)

func makeGradient(w, h, bands, depth int) *PixelBuffer {
	b := NewPixelBuffer(w, h, bands, depth)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < bands; c++ {
				v := uint32((x*7 + y*13 + c*31) % 251)
				if depth == 16 {
					v = v * 257
				}
				b.setSample(x, y, c, v)
			}
		}
	}
	return b
}

func TestDownsample2x2(t *testing.T) {
	b := NewPixelBuffer(3, 3, 1, 8)
	copy(b.Pix, []byte{
		10, 20, 30,
		40, 50, 60,
		70, 80, 90,
	})
	d := b.Downsample2x2()
	if d.Width != 2 || d.Height != 2 {
		t.Fatalf("expected 2 x 2, got %d x %d", d.Width, d.Height)
	}
	// (10+20+40+50+2)/4 = 30, right column duplicates 30/60, bottom row duplicates 70/80.
	expected := []byte{30, 45, 75, 90}
	if !bytes.Equal(d.Pix, expected) {
		t.Errorf("expected %v, got %v", expected, d.Pix)
	}
}

func TestDownsample16(t *testing.T) {
	b := NewPixelBuffer(2, 1, 1, 16)
	b.setSample(0, 0, 0, 1000)
	b.setSample(1, 0, 0, 2001)
	d := b.Downsample2x2()
	if v := d.sample(0, 0, 0); v != 1501 {
		t.Errorf("expected 1501, got %d", v)
	}
}

func TestSubPaste(t *testing.T) {
	b := makeGradient(50, 40, 3, 8)
	sub := b.Sub(Rect{X: 45, Y: 30, Width: 20, Height: 20})
	if sub.Width != 5 || sub.Height != 10 {
		t.Fatalf("expected clipped 5 x 10, got %d x %d", sub.Width, sub.Height)
	}
	dst := NewPixelBuffer(50, 40, 3, 8)
	dst.Paste(sub, 45, 30)
	for y := 30; y < 40; y++ {
		for x := 45; x < 50; x++ {
			for c := 0; c < 3; c++ {
				if dst.sample(x, y, c) != b.sample(x, y, c) {
					t.Fatalf("mismatch at (%d,%d) band %d", x, y, c)
				}
			}
		}
	}
}

func TestImageRoundTrip(t *testing.T) {
	for _, layout := range [][2]int{{1, 8}, {1, 16}, {2, 8}, {3, 8}, {4, 8}, {3, 16}, {4, 16}} {
		b := makeGradient(17, 9, layout[0], layout[1])
		img, err := b.Image()
		if err != nil {
			t.Fatalf("layout %v: %v", layout, err)
		}
		back, err := BufferFromImage(img, layout[0], layout[1])
		if err != nil {
			t.Fatalf("layout %v: %v", layout, err)
		}
		if !bytes.Equal(back.Pix, b.Pix) {
			t.Errorf("layout %v: pixels changed after image round trip", layout)
		}
	}
	if _, err := NewPixelBuffer(2, 2, 5, 8).Image(); KindOf(err) != UnsupportedBandLayout {
		t.Errorf("expected unsupported band layout for 5 bands, got %v", err)
	}
}

func TestParseFormatQuality(t *testing.T) {
	f, q, err := ParseFormatQuality("jpg:75")
	if err != nil || f != FormatJPEG || q != 75 {
		t.Errorf("bad parse of jpg:75: %s %d %v", f, q, err)
	}
	if _, _, err := ParseFormatQuality("tiff"); KindOf(err) != InvalidArgument {
		t.Errorf("expected invalid argument for tiff, got %v", err)
	}
	if f, err := ParseImageFormat(".JPEG"); err != nil || f != FormatJPEG {
		t.Errorf("expected jpeg for .JPEG, got %s %v", f, err)
	}
}

func TestTranscodePNGToWebP(t *testing.T) {
	b := makeGradient(32, 32, 3, 8)
	pngData, err := EncodeBuffer(b, FormatPNG, 0)
	if err != nil {
		t.Fatal(err)
	}
	webpData, err := Transcode(pngData, FormatPNG, FormatWebP, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(webpData) < 12 || string(webpData[0:4]) != "RIFF" || string(webpData[8:12]) != "WEBP" {
		t.Fatalf("transcoded data is not WebP")
	}
	img, err := DecodeImage(webpData, FormatWebP)
	if err != nil {
		t.Fatal(err)
	}
	back, err := BufferFromImage(img, 3, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back.Pix, b.Pix) {
		t.Errorf("lossless WebP changed pixels")
	}
}
