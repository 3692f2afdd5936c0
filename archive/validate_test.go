package archive

import (
	"context"
	"testing"
	"time"

	"github.com/janelia-flyem/mosaic/raster"
)

func TestValidateCompliant(t *testing.T) {
	path := convert(t, gradient(1200, 900, 1, 8), raster.Metadata{}, Options{})
	report, err := Validate(context.Background(), path, ValidateOptions{BaseThreshold: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Compliant {
		t.Errorf("expected compliant archive, failed: %v", report.Failed())
	}
	if len(report.Recommendations) != 0 {
		t.Errorf("expected no recommendations, got %v", report.Recommendations)
	}
	for _, name := range []string{CheckTiling, CheckCompression, CheckOverviews, CheckReadTiming, CheckIntegrity} {
		if _, found := report.Check(name); !found {
			t.Errorf("check %s missing from report", name)
		}
	}
	if report.BlockSize != 512 || report.Levels != 3 || report.Codec != "lossless-lzw" {
		t.Errorf("bad geometry in report: %+v", report)
	}
}

func TestValidateNoOverviews(t *testing.T) {
	path := convert(t, gradient(1200, 900, 1, 8), raster.Metadata{}, Options{NoOverviews: true})
	report, err := Validate(context.Background(), path, ValidateOptions{BaseThreshold: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0] != CheckOverviews {
		t.Fatalf("expected only the overviews check to fail, got %v", failed)
	}
	if len(report.Recommendations) != 1 || report.Recommendations[0] != recommendations[CheckOverviews] {
		t.Errorf("expected one overview recommendation, got %v", report.Recommendations)
	}
}

func TestValidateSmallImageNeedsNoOverviews(t *testing.T) {
	path := convert(t, gradient(200, 100, 1, 8), raster.Metadata{}, Options{NoOverviews: true})
	report, err := Validate(context.Background(), path, ValidateOptions{BaseThreshold: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := report.Check(CheckOverviews); !c.Passed {
		t.Errorf("single-block image should not need overviews: %s", c.Detail)
	}
}

func TestValidateUncompressedAndSlow(t *testing.T) {
	path := convert(t, gradient(600, 600, 1, 8), raster.Metadata{}, Options{Compression: "none", BlockSize: 1024})
	report, err := Validate(context.Background(), path, ValidateOptions{
		BaseThreshold:   time.Nanosecond,
		PerMiBThreshold: time.Nanosecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := report.Check(CheckCompression); c.Passed {
		t.Errorf("uncompressed archive should fail the compression check")
	}
	if c, _ := report.Check(CheckReadTiming); c.Passed {
		t.Errorf("nanosecond threshold should fail the timing check")
	}
	if c, _ := report.Check(CheckTiling); !c.Passed {
		t.Errorf("block size 1024 is allowed: %s", c.Detail)
	}
	if report.Compliant {
		t.Errorf("report should not be compliant")
	}
	if len(report.Recommendations) != 2 {
		t.Errorf("expected two recommendations, got %v", report.Recommendations)
	}
}

func TestValidateDisallowedBlockSize(t *testing.T) {
	path := convert(t, gradient(600, 600, 1, 8), raster.Metadata{}, Options{BlockSize: 2048})
	report, err := Validate(context.Background(), path, ValidateOptions{BaseThreshold: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := report.Check(CheckTiling); c.Passed {
		t.Errorf("block size 2048 should fail the tiling check")
	}
}
