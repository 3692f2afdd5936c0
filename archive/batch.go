package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/janelia-flyem/mosaic/mosaic"
	"github.com/janelia-flyem/mosaic/raster"
)

// Extension is the file extension of archives written by ConvertDir.
const Extension = ".mpr"

// BatchResult is the outcome for one file of a directory batch.
type BatchResult struct {
	Path    string            `json:"path"`
	Archive string            `json:"archive,omitempty"`
	Skipped bool              `json:"skipped,omitempty"`
	Report  *ComplianceReport `json:"report,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// BatchSummary collects the results of a directory batch.
type BatchSummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []BatchResult `json:"results"`
}

func (s *BatchSummary) add(r BatchResult, ok bool) {
	s.Total++
	if ok {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

// batchFiles lists the regular files of dir in name order.
func batchFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mosaic.WrapError(mosaic.InvalidArgument, err, "listing %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || mosaic.IsTempPath(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// ValidateDir validates every archive in dir.  Files that are not archives
// are ignored; an archive that fails validation or is not compliant counts as
// failed.
func ValidateDir(ctx context.Context, dir string, opts ValidateOptions) (*BatchSummary, error) {
	paths, err := batchFiles(dir)
	if err != nil {
		return nil, err
	}
	summary := &BatchSummary{}
	for _, path := range paths {
		report, err := Validate(ctx, path, opts)
		if ctx.Err() != nil {
			return summary, mosaic.WrapError(mosaic.WriteError, ctx.Err(), "validation of %s cancelled", dir)
		}
		switch {
		case mosaic.KindOf(err) == mosaic.NotAnArchive:
			mosaic.Debugf("Skipping %s: %v\n", path, err)
		case err != nil:
			summary.add(BatchResult{Path: path, Error: err.Error()}, false)
		default:
			summary.add(BatchResult{Path: path, Report: report}, report.Compliant)
		}
	}
	mosaic.Infof("Validated %d archive(s) in %s, %d compliant\n", summary.Total, dir, summary.Succeeded)
	return summary, nil
}

// ConvertDir converts every raster in srcDir into an archive of the same base
// name in destDir.  Files of unrecognized formats are ignored and archives that
// already exist are kept, so an interrupted batch can be rerun.  A nil open
// selects raster.Open.  One failed conversion does not stop the batch;
// cancellation does.
func ConvertDir(ctx context.Context, srcDir, destDir string, opts Options, open func(string) (raster.Handle, error)) (*BatchSummary, error) {
	if open == nil {
		open = raster.Open
	}
	paths, err := batchFiles(srcDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, mosaic.WrapError(mosaic.WriteError, err, "creating %s", destDir)
	}
	summary := &BatchSummary{}
	for _, path := range paths {
		if _, err := LoadIndex(path); err == nil {
			continue
		}
		name := filepath.Base(path)
		dest := filepath.Join(destDir, strings.TrimSuffix(name, filepath.Ext(name))+Extension)
		if _, err := LoadIndex(dest); err == nil {
			summary.add(BatchResult{Path: path, Archive: dest, Skipped: true}, true)
			continue
		}
		h, err := open(path)
		if mosaic.KindOf(err) == mosaic.UnsupportedFormat {
			mosaic.Debugf("Skipping %s: %v\n", path, err)
			continue
		}
		if err != nil {
			summary.add(BatchResult{Path: path, Error: err.Error()}, false)
			continue
		}
		written, err := Convert(ctx, h, dest, opts)
		h.Close()
		if ctx.Err() != nil {
			return summary, mosaic.WrapError(mosaic.WriteError, ctx.Err(), "conversion of %s cancelled", srcDir)
		}
		if err != nil {
			mosaic.Errorf("Converting %s: %v\n", path, err)
			summary.add(BatchResult{Path: path, Error: err.Error()}, false)
			continue
		}
		summary.add(BatchResult{Path: path, Archive: written}, true)
	}
	mosaic.Infof("Converted %d of %d raster(s) from %s\n", summary.Succeeded, summary.Total, srcDir)
	return summary, nil
}
