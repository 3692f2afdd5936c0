package pyramid

import (
	"context"
	"os"
	"runtime"

	"github.com/janelia-flyem/mosaic/mosaic"

	"golang.org/x/sync/errgroup"
)

// DeriveOptions control Derive.
type DeriveOptions struct {
	Format  string // target format, defaults to webp
	Quality int
	Workers int
}

// DeriveSummary counts the tiles handled by Derive.
type DeriveSummary struct {
	Format  string `json:"format"`
	Written int    `json:"written"`
	Skipped int    `json:"skipped"`
	Missing int    `json:"missing"`
}

// Derive writes a copy of every tile of a completed pyramid in another format
// next to the stored tile, e.g. 3/1_2.webp beside 3/1_2.jpg.  Copies that
// already exist are kept.  Tiles the pyramid lacks are counted as missing.
func Derive(ctx context.Context, root string, opts DeriveOptions) (DeriveSummary, error) {
	if opts.Format == "" {
		opts.Format = mosaic.FormatWebP.String()
	}
	if opts.Quality == 0 {
		opts.Quality = DefaultQuality
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	summary := DeriveSummary{Format: opts.Format}
	target, err := mosaic.ParseImageFormat(opts.Format)
	if err != nil {
		return summary, err
	}
	manifest, err := ReadManifest(root)
	if err != nil {
		return summary, mosaic.WrapError(mosaic.InvalidArgument, err, "%s is not a completed pyramid", root)
	}
	stored, err := mosaic.ParseImageFormat(manifest.Format)
	if err != nil {
		return summary, err
	}
	if stored == target {
		return summary, mosaic.NewError(mosaic.InvalidArgument, "pyramid %s is already stored as %s", root, target)
	}
	timedLog := mosaic.NewTimeLog()

	var written, skipped, missing int
	for d := 0; d < manifest.Levels; d++ {
		cols, rows := manifest.DirGrid(d)
		for row := 0; row < rows; row++ {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(opts.Workers)
			results := make([]int, cols)
			for col := 0; col < cols; col++ {
				if err := ctx.Err(); err != nil {
					g.Wait()
					return summary, mosaic.WrapError(mosaic.WriteError, err, "deriving %s tiles cancelled", target)
				}
				src := TilePath(root, d, col, row, manifest.Format)
				dest := TilePath(root, d, col, row, opts.Format)
				i := col
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}
					var err error
					results[i], err = deriveTile(src, dest, stored, target, opts.Quality)
					return err
				})
			}
			if err := g.Wait(); err != nil {
				if ctx.Err() != nil {
					return summary, mosaic.WrapError(mosaic.WriteError, ctx.Err(), "deriving %s tiles cancelled", target)
				}
				return summary, err
			}
			for _, r := range results {
				switch r {
				case deriveWritten:
					written++
				case deriveSkipped:
					skipped++
				default:
					missing++
				}
			}
		}
	}
	summary.Written, summary.Skipped, summary.Missing = written, skipped, missing
	timedLog.Infof("Derived %s tiles of %s (%d written, %d skipped, %d missing)", target, root,
		written, skipped, missing)
	return summary, nil
}

const (
	deriveMissing = iota
	deriveWritten
	deriveSkipped
)

func deriveTile(src, dest string, from, to mosaic.ImageFormat, quality int) (int, error) {
	if mosaic.FileExists(dest) {
		return deriveSkipped, nil
	}
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return deriveMissing, nil
	}
	if err != nil {
		return 0, mosaic.WrapError(mosaic.WriteError, err, "reading %s", src)
	}
	out, err := mosaic.Transcode(data, from, to, quality)
	if err != nil {
		return 0, err
	}
	if err := mosaic.WriteFileAtomic(dest, out, 0644); err != nil {
		return 0, err
	}
	return deriveWritten, nil
}
