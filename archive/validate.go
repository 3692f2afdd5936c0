package archive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/janelia-flyem/mosaic/mosaic"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
)

// Names of compliance checks.
const (
	CheckTiling      = "tiling"
	CheckCompression = "compression"
	CheckOverviews   = "overviews"
	CheckReadTiming  = "read-timing"
	CheckIntegrity   = "integrity"
)

// ValidateOptions configure Validate.  Zero values select defaults.
type ValidateOptions struct {
	// AllowedBlockSizes defaults to 256, 512 and 1024.
	AllowedBlockSizes []int

	// Samples is the number of blocks timed and checksummed.  Defaults to 8.
	Samples int

	// BaseThreshold is the allowed time for reading and decoding one block
	// regardless of size.  Defaults to 100ms.
	BaseThreshold time.Duration

	// PerMiBThreshold is added to the allowance per MiB of stored block.
	// Defaults to 50ms.
	PerMiBThreshold time.Duration
}

func (o *ValidateOptions) setDefaults() {
	if len(o.AllowedBlockSizes) == 0 {
		o.AllowedBlockSizes = []int{256, 512, 1024}
	}
	if o.Samples <= 0 {
		o.Samples = 8
	}
	if o.BaseThreshold <= 0 {
		o.BaseThreshold = 100 * time.Millisecond
	}
	if o.PerMiBThreshold <= 0 {
		o.PerMiBThreshold = 50 * time.Millisecond
	}
}

// Check is the outcome of one compliance check.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// ComplianceReport describes the structure and read performance of an archive.
type ComplianceReport struct {
	Path            string   `json:"path"`
	Version         string   `json:"version"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	BlockSize       int      `json:"blockSize"`
	Levels          int      `json:"levels"`
	Codec           string   `json:"compression"`
	Blocks          int      `json:"blocks"`
	FileSize        int64    `json:"fileSize"`
	FileSizeHuman   string   `json:"fileSizeHuman"`
	IndexMemory     string   `json:"indexMemory"`
	Checks          []Check  `json:"checks"`
	Compliant       bool     `json:"compliant"`
	Recommendations []string `json:"recommendations"`
}

// Check returns the named check and whether it was run.
func (r *ComplianceReport) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Failed returns the names of failed checks.
func (r *ComplianceReport) Failed() []string {
	var failed []string
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}

var recommendations = map[string]string{
	CheckTiling:      "Rewrite the archive with a standard block size (512 is recommended).",
	CheckCompression: "Rewrite the archive with a recognized compression codec such as lossless-lzw or deflate.",
	CheckOverviews:   "Add overviews so zoomed-out views do not read full-resolution blocks.",
	CheckReadTiming:  "Block reads are slow; check storage latency or choose a faster codec.",
	CheckIntegrity:   "Stored blocks do not match their checksums; reconvert the archive from its source.",
}

// Validate inspects the archive at path without modifying it.  A file that is
// not an archive returns a NotAnArchive error rather than a report.
func Validate(ctx context.Context, path string, opts ValidateOptions) (*ComplianceReport, error) {
	opts.setDefaults()
	idx, err := LoadIndex(path)
	if err != nil {
		return nil, err
	}
	hdr := idx.Header
	report := &ComplianceReport{
		Path:          path,
		Version:       hdr.Version().String(),
		Width:         int(hdr.Width),
		Height:        int(hdr.Height),
		BlockSize:     idx.BlockSize(),
		Levels:        idx.LevelCount(),
		Codec:         idx.Codec().String(),
		Blocks:        idx.BlockCount(),
		FileSize:      idx.Size,
		FileSizeHuman: humanize.Bytes(uint64(idx.Size)),
		IndexMemory:   humanize.Bytes(uint64(size.Of(idx))),
	}

	allowed := false
	for _, bs := range opts.AllowedBlockSizes {
		allowed = allowed || bs == idx.BlockSize()
	}
	report.add(CheckTiling, allowed, "block size %d, allowed %v", idx.BlockSize(), opts.AllowedBlockSizes)

	codec := idx.Codec()
	report.add(CheckCompression, codec.Compressed(), "codec %s", codec)

	needOverviews := idx.Dimensions().Max() > idx.BlockSize()
	report.add(CheckOverviews, !needOverviews || idx.OverviewCount() > 0,
		"%d overview(s) for %s at block size %d", idx.OverviewCount(), idx.Dimensions(), idx.BlockSize())

	if err := report.sample(ctx, idx, opts); err != nil {
		return nil, err
	}

	report.Compliant = len(report.Failed()) == 0
	for _, name := range report.Failed() {
		report.Recommendations = append(report.Recommendations, recommendations[name])
	}
	mosaic.Infof("Validated %s: compliant=%t, failed %v\n", path, report.Compliant, report.Failed())
	return report, nil
}

func (r *ComplianceReport) add(name string, passed bool, format string, args ...interface{}) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: fmt.Sprintf(format, args...)})
}

type blockAddr struct{ level, col, row int }

// sampleBlocks picks n blocks spread across all levels, always including the
// first block of the coarsest and finest levels.
func sampleBlocks(idx *Index, n int) []blockAddr {
	seen := make(map[blockAddr]bool)
	var addrs []blockAddr
	add := func(a blockAddr) {
		if !seen[a] {
			seen[a] = true
			addrs = append(addrs, a)
		}
	}
	add(blockAddr{idx.LevelCount() - 1, 0, 0})
	add(blockAddr{0, 0, 0})
	for i := 0; len(addrs) < n && i < 4*n; i++ {
		level := i % idx.LevelCount()
		cols, rows := idx.Grid(level)
		add(blockAddr{level, (i*7 + 3) % cols, (i*13 + 5) % rows})
	}
	if len(addrs) > n {
		addrs = addrs[:n]
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].level < addrs[j].level })
	return addrs
}

// sample times reading and decoding sampled blocks and verifies their checksums.
func (r *ComplianceReport) sample(ctx context.Context, idx *Index, opts ValidateOptions) error {
	reader, err := idx.Open()
	if err != nil {
		return err
	}
	defer reader.Close()

	var slow, corrupt []string
	var slowest time.Duration
	decode := idx.Codec().Recognized()
	for _, a := range sampleBlocks(idx, opts.Samples) {
		if err := ctx.Err(); err != nil {
			return mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "validation cancelled")
		}
		start := time.Now()
		data, e, err := reader.ReadRaw(a.level, a.col, a.row)
		if err != nil {
			return err
		}
		if verr := Verify(data, e); verr != nil {
			corrupt = append(corrupt, e.String())
		} else if decode {
			rect := idx.BlockRect(a.level, a.col, a.row)
			if _, derr := idx.Codec().Decode(data, rect.Width, rect.Height, int(idx.Header.Bands), int(idx.Header.BitDepth)); derr != nil {
				corrupt = append(corrupt, e.String())
			}
		}
		elapsed := time.Since(start)
		limit := opts.BaseThreshold + time.Duration(float64(opts.PerMiBThreshold)*float64(len(data))/float64(mosaic.Mega))
		if elapsed > limit {
			slow = append(slow, fmt.Sprintf("%s took %s (limit %s)", e, elapsed, limit))
		}
		if elapsed > slowest {
			slowest = elapsed
		}
	}
	if len(slow) == 0 {
		r.add(CheckReadTiming, true, "slowest sampled block read in %s", slowest)
	} else {
		r.add(CheckReadTiming, false, "%s", strings.Join(slow, "; "))
	}
	if len(corrupt) == 0 {
		r.add(CheckIntegrity, true, "sampled blocks match their checksums")
	} else {
		r.add(CheckIntegrity, false, "corrupt blocks: %s", strings.Join(corrupt, "; "))
	}
	return nil
}
