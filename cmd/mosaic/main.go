// Command-line interface to mosaic: converts rasters into packed archives or
// legacy tile pyramids, validates archives and serves tiles over HTTP.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/janelia-flyem/mosaic/archive"
	"github.com/janelia-flyem/mosaic/datastore"
	"github.com/janelia-flyem/mosaic/mosaic"
	"github.com/janelia-flyem/mosaic/pyramid"
	"github.com/janelia-flyem/mosaic/raster"
	"github.com/janelia-flyem/mosaic/server"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
)

// Version of the mosaic tools.
const Version = "0.9.0"

var (
	// Display usage if true.
	showHelp = flag.BoolP("help", "h", false, "Show help message")

	// Run in verbose mode if true.
	runVerbose = flag.BoolP("verbose", "v", false, "Log debug messages")

	// TOML configuration for the serve command.
	configFile = flag.StringP("config", "c", "", "Server TOML configuration file")

	// Overrides the configured HTTP address.
	httpAddress = flag.String("http", "", "Address for HTTP communication")

	// Overrides the configured catalog.
	catalogFile = flag.String("catalog", "", "JSON dataset catalog")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "Number of logical CPUs to use")

	// Sources larger than this are streamed where the format allows.
	streamMB = flag.Int("stream-threshold", int(raster.DefaultStreamThreshold/mosaic.Mega), "Stream sources larger than this many MB")
)

const helpMessage = `
mosaic converts large rasters into tiled, multi-resolution archives and serves them

Usage: mosaic [options] <command>

  -c, --config  =string   Server TOML configuration file.
      --http    =string   Address for HTTP communication.
      --catalog =string   JSON dataset catalog.
      --numcpu  =number   Number of logical CPUs to use.
      --stream-threshold =number   Stream sources larger than this many MB.
  -v, --verbose (flag)    Log debug messages.
  -h, --help    (flag)    Show help message.

Commands:

	about
	help

	convert  <source> <archive> [block=512] [compression=lossless-lzw] [quality=90]
	         [overviews=true] [lossy=false] [workers=N]
	         If <source> is a directory, every raster in it is converted into an
	         archive of the same name in the <archive> directory.

	build    <source> <tile dir> [tilesize=256] [overlap=1] [format=jpg[:quality]]
	         [workers=N]

	derive   <tile dir> [format=webp[:quality]] [workers=N]
	         Adds a copy of every tile of a built pyramid in another format.

	validate <archive or directory of archives> [samples=8]

	info     <source or archive>

	verify   <catalog>

	serve

Compression is one of none, lossless-lzw, deflate, zstd, lz4, snappy, lossy-jpeg or
lossy-webp.  Lossy compression of PDS or TIFF sources requires lossy=true.  The
lossy-webp codec currently stores lossless WebP, and quality is ignored for it.
`

func usage() {
	fmt.Print(helpMessage)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *runVerbose {
		mosaic.SetLogMode(mosaic.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	// Capture ctrl+c and other interrupts.  Batch commands stop before the next
	// block or tile and leave no partial files behind.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := DoCommand(ctx, mosaic.Command(flag.Args()))
	mosaic.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, cmd mosaic.Command) error {
	switch cmd.Name() {
	case "about":
		fmt.Printf("mosaic %s, packed archive format %d.%d, %s\n", Version,
			archive.VersionMajor, archive.VersionMinor, runtime.Version())
		return nil
	case "convert":
		return DoConvert(ctx, cmd)
	case "build":
		return DoBuild(ctx, cmd)
	case "derive":
		return DoDerive(ctx, cmd)
	case "validate":
		return DoValidate(ctx, cmd)
	case "info":
		return DoInfo(cmd)
	case "verify":
		return DoVerify(cmd)
	case "serve":
		return DoServe(ctx)
	}
	return fmt.Errorf("unknown command %q, try 'mosaic help'", cmd.Name())
}

func openSource(path string) (raster.Handle, error) {
	return raster.OpenWithOptions(path, raster.Options{StreamThreshold: int64(*streamMB) * mosaic.Mega})
}

// DoConvert writes a packed archive from a source raster.
func DoConvert(ctx context.Context, cmd mosaic.Command) error {
	var source, dest string
	cmd.CommandArgs(&source, &dest)
	if source == "" || dest == "" {
		return fmt.Errorf("convert command must be followed by source and archive paths")
	}
	var opts archive.Options
	var err error
	if opts.BlockSize, err = cmd.IntParameter(mosaic.KeyBlockSize, archive.DefaultBlockSize); err != nil {
		return err
	}
	opts.Compression, _ = cmd.Parameter(mosaic.KeyCompression)
	if opts.Quality, err = cmd.IntParameter(mosaic.KeyQuality, 0); err != nil {
		return err
	}
	overviews, err := cmd.BoolParameter(mosaic.KeyOverviews, true)
	if err != nil {
		return err
	}
	opts.NoOverviews = !overviews
	if opts.AllowLossy, err = cmd.BoolParameter(mosaic.KeyLossy, false); err != nil {
		return err
	}
	if opts.Workers, err = cmd.IntParameter(mosaic.KeyWorkers, 0); err != nil {
		return err
	}

	if isDir(source) {
		summary, err := archive.ConvertDir(ctx, source, dest, opts, openSource)
		if err != nil {
			return err
		}
		return batchResult(summary, "conversion")
	}
	h, err := openSource(source)
	if err != nil {
		return err
	}
	defer h.Close()
	path, err := archive.Convert(ctx, h, dest, opts)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(path); err == nil {
		fmt.Printf("Wrote %s (%s)\n", path, humanize.Bytes(uint64(fi.Size())))
	}
	return nil
}

// DoBuild writes a legacy tile pyramid from a source raster.
func DoBuild(ctx context.Context, cmd mosaic.Command) error {
	var source, root string
	cmd.CommandArgs(&source, &root)
	if source == "" || root == "" {
		return fmt.Errorf("build command must be followed by source and tile directory paths")
	}
	opts := pyramid.DefaultOptions()
	var err error
	if opts.TileSize, err = cmd.IntParameter(mosaic.KeyTileSize, opts.TileSize); err != nil {
		return err
	}
	if opts.Overlap, err = cmd.IntParameter(mosaic.KeyOverlap, opts.Overlap); err != nil {
		return err
	}
	if opts.Workers, err = cmd.IntParameter(mosaic.KeyWorkers, 0); err != nil {
		return err
	}
	if s, found := cmd.Parameter(mosaic.KeyFormat); found {
		format, quality, err := mosaic.ParseFormatQuality(s)
		if err != nil {
			return err
		}
		opts.Format, opts.Quality = format.String(), quality
	}
	opts.Progress = func(p pyramid.Progress) {
		if p.Done%1000 == 0 || p.Done == p.Total {
			mosaic.Infof("Pyramid %s: %d of %d tiles (%d written, %d skipped)\n", root, p.Done, p.Total, p.Written, p.Skipped)
		}
	}

	h, err := openSource(source)
	if err != nil {
		return err
	}
	defer h.Close()
	summary, err := pyramid.Build(ctx, h, root, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Pyramid at %s: %d levels, %d tiles of %d px (%s)\n", root, summary.Levels, summary.Tiles,
		summary.TileSize, summary.Format)
	return nil
}

// DoDerive adds tiles in another format to a built pyramid.
func DoDerive(ctx context.Context, cmd mosaic.Command) error {
	var root string
	cmd.CommandArgs(&root)
	if root == "" {
		return fmt.Errorf("derive command must be followed by a tile directory")
	}
	var opts pyramid.DeriveOptions
	var err error
	if s, found := cmd.Parameter(mosaic.KeyFormat); found {
		format, quality, err := mosaic.ParseFormatQuality(s)
		if err != nil {
			return err
		}
		opts.Format, opts.Quality = format.String(), quality
	}
	if opts.Workers, err = cmd.IntParameter(mosaic.KeyWorkers, 0); err != nil {
		return err
	}
	summary, err := pyramid.Derive(ctx, root, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Pyramid at %s: %d %s tiles written, %d skipped, %d missing\n", root,
		summary.Written, summary.Format, summary.Skipped, summary.Missing)
	return nil
}

// DoValidate prints the compliance report of an archive, or the reports of
// every archive in a directory.  A non-compliant archive is an error.
func DoValidate(ctx context.Context, cmd mosaic.Command) error {
	var path string
	cmd.CommandArgs(&path)
	if path == "" {
		return fmt.Errorf("validate command must be followed by an archive path")
	}
	var opts archive.ValidateOptions
	var err error
	if opts.Samples, err = cmd.IntParameter(mosaic.KeySamples, 0); err != nil {
		return err
	}
	if isDir(path) {
		summary, err := archive.ValidateDir(ctx, path, opts)
		if err != nil {
			return err
		}
		return batchResult(summary, "validation")
	}
	report, err := archive.Validate(ctx, path, opts)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Compliant {
		return fmt.Errorf("%s is not compliant: failed %s", path, strings.Join(report.Failed(), ", "))
	}
	return nil
}

// DoInfo prints the index summary of an archive or the metadata of a raster.
func DoInfo(cmd mosaic.Command) error {
	var path string
	cmd.CommandArgs(&path)
	if path == "" {
		return fmt.Errorf("info command must be followed by a file path")
	}
	idx, err := archive.LoadIndex(path)
	if err == nil {
		fmt.Println(idx.Header.String())
		for level := 0; level < idx.LevelCount(); level++ {
			cols, rows := idx.Grid(level)
			fmt.Printf("  level %d: %s, %d x %d blocks\n", level, idx.LevelExtents(level), cols, rows)
		}
		if len(idx.Metadata) > 0 {
			fmt.Printf("  metadata: %s\n", idx.Metadata)
		}
		return nil
	}
	if mosaic.KindOf(err) != mosaic.NotAnArchive {
		return err
	}
	h, err := openSource(path)
	if err != nil {
		return err
	}
	defer h.Close()
	return printJSON(h.Metadata())
}

// DoVerify checks the backing store of every dataset in a catalog.
func DoVerify(cmd mosaic.Command) error {
	var path string
	cmd.CommandArgs(&path)
	if path == "" {
		path = *catalogFile
	}
	if path == "" {
		return fmt.Errorf("verify command must be followed by a catalog path")
	}
	reg, err := datastore.NewFileRegistry(path)
	if err != nil {
		return err
	}
	list, err := reg.ListDatasets()
	if err != nil {
		return err
	}
	var failed int
	for _, d := range list {
		if err := d.Verify(); err != nil {
			fmt.Printf("FAIL %s: %v\n", d.ID, err)
			failed++
		} else {
			fmt.Printf("ok   %s\n", d)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d datasets failed verification", failed, len(list))
	}
	return nil
}

// DoServe runs the HTTP server until interrupted.
func DoServe(ctx context.Context) error {
	config := server.DefaultConfig()
	if *configFile != "" {
		var err error
		if config, err = server.LoadConfig(*configFile); err != nil {
			return err
		}
	}
	if *httpAddress != "" {
		config.Server.HTTPAddress = *httpAddress
	}
	if *catalogFile != "" {
		config.Registry.Catalog = *catalogFile
	}
	config.Logging.SetLogger()
	if config.Registry.Catalog == "" {
		return fmt.Errorf("serve needs a dataset catalog via --catalog or [registry] in the config file")
	}
	reg, err := datastore.NewFileRegistry(config.Registry.Catalog)
	if err != nil {
		return err
	}
	mosaic.Infof("Using %d logical CPUs, serving catalog %s\n", runtime.GOMAXPROCS(0), reg.Path())
	return server.NewServer(config, reg).ListenAndServe(ctx)
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// batchResult prints a batch summary.  Any failed file is an error.
func batchResult(summary *archive.BatchSummary, what string) error {
	if err := printJSON(summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%s failed for %d of %d file(s)", what, summary.Failed, summary.Total)
	}
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
