package server

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/janelia-flyem/mosaic/archive"
	"github.com/janelia-flyem/mosaic/mosaic"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultWebAddress is the default address of the HTTP server.
	DefaultWebAddress = "localhost:8000"

	// DefaultReadTimeout bounds the time spent extracting one tile.
	DefaultReadTimeout = 5 * time.Second

	// DefaultIndexEntries is the number of archive indexes kept in memory.
	DefaultIndexEntries = 64
)

// Duration is a time.Duration that decodes from TOML strings like "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the TOML server configuration.
//
//	[server]
//	httpAddress = "localhost:8000"
//	readTimeout = "5s"
//	corsDomains = ["https://viewer.example.org"]
//
//	[registry]
//	catalog = "datasets.json"
//
//	[cache]
//	tileCacheMB = 256
//
//	[logging]
//	logfile = "/var/log/mosaic.log"
//	max_log_size = 500 # MB
//	max_log_age = 30   # days
type Config struct {
	Server    ServerConfig
	Registry  RegistryConfig
	Cache     CacheConfig
	Validator ValidatorConfig
	Logging   mosaic.LogConfig
}

type ServerConfig struct {
	HTTPAddress   string   `toml:"httpAddress"`
	Host          string   `toml:"host"`
	Note          string   `toml:"note"`
	ReadTimeout   Duration `toml:"readTimeout"`
	ShutdownDelay Duration `toml:"shutdownDelay"`
	CorsDomains   []string `toml:"corsDomains"`

	// MaxTranscodes limits concurrent tile transcodes.  Defaults to the CPU count.
	MaxTranscodes int `toml:"maxTranscodes"`

	// Quality of JPEG tiles produced by transcoding.
	Quality int `toml:"quality"`
}

type RegistryConfig struct {
	Catalog string `toml:"catalog"`
}

type CacheConfig struct {
	// TileCacheMB is the size of the encoded tile cache.  Zero disables it.
	TileCacheMB  int `toml:"tileCacheMB"`
	IndexEntries int `toml:"indexEntries"`
}

type ValidatorConfig struct {
	AllowedBlockSizes []int    `toml:"allowedBlockSizes"`
	Samples           int      `toml:"samples"`
	BaseThreshold     Duration `toml:"baseThreshold"`
	PerMiBThreshold   Duration `toml:"perMiBThreshold"`
}

// DefaultConfig returns the configuration used when no TOML file is given.
func DefaultConfig() *Config {
	c := new(Config)
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = DefaultWebAddress
	}
	if c.Server.ReadTimeout.Duration <= 0 {
		c.Server.ReadTimeout.Duration = DefaultReadTimeout
	}
	if c.Server.ShutdownDelay.Duration <= 0 {
		c.Server.ShutdownDelay.Duration = 5 * time.Second
	}
	if c.Server.MaxTranscodes <= 0 {
		c.Server.MaxTranscodes = runtime.NumCPU()
	}
	if c.Server.Quality <= 0 || c.Server.Quality > 100 {
		c.Server.Quality = mosaic.DefaultJPEGQuality
	}
	if c.Cache.IndexEntries <= 0 {
		c.Cache.IndexEntries = DefaultIndexEntries
	}
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error
	configDir := filepath.Dir(configPath)

	// [registry].catalog
	if c.Registry.Catalog != "" {
		c.Registry.Catalog, err = convertToAbsolute(c.Registry.Catalog, configDir)
		if err != nil {
			return fmt.Errorf("error converting catalog setting to absolute path: %v", err)
		}
	}

	// [logging].logfile
	if c.Logging.Logfile != "" {
		c.Logging.Logfile, err = convertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("error converting logfile setting to absolute path: %v", err)
		}
	}
	return nil
}

func convertToAbsolute(path, dir string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Abs(filepath.Join(dir, path))
}

// LoadConfig loads server configuration from a TOML file.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	c := new(Config)
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	c.setDefaults()
	return c, nil
}

// ResolverOptions returns the resolver settings of the configuration.
func (c *Config) ResolverOptions() ResolverOptions {
	return ResolverOptions{
		ReadTimeout:    c.Server.ReadTimeout.Duration,
		TileCacheBytes: c.Cache.TileCacheMB * mosaic.Mega,
		IndexEntries:   c.Cache.IndexEntries,
		MaxTranscodes:  c.Server.MaxTranscodes,
		Quality:        c.Server.Quality,
	}
}

// ValidateOptions returns the archive validator settings of the configuration.
func (c *Config) ValidateOptions() archive.ValidateOptions {
	return archive.ValidateOptions{
		AllowedBlockSizes: c.Validator.AllowedBlockSizes,
		Samples:           c.Validator.Samples,
		BaseThreshold:     c.Validator.BaseThreshold.Duration,
		PerMiBThreshold:   c.Validator.PerMiBThreshold.Duration,
	}
}
