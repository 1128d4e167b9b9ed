package main

import (
	"flag"

	"github.com/BurntSushi/toml"
)

// config holds everything that can be set either in a config file or on the
// command line.
type config struct {
	Port            string `toml:"port"`
	PProfPort       string `toml:"pprof_port"`
	Storage         string `toml:"storage"`
	MetadataBackend string `toml:"metadata"`
	CacheDir        string `toml:"cache_dir"`
	MySQL           string `toml:"mysql"`
	Users           string `toml:"users"`
	PublicURL       string `toml:"public_url"`
	RequireReadAuth bool   `toml:"require_read_auth"`
	MaxPublishSize  int64  `toml:"max_publish_size"`
	MaxConcurrent   int    `toml:"max_concurrent_publish"`
	FixityRate      int64  `toml:"fixity_rate"`
	SentryDSN       string `toml:"sentry_dsn"`
	CacheSize       int64  `toml:"tarball_cache_size"`
}

// bindFlags connects the fields of cfg to flags in fs. The current values
// of cfg are the defaults.
func (cfg *config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	fs.StringVar(&cfg.PProfPort, "pprof", cfg.PProfPort, "port for the pprof server, if any")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "location of the tarball storage. A path, or s3://[host]/bucket/prefix. Empty keeps everything in memory")
	fs.StringVar(&cfg.MetadataBackend, "metadata", cfg.MetadataBackend, `where package documents are kept: "store" puts them next to the tarballs, "db" in the database`)
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, `directory for the internal database and the tarball cache. Use "memory" to not save them`)
	fs.StringVar(&cfg.MySQL, "mysql", cfg.MySQL, "MySQL connection to use in place of the internal database")
	fs.StringVar(&cfg.Users, "users", cfg.Users, "file listing the users. Without one everybody may do anything")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "base URL clients use to reach this registry")
	fs.BoolVar(&cfg.RequireReadAuth, "require-read-auth", cfg.RequireReadAuth, "require a token to read packages")
	fs.Int64Var(&cfg.MaxPublishSize, "max-publish-size", cfg.MaxPublishSize, "largest publish request accepted, in bytes")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent-publish", cfg.MaxConcurrent, "number of publishes handled at once")
	fs.Int64Var(&cfg.FixityRate, "fixity-rate", cfg.FixityRate, "MB per hour to read for fixity checks. 0 disables them")
	fs.Int64Var(&cfg.CacheSize, "tarball-cache", cfg.CacheSize, "MB of downloaded tarballs to keep in the cache directory. 0 disables the cache")
	fs.StringVar(&cfg.SentryDSN, "sentry", cfg.SentryDSN, "DSN for reporting errors to sentry")
}

// loadFile reads the TOML file fname into cfg. Flags which were given
// explicitly in fs keep their values.
func (cfg *config) loadFile(fs *flag.FlagSet, fname string) error {
	explicit := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})
	_, err := toml.DecodeFile(fname, cfg)
	if err != nil {
		return err
	}
	for name, value := range explicit {
		fs.Set(name, value)
	}
	return nil
}

func defaultConfig() *config {
	return &config{
		Port:            "4873",
		MetadataBackend: "store",
		CacheDir:        "memory",
		MaxPublishSize:  100 * 1000 * 1000,
		MaxConcurrent:   4,
		FixityRate:      0,
	}
}
