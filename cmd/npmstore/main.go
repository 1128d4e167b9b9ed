package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/npmstore/blobcache"
	"github.com/ndlib/npmstore/packages"
	"github.com/ndlib/npmstore/server"
	"github.com/ndlib/npmstore/store"
)

func main() {
	cfg := defaultConfig()
	fs := flag.CommandLine
	cfg.bindFlags(fs)
	var configFile = fs.String("config", "", "TOML file with settings. Flags override it")
	var version = fs.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println("npmstore", server.Version)
		return
	}
	if *configFile != "" {
		err := cfg.loadFile(fs, *configFile)
		if err != nil {
			log.Fatalln("Reading config:", err)
		}
	}
	if cfg.SentryDSN != "" {
		raven.SetDSN(cfg.SentryDSN)
		raven.SetRelease(server.Version)
	}

	s, err := newServer(cfg)
	if err != nil {
		log.Fatalln(err)
	}
	go signalHandler(s, cfg.Users)
	err = s.Run()
	if err != nil {
		os.Exit(1)
	}
}

// newServer builds the registry described by cfg.
func newServer(cfg *config) (*server.RESTServer, error) {
	s := &server.RESTServer{
		PortNumber:           cfg.Port,
		PProfPort:            cfg.PProfPort,
		MySQL:                cfg.MySQL,
		PublicURL:            cfg.PublicURL,
		RequireReadAuth:      cfg.RequireReadAuth,
		MaxPublishSize:       cfg.MaxPublishSize,
		MaxConcurrentPublish: cfg.MaxConcurrent,
		FixityRate:           cfg.FixityRate,
	}
	s.Blobs = parselocation(cfg.Storage, "tarballs")
	if s.Blobs == nil {
		return nil, fmt.Errorf("could not use storage location %q", cfg.Storage)
	}
	switch cfg.MetadataBackend {
	case "store", "":
		docs := parselocation(cfg.Storage, "packages")
		if docs == nil {
			return nil, fmt.Errorf("could not use storage location %q", cfg.Storage)
		}
		s.Metadata = packages.NewStoreRepository(docs)
	case "db":
		// the server uses its database when Metadata is nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
	}
	onDisk := cfg.CacheDir != "memory" && cfg.CacheDir != ""
	if onDisk {
		os.MkdirAll(cfg.CacheDir, 0755)
	}
	if cfg.MySQL == "" && onDisk {
		s.DBPath = filepath.Join(cfg.CacheDir, "npmstore.ql")
	}
	if cfg.CacheSize > 0 {
		var cs store.Store = store.NewMemory()
		if onDisk {
			cs = parselocation(cfg.CacheDir, "tarballs")
		}
		lru := blobcache.NewLRU(cs, cfg.CacheSize*1000000)
		go lru.Scan()
		s.TarballCache = lru
	}
	if cfg.Users != "" {
		users, err := server.NewUserListFile(cfg.Users)
		if err != nil {
			return nil, err
		}
		s.Users = users
	}
	return s, nil
}

// signalHandler stops the server on SIGINT or SIGTERM, and rereads the
// user list on SIGHUP.
func signalHandler(s *server.RESTServer, usersFile string) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range c {
		if sig == syscall.SIGHUP {
			reloadUsers(s, usersFile)
			continue
		}
		log.Println("Received signal", sig)
		s.Stop()
		return
	}
}

func reloadUsers(s *server.RESTServer, usersFile string) {
	if s.Users == nil || usersFile == "" {
		return
	}
	f, err := os.Open(usersFile)
	if err != nil {
		log.Println("Reloading users:", err)
		return
	}
	defer f.Close()
	err = s.Users.Reload(f)
	if err != nil {
		log.Println("Reloading users:", err)
		return
	}
	log.Println("Reloaded", usersFile)
}
