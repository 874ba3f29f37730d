/*
Package config loads satchel's on-disk configuration file. It is
grounded on cuemby-warren/cmd/warren/main.go's flag/env wiring,
generalized from per-flag cobra bindings to a single yaml.v3 document
since this module has no daemon supervisor process to hang persistent
flags off of.
*/
package config

import (
	"os"
	"time"

	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/log"
	"gopkg.in/yaml.v3"
)

// ReplicationConfig configures the default parallelism and timeouts new
// Puller/Pusher instances are built with.
type ReplicationConfig struct {
	Parallelism       int           `yaml:"parallelism"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	AttachmentTimeout time.Duration `yaml:"attachment_timeout"`
	UserAgent         string        `yaml:"user_agent"`
}

// LogConfig configures the global zerolog logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is satchel's top-level on-disk configuration document.
type Config struct {
	RootDir       string            `yaml:"root_dir"`
	RevisionLimit int               `yaml:"revision_limit"`
	Replication   ReplicationConfig `yaml:"replication"`
	Log           LogConfig         `yaml:"log"`
}

// defaults mirrors the teacher CLI's persistent-flag defaults
// ("info" log level, non-JSON output) plus this module's own
// revision.DefaultRevisionLimit and replicator.DefaultParallelism.
func defaults() Config {
	return Config{
		RootDir:       "./data",
		RevisionLimit: 1000,
		Replication: ReplicationConfig{
			Parallelism:       4,
			RequestTimeout:    30 * time.Second,
			AttachmentTimeout: 600 * time.Second,
			UserAgent:         "satchel-replicator/1.0",
		},
		Log: LogConfig{Level: "info", JSON: false},
	}
}

// Load reads and parses the YAML document at path, filling in defaults
// for any field the file omits. A missing file is not an error: it
// yields the default configuration, so `satchel` runs with zero setup.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, ferrors.Wrap(ferrors.DomainDatastore, ferrors.KindConfiguration, "ConfigReadFailed",
			"failed to read config file "+path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, ferrors.Wrap(ferrors.DomainDatastore, ferrors.KindConfiguration, "ConfigParseFailed",
			"config file "+path+" is not valid YAML", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.RootDir == "" {
		return ferrors.New(ferrors.DomainDatastore, ferrors.KindConfiguration, "MissingRootDir", "root_dir must not be empty")
	}
	if c.RevisionLimit <= 0 {
		return ferrors.New(ferrors.DomainDatastore, ferrors.KindConfiguration, "InvalidRevisionLimit", "revision_limit must be positive")
	}
	return nil
}

// InitLogging wires c.Log into the global zerolog logger, mirroring the
// teacher CLI's initLogging cobra.OnInitialize hook.
func (c Config) InitLogging() {
	log.Init(log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	})
}
