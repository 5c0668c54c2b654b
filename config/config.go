// Package config loads the gojotx YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotx/core/security/encryption/internaltls"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

// Config is the root of the configuration file.
type Config struct {
	// StorageEngine names a registered storage engine.
	StorageEngine string             `yaml:"storage_engine"`
	Logger        logger.Config      `yaml:"logger"`
	Telemetry     telemetry.Config   `yaml:"telemetry"`
	Transaction   transaction.Config `yaml:"transaction"`
	WAL           wal.Options        `yaml:"wal"`
	Admin         AdminConfig        `yaml:"admin"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TLS serves the admin API over HTTPS when a certificate is set.
	TLS internaltls.Config `yaml:"tls"`
}

// Default returns a configuration that runs the in-memory engine with its
// log under ./data/wal.
func Default() Config {
	return Config{
		StorageEngine: "memory",
		Logger:        logger.DefaultConfig(),
		Telemetry:     telemetry.DefaultConfig(),
		Transaction:   transaction.DefaultConfig(),
		WAL:           wal.DefaultOptions("data/wal"),
		Admin: AdminConfig{
			Addr:            "127.0.0.1:7474",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads the file at path on top of Default. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML on top of Default and validates the result.
// Unknown keys are rejected.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings of every section.
func (c Config) Validate() error {
	if c.StorageEngine == "" {
		return errors.New("storage_engine must be set")
	}
	if c.WAL.Dir == "" {
		return errors.New("wal.dir must be set")
	}
	if c.Admin.TLS.Enabled() && (c.Admin.TLS.CertFile == "" || c.Admin.TLS.KeyFile == "") {
		return errors.New("admin.tls needs both cert_file and key_file")
	}
	if err := c.Transaction.Validate(); err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
