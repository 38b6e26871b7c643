package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LSMKV_"

// Load reads the YAML file at path over Default(). A missing file yields
// the defaults and found == false.
func Load(path string) (cfg Config, found bool, err error) {
	cfg = Default()
	if path == "" {
		return cfg, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, true, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv applies LSMKV_* overrides found through lookup (os.LookupEnv in
// production). LSMKV_PROFILE is applied before the individual settings.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "PROFILE"); ok {
		if err := c.ApplyProfile(v); err != nil {
			return err
		}
	}

	e := &c.Engine
	overrides := []struct {
		name  string
		apply func(string) error
	}{
		{"LOG_LEVEL", setString(&c.Logger.Level)},
		{"LOG_JSON", setBool(&c.Logger.JSON)},
		{"ADDR", setString(&c.Server.Addr)},
		{"DATA_DIR", setString(&e.DataDir)},
		{"WRITE_BUFFER_BYTES", setInt64(&e.WriteBufferBytes)},
		{"PAGE_CACHE_BYTES", setInt64(&e.PageCacheBytes)},
		{"EXPIRY_SECONDS", setInt64(&e.ExpirySeconds)},
		{"BLIND_UPDATE", setBool(&e.BlindUpdate)},
		{"WAL_SYNC_MODE", setString(&e.WAL.SyncMode)},
		{"WAL_BATCH_SIZE", setInt(&e.WAL.BatchSize)},
		{"WAL_BATCH_INTERVAL", setDuration(&e.WAL.BatchInterval)},
		{"RUN_CODEC", setString(&e.Run.Codec)},
		{"MERGE_INTERVAL", setDuration(&e.Merge.Interval)},
	}
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setInt64(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
