// loader.go: Declarative appender configuration from YAML or JSON files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Format is a configuration file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FileConfig is the file representation of Config. Sizes accept units such
// as "100MB", durations accept Go syntax plus d, w and y.
//
// Example (YAML):
//
//	name: app
//	file_name: logs/app.log
//	file_pattern: logs/app-%d-%i.log.gz
//	policy:
//	  max_size: 100MB
//	  interval: 24h
//	  modulate: true
//	strategy:
//	  max_archives: 7
type FileConfig struct {
	Name              string            `koanf:"name"`
	FileName          string            `koanf:"file_name"`
	FilePattern       string            `koanf:"file_pattern"`
	RolloverOnStartup bool              `koanf:"rollover_on_startup"`
	Append            *bool             `koanf:"append"`
	BufferSize        string            `koanf:"buffer_size"`
	ImmediateFlush    *bool             `koanf:"immediate_flush"`
	FlushInterval     string            `koanf:"flush_interval"`
	CreateOnDemand    bool              `koanf:"create_on_demand"`
	Locking           bool              `koanf:"locking"`
	FilePermissions   string            `koanf:"file_permissions"`
	FileOwner         string            `koanf:"file_owner"`
	FileGroup         string            `koanf:"file_group"`
	IgnoreErrors      *bool             `koanf:"ignore_errors"`
	LocalTime         bool              `koanf:"local_time"`
	Vars              map[string]string `koanf:"vars"`
	StatusFile        string            `koanf:"status_file"`
	Policy            PolicyConfig      `koanf:"policy"`
	Strategy          StrategyConfig    `koanf:"strategy"`
}

// PolicyConfig selects triggering policies. Every field that is set adds a
// policy; they are combined with AnyOf.
type PolicyConfig struct {
	MaxSize          string `koanf:"max_size"`
	Interval         string `koanf:"interval"`
	Modulate         bool   `koanf:"modulate"`
	Cron             string `koanf:"cron"`
	OnStartup        bool   `koanf:"on_startup"`
	OnStartupMinSize string `koanf:"on_startup_min_size"`
}

// StrategyConfig selects the rollover strategy.
type StrategyConfig struct {
	Type             string `koanf:"type"` // default or direct
	MaxArchives      int    `koanf:"max_archives"`
	MaxArchiveAge    string `koanf:"max_archive_age"`
	CompressionLevel int    `koanf:"compression_level"`
	AsyncCompression bool   `koanf:"async_compression"`
	Checksum         bool   `koanf:"checksum"`
}

// LoadConfigFile reads a YAML (.yaml, .yml) or JSON (.json) file.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path supplied by the operator
	if err != nil {
		return Config{}, fmt.Errorf("%w: read %s: %w", ErrConfiguration, path, err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return ParseConfig(data, format)
}

// ParseConfig decodes data and converts it to a Config starting from
// DefaultConfig. The result still goes through New for validation.
func ParseConfig(data []byte, format Format) (Config, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return Config{}, configErrorf("unsupported config format %q", format)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %w", ErrConfiguration, format, err)
	}
	var fc FileConfig
	if err := k.UnmarshalWithConf("", &fc, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("%w: decode: %w", ErrConfiguration, err)
	}
	return fc.Config()
}

// Config converts the file representation into a Config.
func (fc FileConfig) Config() (Config, error) {
	cfg := DefaultConfig()
	cfg.Name = fc.Name
	cfg.FileName = fc.FileName
	cfg.FilePattern = fc.FilePattern
	cfg.RolloverOnStartup = fc.RolloverOnStartup
	cfg.CreateOnDemand = fc.CreateOnDemand
	cfg.Locking = fc.Locking
	cfg.FilePermissions = fc.FilePermissions
	cfg.FileOwner = fc.FileOwner
	cfg.FileGroup = fc.FileGroup
	cfg.LocalTime = fc.LocalTime
	cfg.Vars = fc.Vars
	cfg.StatusFile = fc.StatusFile
	if fc.Append != nil {
		cfg.Truncate = !*fc.Append
	}
	if fc.ImmediateFlush != nil {
		cfg.ImmediateFlush = *fc.ImmediateFlush
	}
	if fc.IgnoreErrors != nil {
		cfg.IgnoreErrors = *fc.IgnoreErrors
	}

	var err error
	if fc.BufferSize != "" {
		n, err := ParseSize(fc.BufferSize)
		if err != nil {
			return Config{}, configErrorf("buffer_size: %v", err)
		}
		cfg.BufferSize = int(n)
	}
	if fc.FlushInterval != "" {
		if cfg.FlushInterval, err = ParseDuration(fc.FlushInterval); err != nil {
			return Config{}, configErrorf("flush_interval: %v", err)
		}
	}
	if cfg.Policy, err = fc.Policy.build(); err != nil {
		return Config{}, err
	}
	if cfg.Strategy, err = fc.Strategy.build(fc.FileName == ""); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (pc PolicyConfig) build() (TriggeringPolicy, error) {
	var policies []TriggeringPolicy
	if pc.MaxSize != "" {
		n, err := ParseSize(pc.MaxSize)
		if err != nil {
			return nil, configErrorf("policy.max_size: %v", err)
		}
		policies = append(policies, SizeBased(n))
	}
	if pc.Interval != "" {
		d, err := ParseDuration(pc.Interval)
		if err != nil {
			return nil, configErrorf("policy.interval: %v", err)
		}
		policies = append(policies, TimeBased(d, pc.Modulate))
	}
	if pc.Cron != "" {
		p, err := NewCronPolicy(pc.Cron)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if pc.OnStartup || pc.OnStartupMinSize != "" {
		var minSize int64
		if pc.OnStartupMinSize != "" {
			n, err := ParseSize(pc.OnStartupMinSize)
			if err != nil {
				return nil, configErrorf("policy.on_startup_min_size: %v", err)
			}
			minSize = n
		}
		policies = append(policies, OnStartup(minSize))
	}
	switch len(policies) {
	case 0:
		return nil, configErrorf("policy: set at least one of max_size, interval, cron or on_startup")
	case 1:
		return policies[0], nil
	default:
		return AnyOf(policies...), nil
	}
}

// build returns nil for an empty section so New picks the strategy.
func (sc StrategyConfig) build(direct bool) (RolloverStrategy, error) {
	var age time.Duration
	if sc.MaxArchiveAge != "" {
		d, err := ParseDuration(sc.MaxArchiveAge)
		if err != nil {
			return nil, configErrorf("strategy.max_archive_age: %v", err)
		}
		age = d
	}
	kind := strings.ToLower(sc.Type)
	if kind == "" {
		if sc == (StrategyConfig{}) {
			return nil, nil
		}
		kind = "default"
		if direct {
			kind = "direct"
		}
	}
	switch kind {
	case "default":
		return &DefaultStrategy{
			MaxArchives:      sc.MaxArchives,
			MaxArchiveAge:    age,
			CompressionLevel: sc.CompressionLevel,
			AsyncCompression: sc.AsyncCompression,
			Checksum:         sc.Checksum,
		}, nil
	case "direct":
		return &DirectWriteStrategy{
			MaxArchives:      sc.MaxArchives,
			MaxArchiveAge:    age,
			CompressionLevel: sc.CompressionLevel,
			AsyncCompression: sc.AsyncCompression,
			Checksum:         sc.Checksum,
		}, nil
	default:
		return nil, configErrorf("strategy.type %q: want default or direct", sc.Type)
	}
}
