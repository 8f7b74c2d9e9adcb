// config.go: loader configuration, defaults and multi-format file loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/agilira/argus"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Platform level below which the legacy compiled-code directory exists.
const DefaultLegacyPlatformBelow = 21

// LoaderConfig configures a LoadCoordinator and the registry around it.
type LoaderConfig struct {
	// HostPackage names the host; it seeds the default process table.
	HostPackage string `json:"host_package" yaml:"host_package"`
	// HostProcesses is the pre-declared process pool. When Slots is
	// empty, HostProcessCount slots named "<host>:p<i>" are generated.
	HostProcesses    HostProcessTable `json:"host_processes" yaml:"host_processes"`
	HostProcessCount int              `json:"host_process_count" yaml:"host_process_count"`

	Layout Layout           `json:"layout" yaml:"layout"`
	Cache  StageCacheConfig `json:"cache" yaml:"cache"`

	LockWait time.Duration `json:"lock_wait" yaml:"lock_wait"`
	LockPoll time.Duration `json:"lock_poll" yaml:"lock_poll"`

	EntrySymbol        string `json:"entry_symbol" yaml:"entry_symbol"`
	LibraryEntrySymbol string `json:"library_entry_symbol" yaml:"library_entry_symbol"`
	ApplicationSymbol  string `json:"application_symbol" yaml:"application_symbol"`

	// PlatformLevel is the running platform API level; zero means current.
	PlatformLevel       int `json:"platform_level" yaml:"platform_level"`
	LegacyPlatformBelow int `json:"legacy_platform_below" yaml:"legacy_platform_below"`

	// TraceLoads records the caller stack of each first load.
	TraceLoads bool `json:"trace_loads" yaml:"trace_loads"`

	StatusFile        string        `json:"status_file,omitempty" yaml:"status_file,omitempty"`
	TransportEndpoint string        `json:"transport_endpoint,omitempty" yaml:"transport_endpoint,omitempty"`
	TransportTimeout  time.Duration `json:"transport_timeout" yaml:"transport_timeout"`

	Logging LogOptions `json:"logging" yaml:"logging"`
}

// DefaultLoaderConfig returns a configuration rooted in the working directory.
func DefaultLoaderConfig() LoaderConfig {
	cfg := LoaderConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *LoaderConfig) ApplyDefaults() {
	if c.HostPackage == "" {
		c.HostPackage = "host"
	}
	if c.HostProcessCount <= 0 {
		c.HostProcessCount = 3
	}
	if c.HostProcesses.MainProcess == "" {
		c.HostProcesses.MainProcess = c.HostPackage
	}
	if len(c.HostProcesses.Slots) == 0 {
		c.HostProcesses.Slots = DefaultHostProcessTable(c.HostPackage, c.HostProcessCount).Slots
	}
	if c.Layout.InstallDir == "" {
		c.Layout.InstallDir = filepath.Join("modules", "installed")
	}
	if c.Layout.CompiledDir == "" {
		c.Layout.CompiledDir = filepath.Join("modules", "compiled")
	}
	if c.Layout.NativeLibDir == "" {
		c.Layout.NativeLibDir = filepath.Join("modules", "lib")
	}
	if c.Layout.LockDir == "" {
		c.Layout.LockDir = filepath.Join("modules", "locks")
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = DefaultStageCacheConfig().Size
	}
	if c.LockWait <= 0 {
		c.LockWait = DefaultLockWait
	}
	if c.LockPoll <= 0 {
		c.LockPoll = DefaultLockPoll
	}
	if c.EntrySymbol == "" {
		c.EntrySymbol = DefaultEntrySymbol
	}
	if c.LibraryEntrySymbol == "" {
		c.LibraryEntrySymbol = DefaultLibraryEntrySymbol
	}
	if c.ApplicationSymbol == "" {
		c.ApplicationSymbol = DefaultApplicationSymbol
	}
	if c.LegacyPlatformBelow <= 0 {
		c.LegacyPlatformBelow = DefaultLegacyPlatformBelow
	}
	if c.TransportTimeout <= 0 {
		c.TransportTimeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration after defaults are applied.
func (c LoaderConfig) Validate() error {
	if c.LockPoll > c.LockWait {
		return NewConfigValidationError("lock_poll must not exceed lock_wait", nil)
	}
	if c.Cache.TTL < 0 {
		return NewConfigValidationError("cache ttl must not be negative", nil)
	}
	if c.PlatformLevel < 0 {
		return NewConfigValidationError("platform_level must not be negative", nil)
	}
	for i, slot := range c.HostProcesses.Slots {
		if strings.TrimSpace(slot) == "" {
			return NewConfigValidationError(fmt.Sprintf("host process slot %d is empty", i), nil)
		}
	}
	if c.EntrySymbol == c.LibraryEntrySymbol && c.EntrySymbol != "" {
		return NewConfigValidationError("entry_symbol and library_entry_symbol must differ", nil)
	}
	return nil
}

// LoadConfigFromFile reads a JSON, YAML or TOML configuration file,
// expands ${VAR} references, applies defaults and validates the result.
func LoadConfigFromFile(path string) (LoaderConfig, error) {
	var cfg LoaderConfig

	clean, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	raw, err := os.ReadFile(clean) // #nosec G304 - path is validated above
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, NewConfigNotFoundError(clean)
		}
		return cfg, NewConfigParseError(clean, err)
	}
	expanded, err := ExpandEnvironmentVariables(string(raw), DefaultEnvConfigOptions())
	if err != nil {
		return cfg, NewConfigParseError(clean, err)
	}

	if err := parseConfigBytes([]byte(expanded), argus.DetectFormat(clean), &cfg); err != nil {
		return cfg, NewConfigParseError(clean, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", NewConfigPathError(path, "path is empty")
	}
	if strings.Contains(path, "\x00") {
		return "", NewConfigPathError(path, "path contains null byte")
	}
	for _, part := range strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' }) {
		if part == ".." {
			return "", NewConfigPathError(path, "path traversal is not allowed")
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", NewConfigPathError(path, err.Error())
	}
	return abs, nil
}

// parseConfigBytes uses yaml.v3 for YAML and argus for the other formats,
// binding argus maps onto the struct's json tags with mapstructure.
func parseConfigBytes(data []byte, format argus.ConfigFormat, out any) error {
	if format == argus.FormatYAML {
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return nil
	}
	configMap, err := argus.ParseConfig(data, format)
	if err != nil {
		return err
	}
	if configMap == nil {
		return fmt.Errorf("configuration map is nil")
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		DecodeHook: durationDecodeHook(),
		Result:     out,
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(configMap); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}
	return nil
}

// durationDecodeHook accepts "2s" style strings for time.Duration fields,
// the same notation the YAML path takes. Numbers are nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(time.Duration(0))

	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return time.Duration(0), nil
			}
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", v, err)
			}
			return d, nil
		case float64:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case int:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
