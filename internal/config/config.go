// Package config loads fmp4cenc's configuration via Viper, following the
// teacher's Load/SetDefaults/Validate pattern.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmylchreest/fmp4cenc/pkg/bytesize"
)

// SegmenterConfig controls fragment/segment boundary policy and output
// naming, per spec.md §6.
type SegmenterConfig struct {
	SegmentDuration       time.Duration `mapstructure:"segment_duration"`
	FragmentDuration      time.Duration `mapstructure:"fragment_duration"`
	SegmentSAPAligned     bool          `mapstructure:"segment_sap_aligned"`
	FragmentSAPAligned    bool          `mapstructure:"fragment_sap_aligned"`
	NumSubsegmentsPerSidx int           `mapstructure:"num_subsegments_per_sidx"`
	SegmentTemplate       string        `mapstructure:"segment_template"`
	OutputFileName        string        `mapstructure:"output_file_name"`
	Bandwidth             uint32        `mapstructure:"bandwidth"`
	RepresentationID      string        `mapstructure:"representation_id"`
}

// EncryptionConfig controls CENC protection, per spec.md §3/§4.3.
type EncryptionConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ProtectionScheme string `mapstructure:"protection_scheme"` // cenc/cens/cbc1/cbcs
	KeyHex           string `mapstructure:"key"`
	KeyIDHex         string `mapstructure:"key_id"`
	ConstantIVHex    string `mapstructure:"constant_iv"`
	CryptByteBlock   uint8  `mapstructure:"crypt_byte_block"`
	SkipByteBlock    uint8  `mapstructure:"skip_byte_block"`
}

// OutputConfig controls where output goes and how much memory fragmenters
// may buffer before pkg/diskslice spills to disk.
type OutputConfig struct {
	Directory         string        `mapstructure:"directory"`
	TempDir           string        `mapstructure:"temp_dir"`
	MaxFragmentMemory bytesize.Size `mapstructure:"max_fragment_memory"`
}

// LoggingConfig is kept verbatim in shape from the teacher's own
// internal/config/config.go — this is domain-agnostic ambient plumbing.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Config is the top-level configuration record.
type Config struct {
	Segmenter  SegmenterConfig  `mapstructure:"segmenter"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Output     OutputConfig     `mapstructure:"output"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

const (
	defaultSegmentDuration       = 4 * time.Second
	defaultFragmentDuration      = 4 * time.Second
	defaultNumSubsegmentsPerSidx = 0
	defaultProtectionScheme      = "cenc"
	defaultMaxFragmentMemory     = 64 * bytesize.MB
	defaultLogLevel              = "info"
	defaultLogFormat             = "text"
)

// SetDefaults installs the package defaults into v, following the teacher's
// config.go convention of one SetDefaults function per load.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("segmenter.segment_duration", defaultSegmentDuration)
	v.SetDefault("segmenter.fragment_duration", defaultFragmentDuration)
	v.SetDefault("segmenter.segment_sap_aligned", true)
	v.SetDefault("segmenter.fragment_sap_aligned", true)
	v.SetDefault("segmenter.num_subsegments_per_sidx", defaultNumSubsegmentsPerSidx)
	v.SetDefault("segmenter.representation_id", "0")

	v.SetDefault("encryption.enabled", false)
	v.SetDefault("encryption.protection_scheme", defaultProtectionScheme)

	v.SetDefault("output.directory", ".")
	v.SetDefault("output.max_fragment_memory", int64(defaultMaxFragmentMemory))

	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.format", defaultLogFormat)
}

// Load reads configuration from configPath (if non-empty) and the
// environment, applying defaults first, matching the teacher's Load pattern.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("FMP4CENC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are only seen by Unmarshal when bound explicitly.
	for _, key := range []string{
		"segmenter.segment_template", "segmenter.output_file_name", "segmenter.bandwidth",
		"encryption.key", "encryption.key_id", "encryption.constant_iv",
		"encryption.crypt_byte_block", "encryption.skip_byte_block", "output.temp_dir",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants Load alone cannot enforce, per spec.md §7
// INVALID_ARGUMENT class ("malformed config").
func (c *Config) Validate() error {
	if c.Encryption.Enabled {
		switch c.Encryption.ProtectionScheme {
		case "cenc", "cens", "cbc1", "cbcs":
		default:
			return fmt.Errorf("invalid protection_scheme %q: must be one of cenc, cens, cbc1, cbcs", c.Encryption.ProtectionScheme)
		}
		if c.Encryption.KeyHex == "" || c.Encryption.KeyIDHex == "" {
			return fmt.Errorf("encryption.key and encryption.key_id are required when encryption.enabled is true")
		}
		isPattern := c.Encryption.ProtectionScheme == "cens" || c.Encryption.ProtectionScheme == "cbcs"
		if isPattern && c.Encryption.ConstantIVHex == "" {
			return fmt.Errorf("encryption.constant_iv is required for pattern schemes (cens/cbcs)")
		}
	}
	if c.Segmenter.SegmentDuration <= 0 {
		return fmt.Errorf("segmenter.segment_duration must be positive")
	}
	if c.Segmenter.FragmentDuration <= 0 {
		return fmt.Errorf("segmenter.fragment_duration must be positive")
	}
	return nil
}

// MaxFragmentMemoryBytes returns the configured buffering threshold as a
// plain int64 for pkg/diskslice.Options.
func (c *Config) MaxFragmentMemoryBytes() int64 {
	return int64(c.Output.MaxFragmentMemory)
}
