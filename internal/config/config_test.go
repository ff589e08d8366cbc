package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fmp4cenc/pkg/bytesize"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 4*time.Second, cfg.Segmenter.SegmentDuration)
	assert.Equal(t, 4*time.Second, cfg.Segmenter.FragmentDuration)
	assert.True(t, cfg.Segmenter.SegmentSAPAligned)
	assert.True(t, cfg.Segmenter.FragmentSAPAligned)
	assert.Equal(t, 0, cfg.Segmenter.NumSubsegmentsPerSidx)
	assert.Equal(t, "0", cfg.Segmenter.RepresentationID)

	assert.False(t, cfg.Encryption.Enabled)
	assert.Equal(t, "cenc", cfg.Encryption.ProtectionScheme)

	assert.Equal(t, ".", cfg.Output.Directory)
	assert.Equal(t, 64*bytesize.MB, cfg.Output.MaxFragmentMemory)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
segmenter:
  segment_duration: 6s
  fragment_duration: 2s
  representation_id: "video-1"

encryption:
  enabled: true
  protection_scheme: "cbcs"
  key: "0123456789abcdef0123456789abcdef"
  key_id: "fedcba9876543210fedcba9876543210"
  constant_iv: "0011223344556677"

output:
  directory: "/var/lib/fmp4cenc/out"

logging:
  level: "debug"
  format: "json"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 6*time.Second, cfg.Segmenter.SegmentDuration)
	assert.Equal(t, 2*time.Second, cfg.Segmenter.FragmentDuration)
	assert.Equal(t, "video-1", cfg.Segmenter.RepresentationID)
	assert.True(t, cfg.Encryption.Enabled)
	assert.Equal(t, "cbcs", cfg.Encryption.ProtectionScheme)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Encryption.KeyHex)
	assert.Equal(t, "/var/lib/fmp4cenc/out", cfg.Output.Directory)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FMP4CENC_SEGMENTER_SEGMENT_DURATION", "10s")
	t.Setenv("FMP4CENC_ENCRYPTION_ENABLED", "true")
	t.Setenv("FMP4CENC_ENCRYPTION_PROTECTION_SCHEME", "cens")
	t.Setenv("FMP4CENC_ENCRYPTION_KEY", "00112233445566778899aabbccddeeff")
	t.Setenv("FMP4CENC_ENCRYPTION_KEY_ID", "ffeeddccbbaa99887766554433221100")
	t.Setenv("FMP4CENC_ENCRYPTION_CONSTANT_IV", "0123456789abcdef")
	t.Setenv("FMP4CENC_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 10*time.Second, cfg.Segmenter.SegmentDuration)
	assert.True(t, cfg.Encryption.Enabled)
	assert.Equal(t, "cens", cfg.Encryption.ProtectionScheme)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
segmenter:
  segment_duration: 4s
output:
  directory: "./file-output"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("FMP4CENC_SEGMENTER_SEGMENT_DURATION", "9s")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9*time.Second, cfg.Segmenter.SegmentDuration)
	assert.Equal(t, "./file-output", cfg.Output.Directory)
}

func validConfig() *Config {
	return &Config{
		Segmenter: SegmenterConfig{
			SegmentDuration:  4 * time.Second,
			FragmentDuration: 4 * time.Second,
		},
		Encryption: EncryptionConfig{Enabled: false},
		Output:     OutputConfig{Directory: "."},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_RequiresPositiveSegmentDuration(t *testing.T) {
	cfg := validConfig()
	cfg.Segmenter.SegmentDuration = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "segment_duration")
}

func TestValidate_RequiresPositiveFragmentDuration(t *testing.T) {
	cfg := validConfig()
	cfg.Segmenter.FragmentDuration = -1 * time.Second
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "fragment_duration")
}

func TestValidate_InvalidProtectionScheme(t *testing.T) {
	cfg := validConfig()
	cfg.Encryption.Enabled = true
	cfg.Encryption.ProtectionScheme = "aes-gcm"
	cfg.Encryption.KeyHex = "0123456789abcdef0123456789abcdef"
	cfg.Encryption.KeyIDHex = "fedcba9876543210fedcba9876543210"

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "protection_scheme")
}

func TestValidate_EncryptionRequiresKeyAndKeyID(t *testing.T) {
	cfg := validConfig()
	cfg.Encryption.Enabled = true
	cfg.Encryption.ProtectionScheme = "cenc"

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "key")
}

func TestValidate_PatternSchemeRequiresConstantIV(t *testing.T) {
	for _, scheme := range []string{"cens", "cbcs"} {
		t.Run(scheme, func(t *testing.T) {
			cfg := validConfig()
			cfg.Encryption.Enabled = true
			cfg.Encryption.ProtectionScheme = scheme
			cfg.Encryption.KeyHex = "0123456789abcdef0123456789abcdef"
			cfg.Encryption.KeyIDHex = "fedcba9876543210fedcba9876543210"

			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "constant_iv")
		})
	}
}

func TestValidate_FullCbcsAndCenc(t *testing.T) {
	for _, scheme := range []string{"cenc", "cens", "cbc1", "cbcs"} {
		t.Run(scheme, func(t *testing.T) {
			cfg := validConfig()
			cfg.Encryption.Enabled = true
			cfg.Encryption.ProtectionScheme = scheme
			cfg.Encryption.KeyHex = "0123456789abcdef0123456789abcdef"
			cfg.Encryption.KeyIDHex = "fedcba9876543210fedcba9876543210"
			if scheme == "cens" || scheme == "cbcs" {
				cfg.Encryption.ConstantIVHex = "0011223344556677"
			}

			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestMaxFragmentMemoryBytes(t *testing.T) {
	cfg := validConfig()
	cfg.Output.MaxFragmentMemory = 128 * bytesize.MB
	assert.Equal(t, int64(128*bytesize.MB), cfg.MaxFragmentMemoryBytes())
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
segmenter:
  segment_duration: "not a duration"
  invalid yaml structure
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
