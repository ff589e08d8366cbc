package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/fmp4cenc/internal/config"
	"github.com/jmylchreest/fmp4cenc/pkg/bytesize"
	"github.com/jmylchreest/fmp4cenc/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing fmp4cenc configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  fmp4cenc config dump > config.yaml

Configuration can be set via:
  - Config file (--config, or .fmp4cenc.yaml in $HOME, the current directory or /etc/fmp4cenc)
  - Environment variables (FMP4CENC_SEGMENTER_SEGMENT_DURATION, FMP4CENC_ENCRYPTION_KEY, etc.)
  - Command-line flags (for some options)

Environment variables use the FMP4CENC_ prefix and underscores for nesting.
Example: segmenter.segment_duration -> FMP4CENC_SEGMENTER_SEGMENT_DURATION`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations and sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Tag.Get("yaml")
		}
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		case bytesize.Size:
			result[key] = bytesize.Format(v)
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfgMap := toMap(cfg)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# fmp4cenc Configuration File")
	fmt.Println("# ===========================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("# Size format: 5MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   FMP4CENC_SEGMENTER_SEGMENT_DURATION, FMP4CENC_SEGMENTER_FRAGMENT_DURATION")
	fmt.Println("#   FMP4CENC_ENCRYPTION_ENABLED, FMP4CENC_ENCRYPTION_KEY, FMP4CENC_ENCRYPTION_KEY_ID")
	fmt.Println("#   FMP4CENC_OUTPUT_DIRECTORY, FMP4CENC_LOGGING_LEVEL, FMP4CENC_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
