package cmd

import (
	"fmt"
	"reflect"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/mediapipe/internal/config"
	"github.com/jmylchreest/mediapipe/internal/jobconfig"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Job configuration commands",
	Long:  `Commands for inspecting the layered job configuration (internal/jobconfig).`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default job configuration",
	Long: `Dump the default job configuration values in YAML format.

This shows every recognized job config key with its default value. Redirect
the output to a file to use as a starting point for a job override file
passed to "mediapipe prepare --config":

  mediapipe config dump > job.yaml

Job config is layered as:
  - built-in defaults (this command's output)
  - a job override file (YAML, passed via --config to "prepare")
  - environment variables using the MEDIAPIPE_ prefix and underscores
    for nesting, e.g. asr.model_id -> MEDIAPIPE_ASR_MODEL_ID`,
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
		case config.ByteSize:
			result[key] = v.String()
		case config.Duration:
			result[key] = v.String()
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
	cfg, err := jobconfig.Load("")
	if err != nil {
		return fmt.Errorf("loading job config defaults: %w", err)
	}

	cfgMap := toMap(cfg)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# mediapipe job configuration")
	fmt.Println("# ============================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 30d")
	fmt.Println("# Size format: 5MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides use the MEDIAPIPE_ prefix, e.g.:")
	fmt.Println("#   MEDIAPIPE_ASR_MODEL_ID, MEDIAPIPE_CACHE_MAX_BYTES")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
