package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
	"github.com/jmylchreest/mediapipe/internal/pipeline/registry"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Inspect the static stage registry",
}

var stagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered stage as YAML",
	Long: `list enumerates the twelve-stage registry in execution order: name,
ordinal, execution environment, which workflows require it, and whether its
outputs are cacheable. It is a read-only inspection command an operator can
run before submitting a job, to see what a given workflow will execute.`,
	RunE: runStagesList,
}

// stageSummary is the YAML-friendly projection of a core.StageDescriptor;
// the descriptor itself carries a Gate func value that can't marshal.
type stageSummary struct {
	Ordinal      int      `yaml:"ordinal"`
	Name         string   `yaml:"name"`
	Environment  string   `yaml:"environment"`
	MandatoryFor []string `yaml:"mandatory_for"`
	Required     bool     `yaml:"required"`
	Cacheable    bool     `yaml:"cacheable"`
	FanOut       bool     `yaml:"fan_out_per_target_language,omitempty"`
	Isolate      bool     `yaml:"isolate,omitempty"`
	Gated        bool     `yaml:"gated,omitempty"`
}

func init() {
	stagesCmd.AddCommand(stagesListCmd)
	rootCmd.AddCommand(stagesCmd)
}

func runStagesList(cmd *cobra.Command, args []string) error {
	var summaries []stageSummary
	for _, d := range registry.All() {
		var workflows []string
		for _, w := range []string{"transcribe", "translate", "subtitle"} {
			if d.MandatoryFor[core.Workflow(w)] {
				workflows = append(workflows, w)
			}
		}
		summaries = append(summaries, stageSummary{
			Ordinal:      d.Ordinal,
			Name:         d.Name,
			Environment:  d.Environment,
			MandatoryFor: workflows,
			Required:     d.Required,
			Cacheable:    d.Cacheable,
			FanOut:       d.FanOutPerTargetLanguage,
			Isolate:      d.Isolate,
			Gated:        d.Gate != nil,
		})
	}

	data, err := yaml.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("marshaling stage registry: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
