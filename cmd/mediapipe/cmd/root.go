// Package cmd implements the CLI commands for mediapipe.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/mediapipe/internal/pipelog"
	"github.com/jmylchreest/mediapipe/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	jobRoot   string

	// logger is the process-wide base logger built in PersistentPreRunE.
	// Subcommands derive job/stage loggers from it via pipelog.ForJob.
	logger    *slog.Logger
	logConfig pipelog.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "mediapipe",
	Short:   "Context-aware media transcription, translation, and subtitling pipeline",
	Version: version.Short(),
	Long: `mediapipe drives a twelve-stage media pipeline — demux, metadata
enrichment, glossary loading, source separation, VAD, ASR, alignment,
lyrics detection, hallucination removal, translation, subtitle generation,
and muxing — through one of three workflows (transcribe, translate,
subtitle), with content-addressed caching and per-stage subprocess
isolation.

It does not implement the ASR/alignment/translation models themselves;
those run as opaque subprocesses resolved from the environment.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	defaultJobRoot := filepath.Join(home, ".local", "share", "mediapipe", "jobs")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "process defaults file (default is $HOME/.mediapipe.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&jobRoot, "job-root", defaultJobRoot, "base directory under which job directories are created")

	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	mustBindPFlag("job_root", rootCmd.PersistentFlags().Lookup("job-root"))
}

// initConfig reads in a process-defaults config file and MEDIAPIPE_ env
// variables, layering viper before any subcommand runs. This governs only
// CLI-level settings (logging, where job directories live); per-job
// pipeline settings are layered separately by internal/jobconfig when a job
// is prepared or run.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/mediapipe")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mediapipe")
	}

	viper.SetEnvPrefix("MEDIAPIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if v := viper.GetString("job_root"); v != "" {
		jobRoot = v
	}
}

// initLogging builds the process-wide logger once flags/env are resolved.
func initLogging() error {
	logConfig = pipelog.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	}
	logger = pipelog.New(logConfig, os.Stderr)
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
