package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mediapipe/internal/config"
	"github.com/jmylchreest/mediapipe/internal/jobconfig"
	"github.com/jmylchreest/mediapipe/internal/pipeline/cache"
)

var (
	cacheGCRoot     string
	cacheGCMaxBytes string
	cacheGCTTL      string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Artifact cache maintenance commands",
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Evict expired and excess cache entries",
	Long: `gc runs the same eviction sweep the cache store performs automatically
after a store pushes it over its configured size: TTL-expired entries are
deleted first, then least-recently-used entries until the store is back
under its size cap. Run it directly to reclaim space without waiting for
the next job.`,
	RunE: runCacheGC,
}

func init() {
	defaults, _ := jobconfig.Load("")
	defaultRoot := "~/.cache/mediapipe/artifacts"
	defaultMaxBytes := "20GB"
	defaultTTL := "30d"
	if defaults != nil {
		if defaults.Cache.Root != "" {
			defaultRoot = defaults.Cache.Root
		}
		defaultMaxBytes = defaults.Cache.MaxSize.String()
		defaultTTL = defaults.Cache.TTL.String()
	}

	cacheGCCmd.Flags().StringVar(&cacheGCRoot, "root", defaultRoot, "cache store root directory")
	cacheGCCmd.Flags().StringVar(&cacheGCMaxBytes, "max-bytes", defaultMaxBytes, "size cap to evict down to, e.g. 20GB")
	cacheGCCmd.Flags().StringVar(&cacheGCTTL, "ttl", defaultTTL, "entries older than this are evicted regardless of size, e.g. 30d")

	cacheCmd.AddCommand(cacheGCCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheGC(cmd *cobra.Command, args []string) error {
	root := expandHome(cacheGCRoot)
	store, err := cache.Open(root)
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}

	maxBytes, err := config.ParseByteSize(cacheGCMaxBytes)
	if err != nil {
		return fmt.Errorf("parsing --max-bytes: %w", err)
	}
	ttl, err := config.ParseDuration(cacheGCTTL)
	if err != nil {
		return fmt.Errorf("parsing --ttl: %w", err)
	}

	evicted, err := store.Evict(context.Background(), int64(maxBytes), ttl.Duration())
	if err != nil {
		return fmt.Errorf("evicting cache entries: %w", err)
	}
	fmt.Printf("evicted %d cache entries from %s\n", evicted, root)
	return nil
}
