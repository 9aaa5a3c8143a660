package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshvault/meshvault/internal/config"
	"github.com/meshvault/meshvault/internal/directory"
)

var (
	configFile string
	nodeGUID   string
)

var rootCmd = &cobra.Command{
	Use:   "meshvaultd",
	Short: "meshvaultd runs a mesh node: sync dispatch, sneakernet sync, and FUSE mount",
	Long: `meshvaultd is the node daemon for a schema-driven, node-local
document store that replicates peer-to-peer over HTTP or removable
media instead of a central database.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML configuration file (defaults built in if omitted)")
	rootCmd.PersistentFlags().StringVar(&nodeGUID, "node-guid", "", "override global.node_guid from the config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(mountCmd)
}

// loadConfig builds the effective configuration: defaults, then the
// file at --config if given, then environment overrides, then the
// --node-guid flag, matching LoadFromFile/LoadFromEnv's own precedence.
func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", configFile, err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if nodeGUID != "" {
		cfg.Global.NodeGUID = nodeGUID
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// directoryConfigFrom derives a directory.Config from the node's queue
// and index tuning, shared by every subcommand that opens a volume.
func directoryConfigFrom(cfg *config.Configuration) directory.Config {
	return directory.Config{
		QueueDepth:     cfg.Queue.Depth,
		FlushTimeout:   cfg.Queue.PerDocumentFlush,
		FlushThreshold: cfg.Index.FlushThreshold,
	}
}
