package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshvault/meshvault/internal/cache"
	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/mount"
	"github.com/meshvault/meshvault/internal/volume"
)

var (
	mountPoint     string
	mountAllowOther bool
	mountDebug     bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "mount a read-only FUSE projection of this node's volume",
	Args:  cobra.ExactArgs(1),
	RunE:  runMount,
}

func init() {
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "allow other users to access the mount")
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "log every FUSE operation")
}

func runMount(cmd *cobra.Command, args []string) error {
	mountPoint = args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	vol, err := volume.Open(cfg.Storage.Root)
	if err != nil {
		return err
	}
	defer vol.Close()

	for name, meta := range builtinDocuments() {
		if _, err := vol.OpenDirectory(name, meta, directoryConfigFrom(cfg)); err != nil {
			return err
		}
	}

	recordCache := cache.NewLRUCache(&cache.CacheConfig{
		MaxSize:    64 << 20,
		MaxEntries: 4096,
	})
	perf := metrics.NewDetailedPerformanceMetrics(1024, false)

	fsys := mount.New(vol, recordCache, perf, nil)
	manager := mount.NewManager(fsys, mountPoint, &mount.Options{
		AllowOther: mountAllowOther,
		Debug:      mountDebug,
	})

	if err := manager.Mount(); err != nil {
		return err
	}
	log.Printf("mount: ready at %s (ctrl-c to unmount)", mountPoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return manager.Unmount()
}
