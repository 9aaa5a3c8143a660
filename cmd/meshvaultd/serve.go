package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshvault/meshvault/internal/blobstore"
	"github.com/meshvault/meshvault/internal/dispatch"
	"github.com/meshvault/meshvault/internal/filesync"
	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/router"
	"github.com/meshvault/meshvault/internal/syncmaster"
	"github.com/meshvault/meshvault/internal/volume"
)

var (
	serveSyncDirs   []string
	serveBlobBucket string
	serveBlobRegion string
	serveBlobEndpoint string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP dispatch router and sync master for this node",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveSyncDirs, "sync-dir", nil, "file-tree directory to mirror alongside document sync (repeatable)")
	serveCmd.Flags().StringVar(&serveBlobBucket, "blob-bucket", "", "S3 bucket for properties marked remote (disabled if empty)")
	serveCmd.Flags().StringVar(&serveBlobRegion, "blob-region", "us-east-1", "S3 region for --blob-bucket")
	serveCmd.Flags().StringVar(&serveBlobEndpoint, "blob-endpoint", "", "S3-compatible endpoint override for --blob-bucket")
}

// seederProvider adapts a map of named Seeders to syncmaster.FileSyncProvider.
type seederProvider map[string]*filesync.Seeder

func (p seederProvider) Get(name string) syncmaster.FileSyncer {
	s, ok := p[name]
	if !ok {
		return nil
	}
	return s
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	vol, err := volume.Open(cfg.Storage.Root)
	if err != nil {
		return err
	}
	defer vol.Close()

	if serveBlobBucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		blobs, err := blobstore.New(ctx, blobstore.Config{
			Bucket:   serveBlobBucket,
			Region:   serveBlobRegion,
			Endpoint: serveBlobEndpoint,
		})
		cancel()
		if err != nil {
			return err
		}
		log.Printf("serve: remote blob storage enabled on bucket %s", serveBlobBucket)
		for name, meta := range builtinDocuments() {
			dir, err := vol.OpenDirectory(name, meta, directoryConfigFrom(cfg))
			if err != nil {
				return err
			}
			dir.UseBlobStore(blobs)
		}
	} else {
		for name, meta := range builtinDocuments() {
			if _, err := vol.OpenDirectory(name, meta, directoryConfigFrom(cfg)); err != nil {
				return err
			}
		}
	}

	seeders, err := filesync.Seeders(serveSyncDirs, cfg.Storage.Root, vol.SeqnoSource())
	if err != nil {
		return err
	}

	master := syncmaster.New(cfg.Global.NodeGUID, vol, seederProvider(seeders), syncmaster.Config{
		PullCacheSize: cfg.Sync.PullCacheSize,
	})

	registry := dispatch.NewRegistry()
	if err := registry.Register(&dispatch.Command{
		Scope:    dispatch.ScopeVolume,
		Method:   "POST",
		Cmd:      "push",
		Callback: master.Push,
	}); err != nil {
		return err
	}
	if err := registry.Register(&dispatch.Command{
		Scope:    dispatch.ScopeVolume,
		Method:   "GET",
		Cmd:      "pull",
		Callback: master.Pull,
	}); err != nil {
		return err
	}
	if err := registerDocumentCommands(registry, vol); err != nil {
		return err
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        true,
		Port:           cfg.Global.MetricsPort,
		Path:           "/metrics",
		Namespace:      "meshvault",
		UpdateInterval: 30 * time.Second,
	})
	if err != nil {
		return err
	}
	registry.Metrics = collector
	for _, name := range vol.Names() {
		vol.Directory(name).UseMetrics(collector)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := collector.Start(ctx); err != nil {
		return err
	}

	srv := router.NewServer(router.Config{
		Address:      cfg.HTTP.Address,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		EnableCORS:   cfg.HTTP.EnableCORS,
	}, registry, nil, vol.Bus())
	srv.StartBackground()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("serve: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
