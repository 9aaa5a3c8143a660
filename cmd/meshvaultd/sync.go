package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/meshvault/meshvault/internal/filesync"
	"github.com/meshvault/meshvault/internal/syncsat"
	"github.com/meshvault/meshvault/internal/volume"
)

var (
	syncDir          string
	syncMasterGUID   string
	syncAcceptBytes  int64
	syncFileDirs     []string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "trade sync packets with a master over a removable or shared directory",
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "write this node's outstanding changes to a sneakernet directory",
	RunE:  runSyncRound("push"),
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "import packets waiting in a sneakernet directory",
	RunE:  runSyncRound("pull"),
}

func init() {
	for _, c := range []*cobra.Command{syncPushCmd, syncPullCmd} {
		c.Flags().StringVar(&syncDir, "dir", "", "sneakernet directory (USB mount, shared folder) to trade packets through (required)")
		c.Flags().StringVar(&syncMasterGUID, "master-guid", "", "GUID of the master this node syncs against")
		c.Flags().Int64Var(&syncAcceptBytes, "max-bytes", 0, "cap on the outgoing packet size (0 for unbounded)")
		c.Flags().StringSliceVar(&syncFileDirs, "sync-dir", nil, "file-tree directory mirrored alongside documents (repeatable)")
		_ = c.MarkFlagRequired("dir")
	}
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
}

// runSyncRound builds the RunE for both push and pull: a single
// Satellite.SyncOnce round already imports whatever packets are
// waiting and writes an outgoing one in the same pass, so both
// subcommands share this implementation and differ only in the
// operator-facing label (mirroring the git push/pull framing the spec
// names them after).
func runSyncRound(label string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
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

		leechers, err := filesync.Leechers(syncFileDirs, cfg.Sync.SneakernetDir)
		if err != nil {
			return err
		}
		files := make(map[string]syncsat.FileLeecher, len(leechers))
		for name, l := range leechers {
			files[name] = l
		}

		sat, err := syncsat.New(syncsat.Config{
			NodeGUID:   cfg.Global.NodeGUID,
			MasterGUID: syncMasterGUID,
			StateDir:   cfg.Sync.SneakernetDir,
		}, vol, vol.SeqnoSource(), vol.Bus(), files)
		if err != nil {
			return err
		}

		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetDescription(fmt.Sprintf("sync %s: %s", label, syncDir)),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetWriter(color.Output),
		)

		var rounds int
		for {
			more, err := sat.SyncOnce(syncDir, syncAcceptBytes)
			rounds++
			_ = bar.Add(1)
			if err != nil {
				_ = bar.Finish()
				color.Red("sync %s failed after %d round(s): %v", label, rounds, err)
				return err
			}
			if !more {
				break
			}
		}
		_ = bar.Finish()
		color.Green("sync %s complete: %d round(s) against %s", label, rounds, syncDir)
		return nil
	}
}
