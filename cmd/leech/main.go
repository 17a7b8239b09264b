// Command leech is a BitTorrent v1 leeching client: given a .torrent
// metainfo file, it downloads every piece to disk and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"leech/metainfo"
	"leech/peerid"
	"leech/piecestore"
	"leech/status"
	"leech/swarm"
	"leech/tracker"
)

// listenPort is advertised to trackers in the announce request. This
// client never accepts inbound connections, but BEP 3 still expects a
// port field.
const listenPort = 6881

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "leech",
		Short: "A BitTorrent v1 leeching client",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newDownloadCmd(&verbose))
	return root
}

func newDownloadCmd(verbose *bool) *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "download <metainfo-file>",
		Short: "Download every piece described by a .torrent file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			root := resolveOutputDir(outputDir)
			return runDownload(cmd.Context(), args[0], root, log)
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory to write downloaded files into (default: $LEECH_DOWNLOAD_ROOT or ./downloads)")
	return cmd
}

func newLogger(verbose bool) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(l)
}

func resolveOutputDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envRoot := os.Getenv("LEECH_DOWNLOAD_ROOT"); envRoot != "" {
		return envRoot
	}
	return "./downloads"
}

func runDownload(ctx context.Context, metainfoPath, outputDir string, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(metainfoPath)
	if err != nil {
		return fmt.Errorf("read metainfo file: %w", err)
	}
	t, err := metainfo.Load(data)
	if err != nil {
		return fmt.Errorf("parse metainfo file: %w", err)
	}
	log.WithFields(logrus.Fields{
		"name":   t.Name,
		"pieces": t.NumPieces(),
		"size":   t.TotalLength,
	}).Info("loaded torrent")

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	store, err := piecestore.Open(t, outputDir, log.WithField("component", "piecestore"))
	if err != nil {
		return fmt.Errorf("open piece store: %w", err)
	}
	defer store.Close()

	if store.CompletionRatio() >= 1 {
		log.Info("all pieces already present, nothing to do")
		return nil
	}

	trk, err := tracker.NewTiered(t.AnnounceTiers, log.WithField("component", "tracker"))
	if err != nil {
		return fmt.Errorf("build tracker client: %w", err)
	}

	peerID := peerid.New()
	sv := swarm.New(t, store, trk, peerID, listenPort, log.WithField("component", "swarm"))

	reporter := status.New(t, store, sv, os.Stdout, 0)
	go reporter.Run(ctx)

	if err := sv.Run(ctx); err != nil {
		return fmt.Errorf("swarm: %w", err)
	}

	if store.CompletionRatio() < 1 {
		return fmt.Errorf("download stopped before completion: %d/%d pieces missing", len(store.MissingPieces()), t.NumPieces())
	}
	log.Info("download complete")
	return nil
}
