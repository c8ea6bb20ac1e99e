package main

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	convmemory "github.com/convmemlabs/convmemory-go"
	"github.com/convmemlabs/convmemory-go/internal/adapters/filewatcher"
	"github.com/convmemlabs/convmemory-go/internal/domain/ports"
)

func newWatchCmd() *cobra.Command {
	var (
		dbPath string
		embed  embedderFlags
	)

	cmd := &cobra.Command{
		Use:   "watch <source-dir>",
		Short: "Watch a directory and import transcripts as they change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			embedder, cleanup, err := embed.build()
			if err != nil {
				return err
			}
			defer cleanup()

			kb, err := convmemory.Open(dbPath, convmemory.WithEmbedder(embedder))
			if err != nil {
				return fmt.Errorf("opening knowledge base: %w", err)
			}
			defer kb.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Catch up before tailing events.
			stats, err := kb.IncrementalSync(ctx, args[0])
			if err != nil {
				return err
			}
			log.Printf("initial sync: processed %d, skipped %d, failed %d", stats.Processed, stats.Skipped, stats.Failed)

			watcher, err := filewatcher.NewFSNotifyWatcher(kb.TranscriptMatcher())
			if err != nil {
				return fmt.Errorf("creating watcher: %w", err)
			}
			defer watcher.Stop()

			events, err := watcher.Watch(ctx, args[0])
			if err != nil {
				return fmt.Errorf("watching %s: %w", args[0], err)
			}
			log.Printf("watching %s", args[0])

			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-events:
					if !ok {
						return nil
					}
					if event.Operation == ports.FileDeleted {
						continue
					}
					if err := kb.SyncFile(ctx, event.Path); err != nil {
						log.Printf("import %s: %v", event.Path, err)
						continue
					}
					log.Printf("imported %s", event.Path)
				}
			}
		},
	}

	cmd.Flags().StringVar(&dbPath, "database", "", "path to the knowledge base database")
	cmd.MarkFlagRequired("database")
	embed.register(cmd)
	return cmd
}
