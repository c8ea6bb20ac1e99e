package main

import (
	"fmt"

	"github.com/spf13/cobra"

	convmemory "github.com/convmemlabs/convmemory-go"
)

func newImportCmd() *cobra.Command {
	var (
		dbPath string
		full   bool
		embed  embedderFlags
	)

	cmd := &cobra.Command{
		Use:   "import <source-dir>",
		Short: "Import transcripts from a directory into the knowledge base",
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

			ctx := cmd.Context()
			var stats *convmemory.SyncStats
			if full {
				stats, err = kb.FullSync(ctx, args[0])
			} else {
				stats, err = kb.IncrementalSync(ctx, args[0])
			}
			if err != nil {
				return err
			}

			fmt.Printf("processed %d, skipped %d, failed %d\n", stats.Processed, stats.Skipped, stats.Failed)
			for _, failure := range stats.Failures {
				fmt.Printf("  failed %s: %v\n", failure.Path, failure.Err)
			}
			if stats.Failed > 0 && stats.Processed == 0 && stats.Skipped == 0 {
				return fmt.Errorf("every file failed to import")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "database", "", "path to the knowledge base database")
	cmd.MarkFlagRequired("database")
	cmd.Flags().BoolVar(&full, "full", false, "re-import every transcript regardless of fingerprints")
	embed.register(cmd)
	return cmd
}
