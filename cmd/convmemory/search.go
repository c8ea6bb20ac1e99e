package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	convmemory "github.com/convmemlabs/convmemory-go"
)

func newSearchCmd() *cobra.Command {
	var (
		dbPath        string
		topK          int
		conversations []string
		metaFilters   []string
		embed         embedderFlags
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored turns by semantic similarity",
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

			opts := convmemory.SearchOptions{
				TopK:            topK,
				ConversationIDs: conversations,
			}
			for _, raw := range metaFilters {
				key, value, ok := strings.Cut(raw, "=")
				if !ok {
					return fmt.Errorf("invalid --meta filter %q, want key=value", raw)
				}
				opts.MetaEquals = append(opts.MetaEquals, convmemory.MetaFilter{Key: key, Value: value})
			}

			hits, err := kb.SearchByText(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Println("no results")
				return nil
			}
			for i, hit := range hits {
				fmt.Printf("%2d. [%.4f] %s #%d\n", i+1, hit.Score, hit.ConversationID, hit.TurnIndex)
				if hit.UserText != "" {
					fmt.Printf("    user: %s\n", firstLine(hit.UserText))
				}
				if hit.AssistantText != "" {
					fmt.Printf("    assistant: %s\n", firstLine(hit.AssistantText))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "database", "", "path to the knowledge base database")
	cmd.MarkFlagRequired("database")
	cmd.Flags().IntVar(&topK, "top-k", 10, "maximum number of results")
	cmd.Flags().StringSliceVar(&conversations, "conversation", nil, "restrict to conversation IDs")
	cmd.Flags().StringSliceVar(&metaFilters, "meta", nil, "metadata equality filters, key=value")
	embed.register(cmd)
	return cmd
}

// firstLine bounds terminal output to one reasonably short line.
func firstLine(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	runes := []rune(line)
	if len(runes) > 120 {
		line = string(runes[:120]) + "..."
	}
	return line
}
