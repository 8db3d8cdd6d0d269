package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hibiki-player/hibiki/internal/config"
	"github.com/hibiki-player/hibiki/internal/stats"
)

var statsLimit int

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the most played songs",
	Long: `Show the most played songs from the play log.

The play log is written by the daemon while playing from a local
library, and drives the play-count based shuffle modes.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().IntVarP(&statsLimit, "limit", "n", 20, "Number of songs to show")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := stats.Open(cfg.StatsDB, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open play log: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	songs, err := store.TopPlayed(ctx, statsLimit)
	if err != nil {
		return fmt.Errorf("failed to read play log: %w", err)
	}
	if len(songs) == 0 {
		fmt.Println("No plays recorded yet.")
		return nil
	}

	for i, s := range songs {
		line := fmt.Sprintf("%3d. %s", i+1, s.Title)
		if s.Artist != "" {
			line += " - " + s.Artist
		}
		fmt.Printf("%s (%d plays, last %s)\n", line, s.PlayCount, s.LastPlayed.Format("2006-01-02"))
	}
	return nil
}
