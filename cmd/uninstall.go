package cmd

import (
	"fmt"
	"os"

	"github.com/hibiki-player/hibiki/internal/daemon"
	"github.com/spf13/cobra"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the launchd agent",
	Long: `Stop the daemon, unload it from launchd and delete the agent's plist
from ~/Library/LaunchAgents. Music files, configuration and play
statistics are left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plistPath, err := daemon.PlistPath()
		if err != nil {
			return err
		}

		if _, err := os.Stat(plistPath); os.IsNotExist(err) {
			fmt.Println("No agent installed, nothing to do.")
			return nil
		}

		if err := bootoutAgent(); err != nil {
			fmt.Printf("Warning: could not unload the agent: %v\n", err)
		} else {
			fmt.Println("✓ Daemon stopped")
		}

		if err := os.Remove(plistPath); err != nil {
			return fmt.Errorf("remove plist: %w", err)
		}
		fmt.Printf("✓ Removed %s\n", plistPath)
		fmt.Println("\nhibiki will no longer start at login. Reinstall with:  hibiki install")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}
