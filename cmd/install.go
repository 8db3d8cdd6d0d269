package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hibiki-player/hibiki/internal/daemon"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Register the daemon as a launchd agent",
	Long: `Register the daemon as a per-user launchd agent, so playback starts at
login and keeps running in the background.

The plist is written to ~/Library/LaunchAgents and loaded immediately.
Running install again replaces an existing agent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		// launchd needs the real path, not a symlink into a bin dir
		binary, err = filepath.EvalSymlinks(binary)
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}

		logDir, err := daemon.LogDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}

		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}

		plist, err := daemon.Plist(binary, logDir, home)
		if err != nil {
			return err
		}
		plistPath, err := daemon.PlistPath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
			return fmt.Errorf("create LaunchAgents directory: %w", err)
		}

		if _, err := os.Stat(plistPath); err == nil {
			fmt.Println("Agent already installed, replacing it.")
			if err := bootoutAgent(); err != nil {
				fmt.Printf("Warning: could not unload the old agent: %v\n", err)
			}
		}

		if err := os.WriteFile(plistPath, []byte(plist), 0644); err != nil {
			return fmt.Errorf("write plist: %w", err)
		}
		fmt.Printf("✓ Wrote %s\n", plistPath)

		if err := bootstrapAgent(plistPath); err != nil {
			return err
		}

		fmt.Println("✓ Agent loaded, daemon running")
		fmt.Printf("✓ Logs go to %s\n", logDir)
		fmt.Println("\nhibiki now starts automatically at login.")
		fmt.Println("Check on it with:  launchctl list | grep hibiki")
		fmt.Println("Remove it with:    hibiki uninstall")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}

// userDomain is the launchctl GUI domain of the invoking user.
func userDomain() (string, error) {
	out, err := exec.Command("id", "-u").Output()
	if err != nil {
		return "", fmt.Errorf("look up uid: %w", err)
	}
	return "gui/" + strings.TrimSpace(string(out)), nil
}

func bootstrapAgent(plistPath string) error {
	domain, err := userDomain()
	if err != nil {
		return err
	}
	out, err := exec.Command("launchctl", "bootstrap", domain, plistPath).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("launchctl bootstrap: %s", msg)
		}
		return fmt.Errorf("launchctl bootstrap: %w", err)
	}
	return nil
}

func bootoutAgent() error {
	domain, err := userDomain()
	if err != nil {
		return err
	}
	out, err := exec.Command("launchctl", "bootout", domain+"/"+daemon.Label).CombinedOutput()
	if err != nil {
		// bootout complains when the agent isn't loaded; treat every
		// failure as advisory, removal still proceeds
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("launchctl bootout: %s", msg)
		}
		return fmt.Errorf("launchctl bootout: %w", err)
	}
	return nil
}
