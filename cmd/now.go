/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/hibiki-player/hibiki/internal/config"
	"github.com/hibiki-player/hibiki/internal/state"
)

// nowCmd represents the now command
var nowCmd = &cobra.Command{
	Use:   "now",
	Short: "Display the currently playing song",
	Long: `Read the daemon's state file and display the currently playing song.

The output format can be customized in ~/.config/hibiki/config.yaml
using a Go template. Available fields: .Title, .Artist, .Album, .Favourite

Exit codes:
  0 - A song is currently playing
  1 - Nothing playing, or the daemon is not running`,
	RunE: runNow,
}

func init() {
	rootCmd.AddCommand(nowCmd)

	nowCmd.Flags().StringP("format", "f", "", "Output format template (overrides config)")
	nowCmd.Flags().IntP("width", "w", 0, "Fixed output width (0=disabled, overrides config)")
	nowCmd.Flags().Bool("marquee", false, "Enable marquee scrolling for long text (overrides config)")
}

// nowInfo is the data handed to the output template.
type nowInfo struct {
	Title     string
	Artist    string
	Album     string
	Favourite bool
}

func runNow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	formatFlag, _ := cmd.Flags().GetString("format")
	if formatFlag != "" {
		cfg.OutputFormat = formatFlag
	}

	snap, err := state.Read(cfg.StateFile)
	if err != nil {
		// No state file means no daemon; quiet exit for status bars
		os.Exit(1)
	}
	if !snap.Playing || snap.Title == "" {
		os.Exit(1)
	}

	output, err := formatSnapshot(snap, cfg.OutputFormat)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}

	width, _ := cmd.Flags().GetInt("width")
	if width == 0 {
		width = cfg.OutputWidth
	}

	marquee, _ := cmd.Flags().GetBool("marquee")
	if !cmd.Flags().Changed("marquee") {
		marquee = cfg.MarqueeEnabled
	}

	if width > 0 {
		if marquee {
			output = marqueeText(output, width, cfg.MarqueeSpeed, cfg.MarqueeSeparator)
		} else {
			output = padToWidth(output, width)
		}
	}

	fmt.Println(output)
	return nil
}

// formatSnapshot applies the template to the now-playing data
func formatSnapshot(snap state.Snapshot, templateStr string) (string, error) {
	tmpl, err := template.New("output").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	info := nowInfo{
		Title:     snap.Title,
		Artist:    strings.Join(snap.Artists, ", "),
		Album:     snap.Album,
		Favourite: snap.Favourite,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, info); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}
	return buf.String(), nil
}

// padToWidth pads or truncates text to a fixed display width, measured
// in display columns so wide Unicode characters count correctly. Text
// longer than width is truncated with a "..." suffix.
func padToWidth(text string, width int) string {
	if width <= 0 {
		return text
	}

	currentWidth := runewidth.StringWidth(text)
	if currentWidth > width {
		ellipsis := "..."
		ellipsisWidth := runewidth.StringWidth(ellipsis)
		if width <= ellipsisWidth {
			return runewidth.Truncate(ellipsis, width, "")
		}
		result := runewidth.Truncate(text, width-ellipsisWidth, "") + ellipsis
		if resultWidth := runewidth.StringWidth(result); resultWidth < width {
			return result + strings.Repeat(" ", width-resultWidth)
		}
		return runewidth.Truncate(result, width, "")
	}
	if currentWidth < width {
		return text + strings.Repeat(" ", width-currentWidth)
	}
	return text
}

// marqueeText scrolls text that exceeds the target width. The scroll
// position is derived from the wall clock (speed columns per second) so
// repeated invocations from a status bar advance the window without any
// state between calls.
func marqueeText(text string, width int, speed int, separator string) string {
	if width <= 0 {
		return text
	}
	if runewidth.StringWidth(text) <= width {
		return padToWidth(text, width)
	}

	// loop the text through itself
	extendedRunes := []rune(text + separator + text)
	totalChars := len(extendedRunes)
	position := int(time.Now().Unix()*int64(speed)) % totalChars

	var result []rune
	resultWidth := 0
	for i := 0; i < totalChars && resultWidth < width; i++ {
		r := extendedRunes[(position+i)%totalChars]
		rw := runewidth.RuneWidth(r)
		if resultWidth+rw > width {
			break
		}
		result = append(result, r)
		resultWidth += rw
	}

	if resultWidth < width {
		return string(result) + strings.Repeat(" ", width-resultWidth)
	}
	return string(result)
}
