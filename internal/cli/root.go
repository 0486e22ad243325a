// Package cli implements the collabsync command line interface.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/CollabSync/CollabSync/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ____     _ _       _     ____\n" +
		"  / ___|___| | | __ _| |__ / ___| _   _ _ __   ___\n" +
		" | |   / _ \\ | |/ _` | '_ \\\\___ \\| | | | '_ \\ / __|\n" +
		" | |__| (_) | | | (_| | |_) |___) | |_| | | | | (__\n" +
		"  \\____\\___/|_|_|\\__,_|_.__/|____/ \\__, |_| |_|\\___|\n" +
		"                                   |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "collabsync",
	Short: "CollabSync - collaboration-mode synchronization core",
	Long:  color.CyanString(logo) + "\nKeeps collaboration modes, shared contexts, and response provenance in sync across instances.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(modeCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
