package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CollabSync/CollabSync/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ CollabSync Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and subsystem status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 CollabSync Status")
		fmt.Printf("Version: %s\n", version)

		configPath, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ? Unable to load: %v\n", err)
			return
		}

		if cfg.Instance.ID != "" {
			fmt.Println("Instance: " + cfg.Instance.ID)
		}
		printSubsystem("Store", cfg.Store.Enabled, cfg.Store.Path)
		printSubsystem("Bus", cfg.Bus.Enabled, cfg.Bus.Brokers+" topic="+cfg.Bus.EventsTopic())
		printSubsystem("Transport", cfg.Transport.Enabled, cfg.Transport.Listen+cfg.Transport.Path)
	},
}

func printSubsystem(name string, enabled bool, detail string) {
	if enabled {
		fmt.Printf("%-10s ✓ Enabled (%s)\n", name+":", detail)
	} else {
		fmt.Printf("%-10s ✗ Disabled\n", name+":")
	}
}
