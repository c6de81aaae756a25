package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "blecentral",
	Short: "Bluetooth Low Energy central connection manager",
	Long: `Bluetooth Low Energy (BLE) central-role tool that provides:

- Scan for nearby peripherals, optionally filtered by advertised services
- Connect to a peripheral and hold the link until interrupted
- Retrieve peripherals already known to the platform Bluetooth stack

Radio backends: goble (default), bluez (Linux, D-Bus) and tinygo.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(retrieveCmd)

	addGlobalFlags(rootCmd)

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	cmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().String("backend", "", "Radio backend (goble, bluez, tinygo); overrides the config file")
}
