package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/device"
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <peripheral-id>",
	Short: "Look up a peripheral known to the platform",
	Long: `Look up a peripheral the platform Bluetooth stack already knows about
(bonded, cached, or seen earlier) without scanning.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetrieve,
}

var retrieveFormat string

func init() {
	retrieveCmd.Flags().StringVarP(&retrieveFormat, "format", "f", "table", "Output format (table, json)")
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	id, err := device.ValidateIdentifier(args[0])
	if err != nil {
		return err
	}
	if !slices.Contains(validFormats, retrieveFormat) {
		return fmt.Errorf("invalid format '%s': must be one of %v", retrieveFormat, validFormats)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	format := retrieveFormat
	if !cmd.Flags().Changed("format") {
		format = cfg.OutputFormat
	}

	sess, err := openSession(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout)
	defer cancel()

	p, err := sess.mgr.RetrievePeripheral(ctx, id)
	if err != nil {
		return err
	}

	if format == "json" {
		return writePeripheralsJSON(cmd.OutOrStdout(), []*central.Peripheral{p})
	}
	return writePeripheralsTable(cmd.OutOrStdout(), []*central.Peripheral{p})
}
