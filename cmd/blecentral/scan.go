package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/device"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE peripherals",
	Long: `Scan for and display Bluetooth Low Energy peripherals in the vicinity.

Each peripheral is listed once with its name, identifier, latest RSSI, every
service UUID it advertised during the scan, and its connection state. With
--services only peripherals advertising at least one of the given services
are listed.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
)

var validFormats = []string{"table", "json"}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 scans until interrupted)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
}

func runScan(cmd *cobra.Command, args []string) error {
	if !slices.Contains(validFormats, scanFormat) {
		return fmt.Errorf("invalid format '%s': must be one of %v", scanFormat, validFormats)
	}
	if len(scanServices) > 0 {
		if _, err := device.ValidateUUID(scanServices...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := scanDuration
	if !cmd.Flags().Changed("duration") {
		duration = cfg.ScanTimeout
	}
	format := scanFormat
	if !cmd.Flags().Changed("format") {
		format = cfg.OutputFormat
	}

	sess, err := openSession(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, stop := interruptContext(cmd.Context(), cmd.OutOrStdout(), "stopping scan")
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	var (
		mu    sync.Mutex
		order []*central.Peripheral
		seen  = make(map[string]struct{})
	)
	scanErr := make(chan error, 1)

	err = sess.mgr.StartScanning(scanServices, func(p *central.Peripheral, err error) {
		if err != nil {
			scanErr <- err
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[p.ID()]; !ok {
			seen[p.ID()] = struct{}{}
			order = append(order, p)
			logger.WithFields(logrus.Fields{"peripheral": p.ID(), "name": p.Name()}).Debug("Peripheral discovered")
		}
	})
	if err != nil {
		return err
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE peripherals", "scanning", duration)
	progress.Start()

	select {
	case <-ctx.Done():
	case err = <-scanErr:
	}
	progress.Stop()
	sess.mgr.StopScanning()

	// an interrupted scan still reports what it found
	if err != nil {
		return err
	}

	mu.Lock()
	found := slices.Clone(order)
	mu.Unlock()

	sortPeripherals(found)
	if format == "json" {
		return writePeripheralsJSON(cmd.OutOrStdout(), found)
	}
	return writePeripheralsTable(cmd.OutOrStdout(), found)
}

// sortPeripherals orders by signal strength, strongest first, then by identifier.
func sortPeripherals(ps []*central.Peripheral) {
	slices.SortStableFunc(ps, func(a, b *central.Peripheral) int {
		if a.RSSI() != b.RSSI() {
			return b.RSSI() - a.RSSI()
		}
		return strings.Compare(a.ID(), b.ID())
	})
}

func writePeripheralsTable(out io.Writer, ps []*central.Peripheral) error {
	if len(ps) == 0 {
		_, err := fmt.Fprintln(out, "No peripherals discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRSSI\tSERVICES\tSTATE\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, p := range ps {
		name := p.Name()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(p.Services(), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		lastSeen := time.Since(p.LastSeen()).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			name, p.ID(), p.RSSI(), services, stateLabel(p.State()), lastSeen)
	}
	return w.Flush()
}

func writePeripheralsJSON(out io.Writer, ps []*central.Peripheral) error {
	if ps == nil {
		ps = []*central.Peripheral{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(ps)
}

var stateColors = map[central.ConnectionState]*color.Color{
	central.Connected:     color.New(color.FgGreen),
	central.Connecting:    color.New(color.FgYellow),
	central.Disconnecting: color.New(color.FgYellow),
	central.Disconnected:  color.New(color.Faint),
}

// stateLabel renders s, colored when stdout supports it.
func stateLabel(s central.ConnectionState) string {
	if c, ok := stateColors[s]; ok {
		return c.Sprint(s.String())
	}
	return s.String()
}
