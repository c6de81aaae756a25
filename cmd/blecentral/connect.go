package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/device"
)

// disconnectWait bounds how long connect waits for the radio to confirm a
// requested disconnect before exiting anyway.
var disconnectWait = 5 * time.Second

var connectCmd = &cobra.Command{
	Use:   "connect <peripheral-id>",
	Short: "Connect to a BLE peripheral and hold the link",
	Long: `Connect to a Bluetooth Low Energy peripheral by MAC address or platform UUID.

The peripheral is looked up in the platform's cache first and otherwise
scanned for. The link is held until --hold expires or Ctrl+C is pressed, then
closed cleanly. The command fails if the peripheral drops the link.`,
	Example: `  blecentral connect AA:BB:CC:DD:EE:FF
  blecentral connect AA:BB:CC:DD:EE:FF --timeout 10s --hold 30s
  blecentral connect 5D1A3A4E-8C0B-4B5E-9E6B-1F2A3B4C5D6E --services 180d`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var (
	connectTimeout  time.Duration
	connectHold     time.Duration
	connectServices []string
)

func init() {
	connectCmd.Flags().DurationVarP(&connectTimeout, "timeout", "t", 30*time.Second, "How long to look for and connect to the peripheral (0 waits indefinitely)")
	connectCmd.Flags().DurationVar(&connectHold, "hold", 0, "Disconnect after this long (0 holds until interrupted)")
	connectCmd.Flags().StringSliceVarP(&connectServices, "services", "s", nil, "Service UUIDs to filter on when scanning for the peripheral")
}

func runConnect(cmd *cobra.Command, args []string) error {
	id, err := device.ValidateIdentifier(args[0])
	if err != nil {
		return err
	}
	if len(connectServices) > 0 {
		if _, err := device.ValidateUUID(connectServices...); err != nil {
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

	cmd.SilenceUsage = true

	timeout := connectTimeout
	if !cmd.Flags().Changed("timeout") {
		timeout = cfg.ConnectTimeout
	}

	sess, err := openSession(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	watcher := newLinkWatcher(id)
	central.SetDelegate(sess.mgr, watcher)

	ctx, stop := interruptContext(cmd.Context(), cmd.OutOrStdout(), "disconnecting")
	defer stop()

	p, err := connectPeripheral(ctx, cmd, sess, id, timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s to %s (%s)\n", stateLabel(p.State()), p.Name(), p.ID())

	var hold <-chan time.Time
	if connectHold > 0 {
		timer := time.NewTimer(connectHold)
		defer timer.Stop()
		hold = timer.C
	}

	select {
	case err := <-watcher.disconnected:
		return fmt.Errorf("%w: %s: %w", ErrConnectionLost, p.ID(), err)
	case <-watcher.poweredOff:
		return fmt.Errorf("%w: %s: %w", ErrConnectionLost, p.ID(), device.ErrRadioUnavailable)
	case <-ctx.Done():
	case <-hold:
	}

	return disconnectPeripheral(cmd, sess, watcher, p)
}

// connectPeripheral finds id and connects to it within timeout. The deadline
// is enforced by cancelling the pending connect.
func connectPeripheral(ctx context.Context, cmd *cobra.Command, sess *session, id string, timeout time.Duration) (*central.Peripheral, error) {
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+id, "looking up", timeout)
	progress.Start()
	defer progress.Stop()

	p, err := findPeripheral(attemptCtx, sess.mgr, id, connectServices, sess.logger)
	if err != nil {
		return nil, err
	}

	progress.SetPhase("connecting")
	sess.logger.WithFields(logrus.Fields{
		"peripheral": p.ID(),
		"name":       p.Name(),
		"timeout":    timeout,
	}).Info("Connecting")

	done := make(chan error, 1)
	sess.mgr.Connect(p, func(err error) { done <- err })

	select {
	case err = <-done:
	case <-attemptCtx.Done():
		sess.mgr.CancelConnection(p)
		// the radio may have won the race; the completion tells which
		err = <-done
		if errors.Is(err, device.ErrCancelled) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("connection to %s timed out after %s: %w", id, timeout, err)
		}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func disconnectPeripheral(cmd *cobra.Command, sess *session, watcher *linkWatcher, p *central.Peripheral) error {
	sess.mgr.Disconnect(p)
	if p.State() == central.Connected {
		return fmt.Errorf("radio refused to disconnect from %s", p.ID())
	}

	select {
	case err := <-watcher.disconnected:
		if err != nil {
			sess.logger.WithError(err).Debug("Link ended with an error during disconnect")
		}
	case <-time.After(disconnectWait):
		sess.logger.WithField("peripheral", p.ID()).Warn("Disconnect not confirmed by the radio")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s from %s (%s)\n", stateLabel(central.Disconnected), p.Name(), p.ID())
	return nil
}
