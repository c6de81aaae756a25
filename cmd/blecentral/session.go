package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radiofactory"
	"github.com/srg/blecentral/pkg/config"
)

// powerOnTimeout bounds how long a command waits for the radio to come up.
var powerOnTimeout = 10 * time.Second

// session is a started central.Manager plus the configuration it was built from.
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	mgr    *central.Manager
}

// loadConfig reads --config and applies --backend on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Radio.Backend = backend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openSession starts a manager on the configured backend and waits for the
// radio to power on.
func openSession(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger) (*session, error) {
	adapter, err := radiofactory.AdapterFactory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create radio adapter: %w", err)
	}
	mgr := central.NewManager(adapter, central.WithLogger(logger))

	ctx, cancel := context.WithTimeout(cmd.Context(), powerOnTimeout)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		_ = mgr.Close()
		return nil, err
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Waiting for Bluetooth", "powering on")
	progress.Start()
	err = mgr.AwaitPoweredOn(ctx)
	progress.Stop()

	if err != nil {
		_ = mgr.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("radio is %s after %s: %w", mgr.RadioState(), powerOnTimeout, device.ErrRadioUnavailable)
		}
		return nil, err
	}

	logger.WithField("backend", cfg.Radio.Backend).Debug("Radio powered on")
	return &session{cfg: cfg, logger: logger, mgr: mgr}, nil
}

func (s *session) Close() {
	if err := s.mgr.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close central manager")
	}
}

// interruptContext is cancelled on the first shutdown signal, after telling
// the user what is being interrupted.
func interruptContext(parent context.Context, out io.Writer, what string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals...)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintf(out, "\nCtrl+C pressed, %s...\n", what)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// linkWatcher is the manager delegate used by connect.
type linkWatcher struct {
	id           string
	disconnected chan error
	poweredOff   chan struct{}
}

func newLinkWatcher(id string) *linkWatcher {
	return &linkWatcher{
		id:           id,
		disconnected: make(chan error, 1),
		poweredOff:   make(chan struct{}, 1),
	}
}

func (w *linkWatcher) OnPeripheralDisconnected(p *central.Peripheral, err error) {
	if p.ID() != w.id {
		return
	}
	select {
	case w.disconnected <- err:
	default:
	}
}

func (w *linkWatcher) OnRadioPoweredOff() {
	select {
	case w.poweredOff <- struct{}{}:
	default:
	}
}

// findPeripheral resolves id through the platform cache, then by scanning
// (restricted to services when given) until it shows up or ctx ends.
func findPeripheral(ctx context.Context, mgr *central.Manager, id string, services []string, logger *logrus.Logger) (*central.Peripheral, error) {
	p, err := mgr.RetrievePeripheral(ctx, id)
	if err == nil {
		return p, nil
	}
	var nf *device.NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}
	logger.WithField("peripheral", id).Debug("Peripheral not cached, scanning for it")

	found := make(chan *central.Peripheral, 1)
	scanErr := make(chan error, 1)
	err = mgr.StartScanning(services, func(p *central.Peripheral, err error) {
		switch {
		case err != nil:
			scanErr <- err
		case p.ID() == id:
			select {
			case found <- p:
			default:
			}
		}
	})
	if err != nil {
		return nil, err
	}
	defer mgr.StopScanning()

	select {
	case p := <-found:
		return p, nil
	case err := <-scanErr:
		return nil, err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nf
		}
		return nil, ctx.Err()
	}
}
