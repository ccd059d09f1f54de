package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lnd-nwc/internal/config"
	"lnd-nwc/internal/daemon"
	"lnd-nwc/internal/lightning/lnd"
	"lnd-nwc/internal/metrics"
	"lnd-nwc/internal/nostr"
	"lnd-nwc/internal/nwc"
	"lnd-nwc/internal/relay"
)

const (
	logFileName = "lnd-nwc.log"
	stopTimeout = 30 * time.Second
)

var errNoURIs = errors.New("no wallet connect uris configured, create one with `lnd-nwc uri add`")

func newStartCmd(a *app) *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bridge",
		Long:  "Start serving wallet requests in the foreground, or in the background with --detach.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, f, err := a.load()
			if err != nil {
				return err
			}
			lc := daemon.New(f.Daemon.PIDFile)

			if !detach {
				log := InitLogger(f.Log.Level, f.Log.Format, cmd.ErrOrStderr())
				return runDaemon(cmd.Context(), store, f, lc, log)
			}

			if state, pid, err := lc.Status(); err != nil {
				return err
			} else if state == daemon.Running {
				return fmt.Errorf("daemon already running (pid %d)", pid)
			}
			args := []string{"start", "--config", store.Path()}
			if f.Log.Level != "" {
				args = append(args, "--log-level", f.Log.Level)
			}
			if f.Log.Format != "" {
				args = append(args, "--log-format", f.Log.Format)
			}
			logFile := filepath.Join(filepath.Dir(store.Path()), logFileName)
			pid, err := lc.Detach(args, logFile)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "daemon started (pid %d)\nlog file: %s\n", pid, logFile)
			return err
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "run in the background")
	return cmd
}

// claim takes the pid file, clearing it first if its owner is gone.
func claim(lc *daemon.Lifecycle, log *slog.Logger) error {
	err := lc.Start()
	if !errors.Is(err, daemon.ErrPIDFileExists) {
		return err
	}
	state, pid, serr := lc.Status()
	if serr != nil {
		return serr
	}
	if state != daemon.Stale {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	log.Warn("removing stale pid file", "pid", pid, "path", lc.PIDFile)
	if _, err := lc.Stop(); err != nil {
		return err
	}
	return lc.Start()
}

func serviceKeys(store *config.Store, f *config.File, log *slog.Logger) (*nostr.Keys, error) {
	keys, err := f.ServiceKeys()
	if !errors.Is(err, config.ErrNoSecretKey) {
		return keys, err
	}
	keys, generated, err := store.EnsureServiceKey()
	if err != nil {
		return nil, err
	}
	if generated {
		log.Info("generated service key", "pubkey", keys.PublicKey(), "config", store.Path())
	}
	return keys, nil
}

func runDaemon(ctx context.Context, store *config.Store, f *config.File, lc *daemon.Lifecycle, log *slog.Logger) error {
	keys, err := serviceKeys(store, f, log)
	if err != nil {
		return err
	}
	sessions, err := f.Sessions()
	if err != nil {
		log.Warn("skipping invalid uris", "error", err)
	}
	if len(sessions) == 0 {
		return errNoURIs
	}
	if f.LND.Host == "" {
		return errors.New("lnd host not configured, run `lnd-nwc lnd set`")
	}

	if err := claim(lc, log); err != nil {
		return err
	}
	defer func() {
		if err := lc.Release(); err != nil {
			log.Warn("release pid file", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	client, err := lnd.Dial(ctx, lnd.Config{
		Host:         f.LND.Host,
		CertFile:     f.LND.CertFile,
		MacaroonFile: f.LND.MacaroonFile,
	}, log)
	if err != nil {
		return err
	}
	if node, err := client.NodeInfo(ctx); err != nil {
		log.Warn("lnd get info failed", "error", err)
	} else {
		log.Info("connected to lnd", "alias", node.Alias, "pubkey", nostr.ShortID(node.PubKey), "network", node.Network)
	}

	pool, err := relay.NewPool(relay.Options{Logger: log, Metrics: m})
	if err != nil {
		_ = client.Close()
		return err
	}

	engine, err := nwc.New(pool, client, nwc.Config{
		ServiceKeys: keys,
		Sessions:    sessions,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		_ = pool.Close()
		_ = client.Close()
		return err
	}

	stopMetrics := func() {}
	if f.Metrics.Listen != "" {
		stopMetrics = serveMetrics(newMetricsServer(f.Metrics.Listen, m, engine.State), log)
	}

	runErr := engine.Run(ctx)

	stopMetrics()
	if err := pool.Close(); err != nil {
		log.Warn("relay pool close", "error", err)
	}
	// closing the node connection ends settlement watchers still waiting
	if err := client.Close(); err != nil {
		log.Warn("lnd close", "error", err)
	}
	engine.Wait()

	log.Info("stopped")
	return runErr
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, f, err := a.load()
			if err != nil {
				return err
			}
			lc := daemon.New(f.Daemon.PIDFile)

			state, err := lc.Stop()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch state {
			case daemon.Stopped:
				_, err = fmt.Fprintln(out, "daemon not running")
				return err
			case daemon.Stale:
				_, err = fmt.Fprintln(out, "daemon not running, removed stale pid file")
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), stopTimeout)
			defer cancel()
			if err := lc.WaitStopped(ctx); err != nil {
				return fmt.Errorf("waiting for daemon to exit: %w", err)
			}
			_, err = fmt.Fprintln(out, "daemon stopped")
			return err
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the bridge is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, f, err := a.load()
			if err != nil {
				return err
			}
			state, pid, err := daemon.New(f.Daemon.PIDFile).Status()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if pid == 0 {
				_, err = fmt.Fprintln(out, state)
				return err
			}
			_, err = fmt.Fprintf(out, "%s (pid %d)\n", state, pid)
			return err
		},
	}
}
