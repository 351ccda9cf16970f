package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nwwsoi/internal/app"
	"nwwsoi/internal/config"
	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/nwws"
)

const defaultConfigPath = "./nwwsoi.yaml"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "nwwsoi",
		Short:         "NWWS-OI weather wire stream and relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config (json or yaml)")

	root.AddCommand(
		newRunCmd(opts),
		newTailCmd(opts),
		newSmokeCmd(opts),
	)
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, sig := signalContext(cmd.Context())
			defer stop()

			a, err := app.NewApp(opts.configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopAppStop
			select {
			case <-ctx.Done():
				reason = stopReason(sig())
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}

			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = a.Stop(sctx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

// signalContext is canceled on SIGINT or SIGTERM. sig reports which one
// arrived, nil before that.
func signalContext(parent context.Context) (context.Context, func(), func() os.Signal) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	got := make(chan os.Signal, 1)
	go func() {
		select {
		case s := <-ch:
			got <- s
			cancel()
		case <-ctx.Done():
		}
	}()
	stop := func() {
		signal.Stop(ch)
		cancel()
	}
	sig := func() os.Signal {
		select {
		case s := <-got:
			got <- s
			return s
		default:
			return nil
		}
	}
	return ctx, stop, sig
}

func stopReason(s os.Signal) app.StopReason {
	switch s {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	default:
		return app.StopUnknown
	}
}

// loadFeed builds the feed config from the config file when it exists,
// otherwise from the NWWS_OI_* environment alone.
func loadFeed(path string, lookup func(string) (string, bool)) (nwws.Config, nwws.Backoff, error) {
	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.NewManager(path).Parse()
		if err != nil {
			return nwws.Config{}, nwws.Backoff{}, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nwws.Config{}, nwws.Backoff{}, err
	} else {
		cfg = &config.Config{}
		get := func(key string) string {
			v, _ := lookup(key)
			return strings.TrimSpace(v)
		}
		cfg.NWWS.Username = get(config.EnvUsername)
		cfg.NWWS.Password = get(config.EnvPassword)
		cfg.NWWS.Server = get(config.EnvServer)
	}
	return app.FeedConfig(cfg)
}

// cliLogger writes to stderr so stdout carries only bulletins.
func cliLogger(verbose bool) logx.Logger {
	if verbose {
		return logx.NewConsole("debug")
	}
	return logx.NewConsole("info")
}
