package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/nwws"
)

// The ANCF sends a communications test product about once a minute.
const (
	testTTAAII = "WOUS99"
	testCCCC   = "KNCF"
)

var errSmokeTimeout = errors.New("no communications test bulletin before the deadline")

func newSmokeCmd(opts *rootOptions) *cobra.Command {
	var (
		timeout time.Duration
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Check the feed end to end",
		Long: "Connect and wait for the " + testTTAAII + " " + testCCCC + " communications test bulletin.\n" +
			"Exits non-zero if it does not arrive in time.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, bo, err := loadFeed(opts.configPath, os.LookupEnv)
			if err != nil {
				return err
			}
			ctx, stop, _ := signalContext(cmd.Context())
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			log := cliLogger(verbose)
			s := nwws.NewStream(cfg, nwws.WithLogger(log), nwws.WithBackoff(bo))
			defer s.Close()

			return smoke(ctx, s, cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 75*time.Second, "how long to wait for the test bulletin")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")
	return cmd
}

func isCommsTest(b nwws.Bulletin) bool {
	return b.TTAAII == testTTAAII && b.CCCC == testCCCC
}

func smoke(ctx context.Context, s events, out io.Writer, log logx.Logger) error {
	start := time.Now()
	seen := 0
	for {
		ev, ok := s.Next(ctx)
		if !ok {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w (saw %d other bulletins)", errSmokeTimeout, seen)
			}
			return ctx.Err()
		}
		switch ev.Kind {
		case nwws.EventState:
			log.Debug("nwws " + ev.State.String())
		case nwws.EventError:
			log.Warn("nwws error", logx.String("kind", ev.Err.Kind.String()), logx.Err(ev.Err))
		case nwws.EventBulletin:
			if !isCommsTest(*ev.Bulletin) {
				seen++
				continue
			}
			_, err := fmt.Fprintf(out, "ok: %s after %s\n", ev.Bulletin, time.Since(start).Round(time.Millisecond))
			return err
		}
	}
}
