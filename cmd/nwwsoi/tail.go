package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/nwws"
)

func newTailCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print bulletins as they arrive",
		Long: "Connect to the feed and print every bulletin to stdout. Credentials come\n" +
			"from the config file, or from NWWS_OI_USERNAME and NWWS_OI_PASSWORD when\n" +
			"there is none.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, bo, err := loadFeed(opts.configPath, os.LookupEnv)
			if err != nil {
				return err
			}
			ctx, stop, _ := signalContext(cmd.Context())
			defer stop()

			log := cliLogger(verbose)
			s := nwws.NewStream(cfg, nwws.WithLogger(log), nwws.WithBackoff(bo))
			defer s.Close()

			return tail(ctx, s, cmd.OutOrStdout(), asJSON, log)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per bulletin")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")
	return cmd
}

// events is the part of *nwws.Stream the CLI reads.
type events interface {
	Next(ctx context.Context) (nwws.Event, bool)
}

func tail(ctx context.Context, s events, out io.Writer, asJSON bool, log logx.Logger) error {
	enc := json.NewEncoder(out)
	for {
		ev, ok := s.Next(ctx)
		if !ok {
			return nil
		}
		switch ev.Kind {
		case nwws.EventState:
			log.Info("nwws " + ev.State.String())
		case nwws.EventError:
			log.Warn("nwws error", logx.String("kind", ev.Err.Kind.String()), logx.Err(ev.Err))
		case nwws.EventBulletin:
			if err := printBulletin(out, enc, *ev.Bulletin, asJSON); err != nil {
				return err
			}
		}
	}
}

func printBulletin(out io.Writer, enc *json.Encoder, b nwws.Bulletin, asJSON bool) error {
	if asJSON {
		return enc.Encode(b)
	}
	_, err := fmt.Fprintf(out, "%s\n%s\n\n", b, b.Text)
	return err
}
