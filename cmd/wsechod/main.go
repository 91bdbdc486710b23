package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func main() {
	bi, _ := debug.ReadBuildInfo()
	version := "dev"
	if bi != nil {
		version = bi.Main.Version
	}

	cmd := &cli.Command{
		Name:    "wsechod",
		Usage:   "standalone RFC 6455 WebSocket echo daemon",
		Version: version,
		Flags:   flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			initLog(cmd.Bool("pretty-log"))

			fcfg, err := loadFileConfig(cmd.String("config"))
			if err != nil {
				return err
			}

			return newServer(cmd, fcfg).run(ctx)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initLog configures the global zerolog logger: JSON to stderr by
// default, or a human-readable console writer when --pretty-log is set.
func initLog(pretty bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
