package main

import (
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

const (
	defaultListenAddr      = ":8080"
	defaultMaxPayloadBytes = 64 << 20 // 64 MiB, matches websocket.defaultMaxPayloadSize.
)

// flags builds the CLI flag set. Each scalar setting except
// --pretty-log is layered, in priority order, over a CLI argument, an
// environment variable, and a value in the TOML file at
// defaultConfigPath(); that file source is fixed when the flags are
// built, so --config does not change where scalar settings are read
// from. List-shaped settings (subprotocols, allowed origins) are read
// by loadFileConfig from the file named by --config, since cli-altsrc
// sources one scalar value per flag.
func flags() []cli.Flag {
	configPath := altsrc.StringSourcer(defaultConfigPath())

	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to a TOML configuration file",
			Value: defaultConfigPath(),
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "address to accept WebSocket connections on",
			Value: defaultListenAddr,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_LISTEN_ADDR"),
				toml.TOML("server.listen_addr", configPath),
			),
		},
		&cli.IntFlag{
			Name:  "read-buffer-size",
			Usage: "per-connection read buffer size in bytes",
			Value: 4096,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_READ_BUFFER_SIZE"),
				toml.TOML("server.read_buffer_size", configPath),
			),
		},
		&cli.IntFlag{
			Name:  "write-buffer-size",
			Usage: "per-connection write buffer size in bytes",
			Value: 4096,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_WRITE_BUFFER_SIZE"),
				toml.TOML("server.write_buffer_size", configPath),
			),
		},
		&cli.IntFlag{
			Name:  "max-payload-size",
			Usage: "maximum reassembled message size in bytes",
			Value: defaultMaxPayloadBytes,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_MAX_PAYLOAD_SIZE"),
				toml.TOML("server.max_payload_size", configPath),
			),
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_PRETTY_LOG"),
			),
		},
	}
}

// defaultConfigPath is the conventional location wsechod looks for a
// configuration file when --config is not given explicitly.
func defaultConfigPath() string {
	return "wsechod.toml"
}
