package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/coregx/wsechod/websocket"
)

// server accepts raw TCP connections and drives the WebSocket opening
// handshake and message loop for each one, without going through
// net/http: wsechod is a standalone echo daemon, not an HTTP server
// with a WebSocket route bolted on.
type server struct {
	listenAddr string
	hopts      *websocket.HandshakeOptions
}

func newServer(cmd cliCommand, fcfg fileConfig) *server {
	return &server{
		listenAddr: cmd.String("listen-addr"),
		hopts: &websocket.HandshakeOptions{
			Subprotocols:    fcfg.Subprotocols,
			CheckOrigin:     originChecker(fcfg.AllowedOrigins),
			ReadBufferSize:  cmd.Int("read-buffer-size"),
			WriteBufferSize: cmd.Int("write-buffer-size"),
			Reassembler: &websocket.ReassemblerOptions{
				MaxPayloadSize: int64(cmd.Int("max-payload-size")),
			},
		},
	}
}

// cliCommand is the subset of *cli.Command's read accessors server
// needs, so tests can supply a fake instead of constructing a real
// *cli.Command.
type cliCommand interface {
	String(name string) string
	Int(name string) int
}

// run listens on s.listenAddr until ctx is canceled, spawning a
// goroutine per accepted connection.
func (s *server) run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Info().Str("addr", s.listenAddr).Msg("wsechod listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn performs the opening handshake on conn and, if it
// succeeds, echoes every message back to the peer until it disconnects.
func (s *server) serveConn(ctx context.Context, netConn net.Conn) {
	wsConn, err := websocket.Handshake(netConn, s.hopts)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", netConn.RemoteAddr().String()).Msg("handshake failed")
		_ = netConn.Close()
		return
	}
	defer wsConn.Close()

	logger := log.With().Stringer("conn_id", wsConn.ID()).Str("remote_addr", netConn.RemoteAddr().String()).Logger()
	logger.Info().Msg("connection established")

	err = wsConn.Serve(ctx, func(msgType websocket.MessageType, data []byte) error {
		logger.Debug().Stringer("type", msgType).Int("bytes", len(data)).Msg("echoing message")
		return wsConn.Write(msgType, data)
	})
	if err != nil && !websocket.IsCloseError(err) && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("connection ended with error")
		return
	}
	logger.Info().Msg("connection closed")
}

// originChecker builds a websocket.HandshakeOptions.CheckOrigin
// function from a configured allowlist. An empty allowlist accepts
// every origin, including requests with no Origin header at all.
func originChecker(allowed []string) func(header http.Header) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(header http.Header) bool {
		origin := header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[origin]
	}
}
