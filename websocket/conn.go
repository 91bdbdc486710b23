package websocket

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Conn represents a server-side WebSocket connection (RFC 6455).
//
// Conn provides high-level methods for reading and writing messages,
// automatically handling:
//   - Message fragmentation (reassembly of multi-frame messages)
//   - Control frames (Ping, Pong, Close)
//   - UTF-8 validation for text messages, including across fragments
//   - Thread-safe writes
//
// Example Usage:
//
//	conn, err := websocket.UpgradeHTTP(w, r, nil)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	msgType, data, err := conn.Read()
//	conn.WriteText("Hello, WebSocket!")
//	conn.WriteJSON(map[string]string{"status": "ok"})
type Conn struct {
	conn   net.Conn      // Underlying TCP (or TLS) connection.
	frameR *frameReader  // Decodes inbound frames with the configured payload ceiling.
	writer *bufio.Writer // Buffered writer for frame writing.

	// Write synchronization (RFC 6455 Section 5.1)
	// "An endpoint MUST NOT send a data frame while a fragmented message is being transmitted"
	writeMu sync.Mutex

	// Close synchronization
	closeOnce sync.Once
	closed    bool
	closeMu   sync.RWMutex

	reassembler *reassembler

	id  uuid.UUID
	log zerolog.Logger
}

// newConn creates a new server-side WebSocket connection (internal
// constructor). Called by Handshake/UpgradeHTTP after a successful
// opening handshake.
func newConn(netConn net.Conn, reader *bufio.Reader, writer *bufio.Writer, isServer bool, ropts *ReassemblerOptions) *Conn {
	_ = isServer // this package implements only the server role; kept for call-site clarity
	id := uuid.New()
	return &Conn{
		conn:        netConn,
		frameR:      newFrameReader(reader, reassemblerFrameLimit(ropts)),
		writer:      writer,
		reassembler: newReassembler(ropts),
		id:          id,
		log:         log.With().Str("conn_id", id.String()).Logger(),
	}
}

// reassemblerFrameLimit derives the per-frame ceiling the frame
// decoder should enforce from the reassembler's cumulative-message
// ceiling: a single frame can never usefully exceed the message limit
// it contributes to.
func reassemblerFrameLimit(ropts *ReassemblerOptions) uint64 {
	if ropts != nil && ropts.MaxPayloadSize > 0 {
		return uint64(ropts.MaxPayloadSize)
	}
	return uint64(defaultMaxPayloadSize)
}

// ID returns the correlation identifier this connection was assigned.
// It is included on every log line the connection emits and is useful
// for tying an application's own request logging to a connection's
// frames.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Read reads the next complete message from the connection.
//
// Automatically handles:
//   - Fragmentation: Reassembles multi-frame messages (FIN=0 -> FIN=1)
//   - Control frames: Responds to Ping with Pong, ignores Pong, and
//     performs the closing handshake on Close
//   - UTF-8 validation: For text messages (RFC 6455 Section 8.1),
//     incrementally across fragment boundaries
//
// Returns:
//   - MessageType: TextMessage or BinaryMessage
//   - []byte: Complete message payload
//   - error: ErrClosed if connection closed, protocol errors, network errors
//
// RFC 6455 Section 5.4: "A fragmented message consists of a single frame with
// the FIN bit clear and an opcode other than 0, followed by zero or more frames
// with the FIN bit clear and the opcode set to 0, and terminated by a single
// frame with the FIN bit set and an opcode of 0."
func (c *Conn) Read() (MessageType, []byte, error) {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return 0, nil, ErrClosed
	}
	c.closeMu.RUnlock()

	for {
		f, err := c.frameR.readFrame()
		if err != nil {
			if isProtocolViolation(err) {
				c.log.Warn().Err(err).Msg("protocol violation")
				_ = c.CloseWithCode(protocolErrorCloseCode(err), "")
			} else {
				c.terminateOnError(err)
			}
			return 0, nil, err
		}

		// The reassembler sees every frame: control frames pass through
		// unchanged (even mid-message), data frames come back out once a
		// FIN bit completes them.
		out, err := c.reassembler.accumulate(f)
		if err != nil {
			c.log.Warn().Err(err).Msg("reassembly failed")
			_ = c.CloseWithCode(protocolErrorCloseCode(err), "")
			return 0, nil, err
		}
		if out == nil {
			continue // message still accumulating fragments
		}

		if isControlFrame(out.opcode) {
			done, err := c.handleControlFrame(out)
			if err != nil {
				return 0, nil, err
			}
			if done {
				return 0, nil, ErrClosed
			}
			continue
		}

		msgType := BinaryMessage
		if out.opcode == opcodeText {
			msgType = TextMessage
		}
		return msgType, out.payload, nil
	}
}

// handleControlFrame dispatches a Ping, Pong, or Close frame per RFC
// 6455 Section 5.5. It returns done=true once the closing handshake
// has completed and the caller should stop reading.
func (c *Conn) handleControlFrame(f *frame) (done bool, err error) {
	switch f.opcode {
	case opcodePing:
		if err := c.Pong(f.payload); err != nil {
			return false, err
		}
		return false, nil
	case opcodePong:
		return false, nil
	case opcodeClose:
		c.handleCloseFrame(f.payload)
		return true, nil
	default:
		return false, nil
	}
}

// terminateOnError marks the connection closed after a decode error
// that leaves the byte stream unrecoverable (I/O failure or a framing
// violation below the level the reassembler can name). ErrClosed
// itself is not logged as a failure.
func (c *Conn) terminateOnError(err error) {
	if err == ErrClosed {
		return
	}
	c.closeMu.Lock()
	already := c.closed
	c.closed = true
	c.closeMu.Unlock()
	if !already {
		c.log.Debug().Err(err).Msg("connection terminated")
	}
}

// ReadText reads the next text message.
//
// Returns ErrInvalidMessageType if message is not text.
func (c *Conn) ReadText() (string, error) {
	msgType, data, err := c.Read()
	if err != nil {
		return "", err
	}

	if msgType != TextMessage {
		return "", ErrInvalidMessageType
	}

	return string(data), nil
}

// ReadJSON reads the next message as JSON.
//
// Returns ErrInvalidMessageType if message is not text.
// Returns a json syntax error if the payload is malformed.
func (c *Conn) ReadJSON(v any) error {
	msgType, data, err := c.Read()
	if err != nil {
		return err
	}

	if msgType != TextMessage {
		return ErrInvalidMessageType
	}

	return json.Unmarshal(data, v)
}

// Serve drives the connection's read/dispatch loop until ctx is
// canceled, the peer closes the connection, or a protocol error
// terminates it, calling handle for every complete message received.
// It is the push-based counterpart to Read, suitable for a per-connection
// goroutine spawned by an accept loop.
func (c *Conn) Serve(ctx context.Context, handle func(MessageType, []byte) error) error {
	for {
		if err := ctx.Err(); err != nil {
			_ = c.CloseWithCode(CloseGoingAway, "")
			return err
		}

		msgType, data, err := c.Read()
		if err != nil {
			if err == ErrClosed {
				return nil
			}
			return err
		}

		if handle != nil {
			if err := handle(msgType, data); err != nil {
				return err
			}
		}
	}
}

// Write writes a message to the connection.
//
// Server-to-client frames are never masked (RFC 6455 Section 5.1).
//
// Thread-Safety: Safe for concurrent writes (serialized by mutex).
//
// Note: Does not fragment large messages; each call sends a single frame.
func (c *Conn) Write(messageType MessageType, data []byte) error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrClosed
	}
	c.closeMu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var opcode byte
	switch messageType {
	case TextMessage:
		opcode = opcodeText
		if !utf8.Valid(data) {
			return ErrInvalidUTF8
		}
	case BinaryMessage:
		opcode = opcodeBinary
	default:
		return ErrInvalidMessageType
	}

	f := &frame{
		fin:     true,
		opcode:  opcode,
		masked:  false,
		payload: data,
	}

	return writeFrame(c.writer, f)
}

// WriteText writes a text message.
//
// Returns ErrInvalidUTF8 if text contains invalid UTF-8.
func (c *Conn) WriteText(text string) error {
	return c.Write(TextMessage, []byte(text))
}

// WriteJSON marshals v to JSON and sends it as a text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return c.Write(TextMessage, data)
}

// Ping sends a ping frame (for keep-alive).
//
// Application data is optional (max 125 bytes per RFC 6455 Section 5.5).
// Peer should respond with Pong containing same application data.
func (c *Conn) Ping(data []byte) error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrClosed
	}
	c.closeMu.RUnlock()

	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f := &frame{
		fin:     true,
		opcode:  opcodePing,
		masked:  false,
		payload: data,
	}

	return writeFrame(c.writer, f)
}

// Pong sends a pong frame (response to ping or unsolicited).
//
// Note: Read() automatically responds to Ping frames, so manual Pong usually not needed.
func (c *Conn) Pong(data []byte) error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrClosed
	}
	c.closeMu.RUnlock()

	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f := &frame{
		fin:     true,
		opcode:  opcodePong,
		masked:  false,
		payload: data,
	}

	return writeFrame(c.writer, f)
}

// Close sends a Close frame with status CloseNormalClosure (1000) and
// closes the underlying connection. Idempotent - safe to call multiple times.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode sends a Close frame with the given status code and
// reason and closes the underlying connection.
//
// code must satisfy CloseCode.IsAllowed; codes that are not (e.g.
// CloseNoStatusReceived) are replaced with CloseNoStatusReceived's
// on-the-wire equivalent, an empty-payload Close frame, since RFC 6455
// Section 7.4.1 forbids sending them.
//
// Close handshake (RFC 6455 Section 7.1.2):
//  1. Send Close frame
//  2. Peer responds with Close frame (or TCP is simply torn down)
//  3. Close underlying connection
//
// Idempotent - safe to call multiple times.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	if reason != "" && !utf8.ValidString(reason) {
		return ErrInvalidUTF8
	}

	var payload []byte
	if code.IsAllowed() {
		payload = make([]byte, 2+len(reason))
		payload[0] = byte(code >> 8)
		payload[1] = byte(code & 0xFF)
		copy(payload[2:], reason)
	}

	return c.sendCloseFrame(payload)
}

// sendCloseFrame writes a Close frame carrying payload verbatim and
// tears down the underlying connection. It is the single place that
// performs the close handshake's send-then-shut-down sequence, shared
// by CloseWithCode (which builds payload from a validated Go string)
// and handleCloseFrame's disallowed-code reply (which echoes a peer's
// raw, possibly non-UTF-8, reason bytes and so cannot go through
// CloseWithCode's string validation). Idempotent - safe to call
// multiple times; only the first call's payload is ever sent.
func (c *Conn) sendCloseFrame(payload []byte) error {
	var err error

	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		c.closeMu.Unlock()

		c.writeMu.Lock()
		f := &frame{
			fin:     true,
			opcode:  opcodeClose,
			masked:  false,
			payload: payload,
		}
		writeErr := writeFrame(c.writer, f)
		c.writeMu.Unlock()

		if writeErr != nil {
			c.log.Debug().Err(writeErr).Msg("failed to write close frame")
			err = writeErr
			return
		}

		if c.conn != nil {
			err = c.conn.Close()
		}
	})

	return err
}

// handleCloseFrame builds and sends the Close reply required by RFC
// 6455 Section 7.1.3 once a Close frame has been received, following
// the payload rules of Section 5.5.1:
//   - empty payload: reply with an empty Close frame
//   - 2-byte payload: the status code alone, echoed verbatim if
//     IsAllowed, otherwise replaced with CloseProtocolError
//   - >2-byte payload: status code plus a reason; if the code is
//     disallowed, reply with CloseProtocolError and the *original*
//     reason bytes, unvalidated, since the reply is rejecting the
//     frame rather than re-certifying it; if the code is allowed, the
//     reason must itself be valid UTF-8 (fail -> CloseInvalidFramePayloadData)
//     before being echoed back
//
// A payload of exactly one byte is rejected earlier, by
// frameReader.readFrame (ErrInvalidCloseFrame); handleCloseFrame is
// never invoked with one, since the reassembler's caller never passes
// a frame that failed decoding.
func (c *Conn) handleCloseFrame(payload []byte) {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()

	if len(payload) == 0 {
		_ = c.CloseWithCode(CloseNoStatusReceived, "")
		return
	}

	code := CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	reason := payload[2:]

	if !code.IsAllowed() {
		replyPayload := make([]byte, 2+len(reason))
		replyPayload[0] = byte(CloseProtocolError >> 8)
		replyPayload[1] = byte(CloseProtocolError & 0xFF)
		copy(replyPayload[2:], reason)
		_ = c.sendCloseFrame(replyPayload)
		return
	}

	if len(reason) > 0 && !utf8.Valid(reason) {
		_ = c.CloseWithCode(CloseInvalidFramePayloadData, "")
		return
	}

	_ = c.CloseWithCode(code, string(reason))
}
