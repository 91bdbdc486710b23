package websocket

import "fmt"

// ReassemblerOptions configures message reassembly limits.
type ReassemblerOptions struct {
	// MaxPayloadSize caps the cumulative payload size of a reassembled
	// message (across all its fragments). Zero means use
	// defaultMaxPayloadSize.
	MaxPayloadSize int64
}

// defaultMaxPayloadSize is applied when ReassemblerOptions.MaxPayloadSize
// is zero.
const defaultMaxPayloadSize = 64 * 1024 * 1024

// fragKind distinguishes the in-progress message type a reassembler is
// accumulating.
type fragKind int

const (
	fragNone fragKind = iota
	fragText
	fragBinary
)

// fragmentState is the reassembler's state between frames: either no
// message in progress (fragNone, with buf/utf8 unused), or a
// Text/Binary message collecting fragments.
type fragmentState struct {
	kind fragKind
	buf  []byte
	utf8 utf8Validator // only meaningful when kind == fragText
}

// reassembler turns a stream of frames into complete messages,
// enforcing RFC 6455 Section 5.4's fragmentation rules: a message
// begins with a Text or Binary frame, continues with zero or more
// Continuation frames, and ends with the first frame (initial or
// Continuation) whose FIN bit is set; control frames may be
// interleaved at any point and pass through untouched. It also
// performs the streaming UTF-8 validation RFC 6455 Section 8.1
// requires of reassembled text messages.
//
// A reassembler is not safe for concurrent use; each Conn owns one.
type reassembler struct {
	state      fragmentState
	maxPayload int64
}

// newReassembler builds a reassembler from opts. A nil opts or a zero
// MaxPayloadSize selects defaultMaxPayloadSize.
func newReassembler(opts *ReassemblerOptions) *reassembler {
	max := int64(defaultMaxPayloadSize)
	if opts != nil && opts.MaxPayloadSize > 0 {
		max = opts.MaxPayloadSize
	}
	return &reassembler{maxPayload: max}
}

// accumulate feeds a decoded frame into the reassembler. It is a step
// of a state machine over (state, frame) -> (state', maybe-emitted
// frame): control frames (Close, Ping, Pong) never participate in
// fragmentation (RFC 6455 Section 5.5) and are emitted immediately,
// untouched, even mid-message; data frames are collected until a FIN
// bit completes them.
//
// It returns:
//   - (f, nil) unchanged, when f is a control frame
//   - (msg, nil) when f completes a data message (FIN=1); msg carries
//     the message's opcode and the full reassembled payload
//   - (nil, nil) when f extends a message still in progress
//   - (nil, err) when f violates the fragmentation or UTF-8 rules
func (ra *reassembler) accumulate(f *frame) (*frame, error) {
	switch f.opcode {
	case opcodeClose, opcodePing, opcodePong:
		return f, nil
	case opcodeText, opcodeBinary:
		if ra.state.kind != fragNone {
			return nil, ErrInvalidFragment
		}
		return ra.start(f)
	case opcodeContinuation:
		if ra.state.kind == fragNone {
			return nil, ErrUnexpectedContinuation
		}
		return ra.continue_(f)
	default:
		return nil, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, f.opcode)
	}
}

// start begins a new message from f, which carries opcode Text or
// Binary.
func (ra *reassembler) start(f *frame) (*frame, error) {
	kind := fragBinary
	if f.opcode == opcodeText {
		kind = fragText
	}

	if int64(len(f.payload)) > ra.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(f.payload))
	}

	if !f.fin {
		ra.state = fragmentState{kind: kind, buf: append([]byte(nil), f.payload...)}
		if kind == fragText {
			if err := ra.state.utf8.write(f.payload); err != nil {
				ra.state = fragmentState{}
				return nil, err
			}
		}
		return nil, nil
	}

	// Single-frame message.
	if kind == fragText {
		var v utf8Validator
		if err := v.write(f.payload); err != nil {
			return nil, err
		}
		if err := v.close(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// continue_ extends the in-progress message with a Continuation
// frame.
func (ra *reassembler) continue_(f *frame) (*frame, error) {
	total := len(ra.state.buf) + len(f.payload)
	if int64(total) > ra.maxPayload {
		ra.state = fragmentState{}
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, total)
	}

	if ra.state.kind == fragText {
		if err := ra.state.utf8.write(f.payload); err != nil {
			ra.state = fragmentState{}
			return nil, err
		}
	}
	ra.state.buf = append(ra.state.buf, f.payload...)

	if !f.fin {
		return nil, nil
	}

	opcode := byte(opcodeBinary)
	if ra.state.kind == fragText {
		opcode = opcodeText
		if err := ra.state.utf8.close(); err != nil {
			ra.state = fragmentState{}
			return nil, err
		}
	}

	msg := &frame{fin: true, opcode: opcode, payload: ra.state.buf}
	ra.state = fragmentState{}
	return msg, nil
}

// reset discards any in-progress message, for use after a fatal
// error forces the caller to stop trusting the byte stream's framing.
func (ra *reassembler) reset() {
	ra.state = fragmentState{}
}
