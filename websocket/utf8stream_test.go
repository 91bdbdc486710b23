package websocket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUTF8Validator_ValidWholeChunks(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"ascii", "hello world"},
		{"two byte", "café"},
		{"three byte", "中文"},
		{"four byte emoji", "\U0001F600\U0001F601"},
		{"mixed widths", "aé中\U0001F600"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v utf8Validator
			require.NoError(t, v.write([]byte(tt.input)))
			require.NoError(t, v.close())
		})
	}
}

func TestUTF8Validator_SplitAcrossChunks(t *testing.T) {
	// Each multi-byte rune is split at every possible byte boundary and
	// fed across two or more write calls.
	tests := []struct {
		name   string
		chunks [][]byte
	}{
		{"two byte split after lead", [][]byte{{0xC3}, {0xA9}}},
		{"three byte split after lead", [][]byte{{0xE4}, {0xB8, 0xAD}}},
		{"three byte split after first continuation", [][]byte{{0xE4, 0xB8}, {0xAD}}},
		{"four byte split after lead", [][]byte{{0xF0}, {0x9F, 0x98, 0x80}}},
		{"four byte split after first continuation", [][]byte{{0xF0, 0x9F}, {0x98, 0x80}}},
		{"four byte split after second continuation", [][]byte{{0xF0, 0x9F, 0x98}, {0x80}}},
		{"four byte split byte by byte", [][]byte{{0xF0}, {0x9F}, {0x98}, {0x80}}},
		{"ascii then split rune", [][]byte{[]byte("ok "), {0xE4}, {0xB8, 0xAD}}},
		{"split rune then ascii", [][]byte{{0xE4}, {0xB8, 0xAD}, []byte(" ok")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v utf8Validator
			for _, chunk := range tt.chunks {
				require.NoError(t, v.write(chunk))
			}
			require.NoError(t, v.close())
		})
	}
}

func TestUTF8Validator_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
	}{
		{"lone continuation byte", [][]byte{{0x80}}},
		{"invalid lead byte 0xFF", [][]byte{{0xFF}}},
		{"invalid lead byte 0xFE", [][]byte{{0xFE}}},
		{"overlong two byte encoding of NUL", [][]byte{{0xC0, 0x80}}},
		{"surrogate half encoded as three bytes", [][]byte{{0xED, 0xA0, 0x80}}},
		{"truncated then bad continuation", [][]byte{{0xE4}, {0x00}}},
		{"continuation byte in place of lead", [][]byte{{0x41}, {0x80}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v utf8Validator
			var err error
			for _, chunk := range tt.chunks {
				if err = v.write(chunk); err != nil {
					break
				}
			}
			require.ErrorIs(t, err, ErrInvalidUTF8)
		})
	}
}

func TestUTF8Validator_IncompleteAtClose(t *testing.T) {
	var v utf8Validator
	require.NoError(t, v.write([]byte{0xE4, 0xB8})) // missing final continuation byte
	require.ErrorIs(t, v.close(), ErrInvalidUTF8)
}

func TestUTF8Validator_ReplacementCharacterIsValid(t *testing.T) {
	// U+FFFD encodes to 0xEF 0xBF 0xBD and legitimately decodes back to
	// utf8.RuneError; it must not be rejected on that basis alone.
	var v utf8Validator
	require.NoError(t, v.write([]byte{0xEF, 0xBF, 0xBD}))
	require.NoError(t, v.close())
}

func TestUTF8Validator_EmptyChunkIsNoop(t *testing.T) {
	var v utf8Validator
	require.NoError(t, v.write(nil))
	require.NoError(t, v.write([]byte{}))
	require.NoError(t, v.close())
}

func TestUTF8SeqLen(t *testing.T) {
	tests := []struct {
		lead byte
		want int
	}{
		{0x00, 1},
		{0x41, 1},
		{0x7F, 1},
		{0x80, 0},
		{0xBF, 0},
		{0xC0, 2},
		{0xDF, 2},
		{0xE0, 3},
		{0xEF, 3},
		{0xF0, 4},
		{0xF7, 4},
		{0xF8, 0},
		{0xFF, 0},
	}

	for _, tt := range tests {
		require.Equalf(t, tt.want, utf8SeqLen(tt.lead), "lead=0x%X", tt.lead)
	}
}
