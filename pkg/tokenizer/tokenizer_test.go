package tokenizer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S1 from spec.md §8: delimiter tokenizer fed across two chunks.
func TestDelimiter_ChunkedAcrossCalls(t *testing.T) {
	tok := New(Delimiter([]byte("\n")))

	msgs, err := tok.Extract([]byte("ab"))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = tok.Extract([]byte("c\nde\nf"))
	require.NoError(t, err)
	want := [][]byte{[]byte("abc\n"), []byte("de\n")}
	require.Len(t, msgs, len(want))
	for i := range want {
		assert.Equal(t, want[i], msgs[i])
	}
	assert.Equal(t, 1, tok.Pending(), "residual %q", "f")
}

// Invariant #5: splitting the same input into different chunkings
// yields the same message sequence.
func TestDelimiter_DeterministicAcrossChunking(t *testing.T) {
	input := []byte("one\ntwo\nthree\n")

	full := New(Delimiter([]byte("\n")))
	wantMsgs, err := full.Extract(input)
	require.NoError(t, err)

	byteAtATime := New(Delimiter([]byte("\n")))
	var gotMsgs [][]byte
	for _, b := range input {
		msgs, err := byteAtATime.Extract([]byte{b})
		require.NoError(t, err)
		gotMsgs = append(gotMsgs, msgs...)
	}

	require.Len(t, gotMsgs, len(wantMsgs))
	for i := range wantMsgs {
		assert.Equal(t, wantMsgs[i], gotMsgs[i])
	}
}

func TestLengthPrefix_BigEndianContentExcludesHeader(t *testing.T) {
	tok := New(LengthPrefix(LengthPrefixConfig{
		LengthFieldWidth:      2,
		Endianness:            BigEndian,
		ContentIncludesHeader: false,
	}))

	// length field = 3 ("abc"), total message = 2 + 3 = 5 bytes.
	msgs, err := tok.Extract([]byte{0x00, 0x03, 'a', 'b', 'c'})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte{0x00, 0x03, 'a', 'b', 'c'}, msgs[0])
}

func TestLengthPrefix_HeaderOffset(t *testing.T) {
	tok := New(LengthPrefix(LengthPrefixConfig{
		HeaderOffset:          1, // a leading type byte
		LengthFieldWidth:      1,
		ContentIncludesHeader: false,
	}))

	// type=0x7F, length=2, payload="hi" -> total 1+1+2 = 4 bytes.
	msgs, err := tok.Extract([]byte{0x7F, 0x02, 'h', 'i'})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0], 4)
}

func TestOverflow_ClearsBufferAndReportsError(t *testing.T) {
	tok := New(LengthPrefix(LengthPrefixConfig{
		LengthFieldWidth:      2,
		Endianness:            BigEndian,
		ContentIncludesHeader: false,
	})).WithLimit(16)

	_, err := tok.Extract([]byte{0xFF, 0xFF}) // decoded length 65535, way over 16
	require.Error(t, err)
	var overflow *ErrOverflow
	require.True(t, errors.As(err, &overflow), "expected *ErrOverflow, got %T: %v", err, err)
	assert.Equal(t, 0, tok.Pending(), "buffer should be cleared after overflow")
}

func TestClear_DiscardsResidualTail(t *testing.T) {
	tok := New(Delimiter([]byte("\n")))
	_, err := tok.Extract([]byte("partial"))
	require.NoError(t, err)
	assert.NotZero(t, tok.Pending(), "expected a residual tail before Clear")
	tok.Clear()
	assert.Equal(t, 0, tok.Pending())
}

func TestCallableFramer(t *testing.T) {
	// Every message is framed by a single NUL-terminated token, mimicking
	// a callable framing rule supplied by a driver.
	framer := func(buf []byte) int {
		idx := bytes.IndexByte(buf, 0)
		if idx < 0 {
			return 0
		}
		return idx + 1
	}
	tok := New(framer)

	msgs, err := tok.Extract([]byte{'a', 'b', 0, 'c', 0})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
