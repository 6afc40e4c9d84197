// Package tokenizer splits an append-only byte stream into discrete
// messages per a configurable framing rule: delimiter, length-prefix,
// or a caller-supplied function.
package tokenizer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"drivercore/internal/errs"
)

// ErrOverflow is returned by Extract when a decoded message length
// exceeds the configured ceiling. The tokenizer clears its buffer
// before returning it; the caller is expected to report it to the
// transport's error sink and keep reading.
type ErrOverflow struct {
	Limit  int
	Length int
}

func (e *ErrOverflow) Error() string {
	return fmt.Sprintf("tokenizer: message length %d exceeds ceiling %d", e.Length, e.Limit)
}

// Func decides how many bytes the next message consumes given
// everything buffered so far. It returns 0 when the buffer holds an
// incomplete message. It must be pure: given the same buffer contents
// it always returns the same answer (invariant #5).
type Func func(buf []byte) int

// Tokenizer is a stateful framer: Extract is append-only with respect
// to the bytes fed to it, and retains only the unframed tail between
// calls.
type Tokenizer struct {
	framer Func
	buf    []byte
	limit  int // 0 means unbounded
}

// New builds a Tokenizer around an arbitrary framing function.
func New(framer Func) *Tokenizer {
	return &Tokenizer{framer: framer}
}

// WithLimit sets the maximum message length Extract will accept before
// reporting ErrOverflow and clearing the buffer. 0 disables the check.
func (t *Tokenizer) WithLimit(limit int) *Tokenizer {
	t.limit = limit
	return t
}

// Extract appends data to the internal buffer and returns every
// complete message the framing rule can carve out of it, in arrival
// order. The unframed remainder is retained for the next call.
func (t *Tokenizer) Extract(data []byte) ([][]byte, error) {
	t.buf = append(t.buf, data...)

	var messages [][]byte
	for {
		n := t.framer(t.buf)
		if n <= 0 {
			break
		}
		if t.limit > 0 && n > t.limit {
			length := n
			t.buf = nil
			return messages, errs.TokenizerOverflow(&ErrOverflow{Limit: t.limit, Length: length})
		}
		if n > len(t.buf) {
			break
		}
		msg := make([]byte, n)
		copy(msg, t.buf[:n])
		messages = append(messages, msg)
		t.buf = t.buf[n:]
	}
	// Keep the retained tail from re-growing the backing array forever.
	if len(t.buf) > 0 {
		tail := make([]byte, len(t.buf))
		copy(tail, t.buf)
		t.buf = tail
	} else {
		t.buf = nil
	}
	return messages, nil
}

// Clear discards any buffered, unframed tail. Transports call this
// across a reconnect so a half-received message from the old
// connection never splices onto the new one.
func (t *Tokenizer) Clear() {
	t.buf = nil
}

// Pending returns the number of unframed bytes currently buffered.
func (t *Tokenizer) Pending() int {
	return len(t.buf)
}

// Delimiter builds a Func that frames each message up to and including
// the first occurrence of delim.
func Delimiter(delim []byte) Func {
	return func(buf []byte) int {
		idx := bytes.Index(buf, delim)
		if idx < 0 {
			return 0
		}
		return idx + len(delim)
	}
}

// Endianness selects byte order for LengthPrefix's length field.
type Endianness int

const (
	BigEndian Endianness = iota
	LittleEndian
)

// LengthPrefixConfig configures a length-prefixed framing rule.
type LengthPrefixConfig struct {
	// HeaderOffset is the number of bytes preceding the length field
	// (e.g. a message-type byte) that are not part of the length
	// calculation but are included in the framed message.
	HeaderOffset int
	// LengthFieldWidth is the width of the length field in bytes: 1,
	// 2, 4, or 8.
	LengthFieldWidth int
	Endianness       Endianness
	// ContentIncludesHeader reports whether the decoded length already
	// counts HeaderOffset+LengthFieldWidth. When false, those bytes are
	// added on top of the decoded length to get the full message size.
	ContentIncludesHeader bool
}

// LengthPrefix builds a Func implementing LengthPrefixConfig's framing
// rule. Panics on an unsupported LengthFieldWidth — that is a caller
// configuration error, not a runtime condition.
func LengthPrefix(cfg LengthPrefixConfig) Func {
	switch cfg.LengthFieldWidth {
	case 1, 2, 4, 8:
	default:
		panic(fmt.Sprintf("tokenizer: unsupported length field width %d", cfg.LengthFieldWidth))
	}

	headerLen := cfg.HeaderOffset + cfg.LengthFieldWidth

	return func(buf []byte) int {
		if len(buf) < headerLen {
			return 0
		}
		field := buf[cfg.HeaderOffset:headerLen]

		var length uint64
		switch cfg.LengthFieldWidth {
		case 1:
			length = uint64(field[0])
		case 2:
			if cfg.Endianness == LittleEndian {
				length = uint64(binary.LittleEndian.Uint16(field))
			} else {
				length = uint64(binary.BigEndian.Uint16(field))
			}
		case 4:
			if cfg.Endianness == LittleEndian {
				length = uint64(binary.LittleEndian.Uint32(field))
			} else {
				length = uint64(binary.BigEndian.Uint32(field))
			}
		case 8:
			if cfg.Endianness == LittleEndian {
				length = binary.LittleEndian.Uint64(field)
			} else {
				length = binary.BigEndian.Uint64(field)
			}
		}

		total := int(length)
		if !cfg.ContentIncludesHeader {
			total += headerLen
		}
		return total
	}
}
