package ingest

import (
	"bytes"
	"iter"
	"strings"
	"unicode"

	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultMaxLineBytes caps the text buffered while waiting for a terminator.
const DefaultMaxLineBytes = 4096

const (
	lineTerminator = '\n'
	utf8Max        = 4
)

// Assembler turns arbitrarily chunked bytes into complete, sanitized lines.
// It keeps the unterminated residue between calls and must be used from a
// single goroutine.
type Assembler struct {
	decoder transform.Transformer
	pending []byte // trailing bytes of an incomplete UTF-8 sequence
	buf     []byte // decoded text, possibly several complete lines plus a tail
	maxLine int

	// discarding is set while the rest of an overlong line is skipped.
	discarding bool
	overflows  int
}

// NewAssembler returns an assembler that drops lines longer than maxLine bytes.
// A non-positive maxLine selects DefaultMaxLineBytes.
func NewAssembler(maxLine int) *Assembler {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Assembler{
		decoder: xunicode.UTF8.NewDecoder(),
		buf:     make([]byte, 0, 256),
		maxLine: maxLine,
	}
}

// Feed appends chunk to the buffer and returns the complete lines it now
// holds. Lines are extracted lazily as the sequence is consumed; lines left
// unconsumed stay buffered and come out of the next Feed in order.
func (a *Assembler) Feed(chunk []byte) iter.Seq[string] {
	a.appendText(a.decode(chunk))
	return func(yield func(string) bool) {
		for {
			line, ok := a.next()
			if !ok {
				return
			}
			if !yield(line) {
				return
			}
		}
	}
}

// Buffered returns the number of decoded bytes held, terminated or not.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Overflows returns how many overlong lines have been dropped.
func (a *Assembler) Overflows() int {
	return a.overflows
}

// Reset forgets all buffered text, including any partially received rune.
func (a *Assembler) Reset() {
	a.decoder.Reset()
	a.pending = a.pending[:0]
	a.buf = a.buf[:0]
	a.discarding = false
}

// decode converts chunk to UTF-8 text, substituting U+FFFD for invalid input.
// An incomplete multi-byte sequence at the end is held back for the next call.
func (a *Assembler) decode(chunk []byte) []byte {
	src := make([]byte, 0, len(a.pending)+len(chunk))
	src = append(src, a.pending...)
	src = append(src, chunk...)

	out := make([]byte, 0, len(src))
	dst := make([]byte, 3*len(src)+utf8Max)
	for len(src) > 0 {
		nDst, nSrc, err := a.decoder.Transform(dst, src, false)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		if err != transform.ErrShortDst {
			break
		}
	}
	a.pending = append(a.pending[:0], src...)
	return out
}

// appendText adds decoded text to the buffer. While discarding, everything up
// to and including the next terminator belongs to the dropped line.
func (a *Assembler) appendText(text []byte) {
	if a.discarding {
		idx := bytes.IndexByte(text, lineTerminator)
		if idx < 0 {
			return
		}
		text = text[idx+1:]
		a.discarding = false
	}
	a.buf = append(a.buf, text...)

	// The unterminated tail is a prefix of the next line; once it is longer
	// than the cap the line can only be dropped.
	tail := bytes.LastIndexByte(a.buf, lineTerminator) + 1
	if len(a.buf)-tail > a.maxLine {
		a.buf = a.buf[:tail]
		a.discarding = true
		a.overflows++
	}
}

// next extracts the next complete line, skipping overlong ones.
func (a *Assembler) next() (string, bool) {
	for {
		idx := bytes.IndexByte(a.buf, lineTerminator)
		if idx < 0 {
			return "", false
		}
		overlong := idx > a.maxLine
		line := sanitize(a.buf[:idx])
		a.buf = append(a.buf[:0], a.buf[idx+1:]...)
		if overlong {
			a.overflows++
			continue
		}
		return line, true
	}
}

// sanitize removes control characters (CR included) and trims whitespace.
func sanitize(raw []byte) string {
	s := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, string(raw))
	return strings.TrimSpace(s)
}
