/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import (
	"bufio"
	"bytes"
	"io"

	"github.com/valyala/bytebufferpool"
)

// framer is a line-oriented, rewindable-lookahead
// reading over the raw byte stream, plus boundary scanning. CRLF is the
// expected line terminator; a bare LF is tolerated but never emitted back
// to callers.
type framer struct {
	br            *bufio.Reader
	boundaryStack []string // outermost first, current changeset boundary last
	pending       *boundaryMatch
}

type boundaryMatch struct {
	found, isEnd, isParent bool
}

func newFramer(r io.Reader) *framer {
	return &framer{br: bufio.NewReaderSize(r, 8*1024)}
}

func (f *framer) pushBoundary(b string) { f.boundaryStack = append(f.boundaryStack, b) }

func (f *framer) popBoundary() {
	if n := len(f.boundaryStack); n > 0 {
		f.boundaryStack = f.boundaryStack[:n-1]
	}
}

func (f *framer) currentBoundary() string {
	if n := len(f.boundaryStack); n > 0 {
		return f.boundaryStack[n-1]
	}
	return ""
}

// readLine returns the next line with its CRLF/LF terminator stripped.
// io.EOF is returned once no more bytes remain.
func (f *framer) readLine() ([]byte, error) {
	line, err := f.br.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

// peekLine returns the next line without consuming it.
func (f *framer) peekLine() ([]byte, error) {
	for size := 128; ; size *= 2 {
		b, err := f.br.Peek(size)
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			line := bytes.TrimSuffix(b[:i], []byte("\r"))
			return line, nil
		}
		if err != nil {
			return bytes.TrimSuffix(b, []byte("\r")), err
		}
	}
}

// matchBoundary reports whether line is a boundary marker for any boundary
// currently on the stack. isParent is true when the match is against an
// enclosing (not innermost) boundary — a missing end-boundary of a nested
// changeset.
func (f *framer) matchBoundary(line []byte) (m boundaryMatch, ok bool) {
	top := len(f.boundaryStack) - 1
	for depth := top; depth >= 0; depth-- {
		b := f.boundaryStack[depth]
		marker := "--" + b
		switch string(line) {
		case marker:
			return boundaryMatch{found: true, isParent: depth != top}, true
		case marker + "--":
			return boundaryMatch{found: true, isEnd: true, isParent: depth != top}, true
		}
	}
	return boundaryMatch{}, false
}

// skipToBoundary discards any unread bytes of the current part (preamble on
// the first call) until a boundary line is found. If the part's body was
// already drained through a boundedBodyReader, the cached match is reused
// instead of rescanning.
func (f *framer) skipToBoundary() (found, isEnd, isParent bool, err error) {
	if f.pending != nil {
		m := *f.pending
		f.pending = nil
		return m.found, m.isEnd, m.isParent, nil
	}
	for {
		line, err := f.readLine()
		if err != nil {
			if err == io.EOF {
				return false, false, false, nil
			}
			return false, false, false, wrapBatchError(ErrMalformedFraming, err, "scanning for boundary: %v", err)
		}
		if m, ok := f.matchBoundary(line); ok {
			return m.found, m.isEnd, m.isParent, nil
		}
	}
}

// bodyLinePool pools the scratch buffer each boundedBodyReader accumulates
// lines into, the same role bytebufferpool plays for response bodies
// elsewhere in this codebase.
var bodyLinePool bytebufferpool.Pool

// openBody returns a bounded io.Reader over the current part's body: raw
// bytes up to (but not including) the CRLF that precedes the next boundary
// marker. Reading it to EOF leaves the framer positioned so the next
// skipToBoundary call returns instantly from the cached match.
func (f *framer) openBody() *boundedBodyReader {
	buf := bodyLinePool.Get()
	buf.Reset()
	return &boundedBodyReader{fr: f, firstLine: true, buf: buf}
}

// boundedBodyReader is the sub-stream an OperationRequestMessage or
// OperationResponseMessage exposes to the caller. Only one may be alive at
// a time; the façade enforces that via operationSubState.
type boundedBodyReader struct {
	fr        *framer
	buf       *bytebufferpool.ByteBuffer
	firstLine bool
	done      bool
	aborted   bool
	returned  bool
}

func (b *boundedBodyReader) Read(p []byte) (int, error) {
	if b.aborted {
		return 0, newBatchError(ErrStreamAborted, "body stream read after reader advanced")
	}
	for b.buf.Len() == 0 && !b.done {
		line, err := b.fr.readLine()
		if err != nil {
			b.done = true
			if err == io.EOF {
				break
			}
			return 0, wrapBatchError(ErrMalformedFraming, err, "reading part body: %v", err)
		}
		if m, ok := b.fr.matchBoundary(line); ok {
			b.done = true
			b.fr.pending = &m
			break
		}
		if !b.firstLine {
			b.buf.WriteString("\r\n")
		}
		b.firstLine = false
		b.buf.Write(line)
	}
	if b.buf.Len() == 0 {
		b.release()
		return 0, io.EOF
	}
	n := copy(p, b.buf.B)
	b.buf.B = b.buf.B[n:]
	if len(p) >= n && b.buf.Len() == 0 && b.done {
		b.release()
	}
	return n, nil
}

func (b *boundedBodyReader) release() {
	if b.returned {
		return
	}
	b.returned = true
	bodyLinePool.Put(b.buf)
}

// abort marks the stream unreadable, per the StreamAborted rule: a body
// sub-stream read after the façade has moved past it must fail.
func (b *boundedBodyReader) abort() {
	b.aborted = true
	b.release()
}
