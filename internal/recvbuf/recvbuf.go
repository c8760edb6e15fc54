// Package recvbuf holds the bounded receive buffer a connection reads its request into,
// and the split functions that decide when a read has seen enough bytes.
package recvbuf

import (
	"bytes"
	"errors"
)

const DefaultSize = 4096

// ErrNoDelimiter is reported when the buffer filled up before the split function found its terminator.
var ErrNoDelimiter = errors.New("recvbuf: no delimiter found within buffer")

// SplitFunc returns the length of the complete token at the start of data
// (terminator included), or -1 when more bytes are needed.
type SplitFunc func(data []byte) int

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// Line splits at the first CRLF.
func Line(data []byte) int {
	if i := bytes.Index(data, crlf); i >= 0 {
		return i + len(crlf)
	}
	return -1
}

// HeaderBlock splits at the blank line ending a header block. A block that
// starts with CRLF is empty and ends right there.
func HeaderBlock(data []byte) int {
	if bytes.HasPrefix(data, crlf) {
		return len(crlf)
	}
	if i := bytes.Index(data, crlfcrlf); i >= 0 {
		return i + len(crlfcrlf)
	}
	return -1
}

// Buffer accumulates received bytes up to a fixed capacity.
// Consumed bytes are reclaimed on the next call to Space.
type Buffer struct {
	data []byte
	r, w int
}

func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{data: make([]byte, size)}
}

// Bytes returns the unread bytes. The slice is valid until the next Space or Consume.
func (b *Buffer) Bytes() []byte { return b.data[b.r:b.w] }

func (b *Buffer) Len() int { return b.w - b.r }

func (b *Buffer) Cap() int { return len(b.data) }

// Full reports whether unread bytes occupy the whole capacity.
func (b *Buffer) Full() bool { return b.Len() == len(b.data) }

// Space compacts the buffer and returns the writable tail. Follow a read into it with Commit.
func (b *Buffer) Space() []byte {
	if b.r > 0 {
		n := copy(b.data, b.data[b.r:b.w])
		b.r, b.w = 0, n
	}
	return b.data[b.w:]
}

func (b *Buffer) Commit(n int) {
	if n < 0 || b.w+n > len(b.data) {
		panic("recvbuf: commit out of range")
	}
	b.w += n
}

// Write copies as much of p as fits and returns the number of bytes taken.
func (b *Buffer) Write(p []byte) int {
	n := copy(b.Space(), p)
	b.w += n
	return n
}

// Consume discards the first n unread bytes and returns them.
func (b *Buffer) Consume(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	p := b.data[b.r : b.r+n]
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
	return p
}

// Scan runs split over the unread bytes. It returns the token length when found,
// ErrNoDelimiter when the buffer is full without one, and (-1, nil) when more bytes are needed.
func (b *Buffer) Scan(split SplitFunc) (int, error) {
	if n := split(b.Bytes()); n >= 0 {
		return n, nil
	}
	if b.Full() {
		return -1, ErrNoDelimiter
	}
	return -1, nil
}
