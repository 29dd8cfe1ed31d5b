package proto

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// writer appends canonical field encodings. The first failure sticks and
// later calls become no-ops.
type writer struct {
	buf []byte
	err error
}

func (w *writer) fail(format string, args ...any) {
	if w.err == nil {
		w.err = fmt.Errorf(format, args...)
	}
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) fixed(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) count(n, max int, what string) {
	if n > max {
		w.fail("too many %s: %d > %d", what, n, max)
		return
	}
	w.u16(uint16(n))
}

func (w *writer) str(s string, max int, what string) {
	if len(s) > max {
		w.fail("%s too long: %d > %d", what, len(s), max)
		return
	}
	if !utf8.ValidString(s) {
		w.fail("%s is not utf-8", what)
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// reader consumes canonical field encodings from a single payload. It never
// looks outside buf.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.fail("truncated field")
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) boolean() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bad bool")
		return false
	}
}

func (r *reader) fixed(dst []byte) {
	if b := r.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (r *reader) count(max int, what string) int {
	n := int(r.u16())
	if n > max {
		r.fail("too many %s: %d", what, n)
		return 0
	}
	return n
}

func (r *reader) str(max int, what string) string {
	n := int(r.u16())
	if n > max {
		r.fail("%s too long: %d", what, n)
		return ""
	}
	b := r.take(n)
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail("%s is not utf-8", what)
		return ""
	}
	return string(b)
}

// done rejects trailing bytes so every value has exactly one encoding.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf)-r.off)
	}
	return nil
}
