package mesh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned by Decode for any frame that cannot be
// interpreted as a message.
var ErrMalformedMessage = errors.New("malformed mesh message")

// HeaderLen is the size of the fixed frame header: dst, src and the type tag.
const HeaderLen = 2*AddressLen + 1

// Encode serializes m into a wire frame.
// Frame layout: [dst(6)][src(6)][type(1)][payload...], integers little-endian.
func Encode(m Message) []byte {
	h := m.MessageHeader()
	w := &writer{buf: make([]byte, 0, HeaderLen+16)}
	w.addr(h.Dst)
	w.addr(h.Src)
	w.u8(uint8(m.Type()))
	m.encodePayload(w)
	return w.buf
}

// Decode parses a wire frame. Every failure wraps ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("%w: frame is %d bytes, header needs %d", ErrMalformedMessage, len(data), HeaderLen)
	}

	r := &reader{buf: data}
	var h Header
	h.Dst = r.addr()
	h.Src = r.addr()
	t := MessageType(r.u8())

	m := newMessage(t)
	if m == nil {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, uint8(t))
	}
	*m.MessageHeader() = h
	m.decodePayload(r)
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	return m, nil
}

// PeekType returns the type tag of a frame without decoding its payload.
func PeekType(data []byte) (MessageType, bool) {
	if len(data) < HeaderLen {
		return 0, false
	}
	return MessageType(data[HeaderLen-1]), true
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) i8(v int8) { w.buf = append(w.buf, uint8(v)) }

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *writer) i16(v int16) { w.u16(uint16(v)) }

func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *writer) i32(v int32) { w.u32(uint32(v)) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) addr(a Address) { w.buf = append(w.buf, a[:]...) }

// varstr writes a u8 length prefix; strings longer than 255 bytes are cut.
func (w *writer) varstr(s string) {
	if len(s) > 0xff {
		s = s[:0xff]
	}
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

// fixedstr writes s NUL-padded to exactly n bytes.
func (w *writer) fixedstr(s string, n int) {
	field := make([]byte, n)
	copy(field, s)
	w.buf = append(w.buf, field...)
}

func (w *writer) addrs(list []Address) {
	if len(list) > 0xff {
		list = list[:0xff]
	}
	w.u8(uint8(len(list)))
	for _, a := range list {
		w.addr(a)
	}
}

// reader keeps the first error it hits; later reads return zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrMalformedMessage}, args...)...)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.fail("need %d bytes at offset %d, frame has %d", n, r.off, len(r.buf))
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

func (r *reader) i8() int8 { return int8(r.u8()) }

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) i16() int16 { return int16(r.u16()) }

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) boolean(field string) bool {
	v := r.u8()
	if v > 1 {
		r.fail("%s: invalid bool value %d", field, v)
	}
	return v == 1
}

func (r *reader) addr() Address {
	var a Address
	copy(a[:], r.take(AddressLen))
	return a
}

func (r *reader) varstr() string {
	n := int(r.u8())
	return string(r.take(n))
}

func (r *reader) fixedstr(n int) string {
	b := r.take(n)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// blob reads n bytes into a fresh slice; empty reads yield nil.
func (r *reader) blob(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// addrs reads a u8-counted address list; an empty list yields nil.
func (r *reader) addrs() []Address {
	n := int(r.u8())
	if n == 0 || r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n*AddressLen {
		r.fail("address list of %d entries overruns frame", n)
		return nil
	}
	out := make([]Address, n)
	for i := range out {
		out[i] = r.addr()
	}
	return out
}

func (r *reader) finish() error {
	if r.err == nil && r.off != len(r.buf) {
		r.fail("%d trailing bytes", len(r.buf)-r.off)
	}
	return r.err
}
