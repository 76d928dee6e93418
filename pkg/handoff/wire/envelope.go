// Package wire implements the self-describing binary envelope and field
// framing: a fixed header followed by a routing key and a field-by-field
// body, with strings u16-length-prefixed and blobs u32-length-prefixed.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Envelope is the wire-level frame every bus message travels in.
type Envelope struct {
	RoutingKey string
	Body       []byte
}

// Encode serializes the envelope as {length:u32, routing_key_len:u16,
// routing_key, body}. length covers everything after itself.
func (e Envelope) Encode() []byte {
	rk := []byte(e.RoutingKey)
	total := 2 + len(rk) + len(e.Body)
	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(rk)))
	copy(buf[6:6+len(rk)], rk)
	copy(buf[6+len(rk):], e.Body)
	return buf
}

// DecodeEnvelope parses a single frame previously produced by Encode. It
// returns the envelope and the number of bytes consumed, so callers can
// decode a stream of back-to-back frames.
func DecodeEnvelope(raw []byte) (Envelope, int, error) {
	if len(raw) < 4 {
		return Envelope{}, 0, fmt.Errorf("wire: short envelope header, %d bytes", len(raw))
	}
	total := int(binary.BigEndian.Uint32(raw[0:4]))
	if len(raw) < 4+total {
		return Envelope{}, 0, fmt.Errorf("wire: truncated envelope, want %d have %d", 4+total, len(raw))
	}
	if total < 2 {
		return Envelope{}, 0, fmt.Errorf("wire: envelope too short for routing key length")
	}
	body := raw[4 : 4+total]
	rkLen := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+rkLen {
		return Envelope{}, 0, fmt.Errorf("wire: truncated routing key")
	}
	routingKey := string(body[2 : 2+rkLen])
	payload := make([]byte, len(body)-2-rkLen)
	copy(payload, body[2+rkLen:])
	return Envelope{RoutingKey: routingKey, Body: payload}, 4 + total, nil
}

// Writer frames a message body field by field: fixed-width integers
// written directly, strings and blobs length-prefixed.
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) WriteUint8(v uint8) { w.buf.WriteByte(v) }

func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// WriteFloat64Seconds writes a wall-clock time as f64-seconds-since-epoch.
func (w *Writer) WriteFloat64Seconds(seconds float64) {
	w.WriteUint64(uint64(int64(seconds*1e9))) // nanoseconds, monotone and exact for our range
}

func (w *Writer) WriteString(s string) error {
	if len(s) > 1<<16-1 {
		return fmt.Errorf("wire: string too long for u16 length prefix: %d bytes", len(s))
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	w.buf.Write(b[:])
	w.buf.WriteString(s)
	return nil
}

func (w *Writer) WriteBlob(p []byte) error {
	if uint64(len(p)) > 1<<32-1 {
		return fmt.Errorf("wire: blob too long for u32 length prefix: %d bytes", len(p))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(p)))
	w.buf.Write(b[:])
	w.buf.Write(p)
	return nil
}

// Reader parses a field-framed body produced by Writer in the same order
// fields were written.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(body []byte) *Reader { return &Reader{buf: body} }

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("wire: short read, want %d bytes at offset %d of %d", n, r.pos, len(r.buf))
	}
	return nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadFloat64Seconds() (float64, error) {
	nanos, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return float64(nanos) / 1e9, nil
}

func (r *Reader) ReadString() (string, error) {
	if err := r.need(2); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2]))
	r.pos += 2
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *Reader) ReadBlob() ([]byte, error) {
	if err := r.need(4); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }
