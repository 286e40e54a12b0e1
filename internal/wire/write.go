package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	rvlerrors "rvl/internal/errors"
)

// ── append helpers ───────────────────────────────────────────────────

// AppendTag appends t as a length-prefixed string.
func AppendTag(b []byte, t Tag) []byte {
	b = binary.BigEndian.AppendUint16(b, TagLen)
	return append(b, t[0], t[1])
}

// AppendBool appends a single 0/1 byte.
func AppendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// AppendString appends a uint16 length and the bytes of s.
func AppendString(b []byte, s string) ([]byte, error) {
	if len(s) > MaxString {
		return b, fmt.Errorf("string of %d bytes: %w", len(s), rvlerrors.ErrRecordTooLarge)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

// AppendStrings appends a uint16 count followed by each string.
func AppendStrings(b []byte, list []string) ([]byte, error) {
	if len(list) > 0xFFFF {
		return b, fmt.Errorf("list of %d strings: %w", len(list), rvlerrors.ErrRecordTooLarge)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(list)))
	var err error
	for _, s := range list {
		if b, err = AppendString(b, s); err != nil {
			return b, err
		}
	}
	return b, nil
}

// MarkUint16Offset reserves a uint16 length slot and returns the offset
// just past it, to be passed to FillUint16Offset once the body is written.
func MarkUint16Offset(b []byte) ([]byte, int) {
	b = append(b, 0, 0)
	return b, len(b)
}

// FillUint16Offset writes the number of bytes appended since mark into
// the slot reserved by MarkUint16Offset.
func FillUint16Offset(b []byte, mark, limit int) error {
	n := len(b) - mark
	if n > limit {
		return fmt.Errorf("nested block of %d bytes exceeds %d: %w", n, limit, rvlerrors.ErrRecordTooLarge)
	}
	binary.BigEndian.PutUint16(b[mark-2:], uint16(n))
	return nil
}

// AppendStream appends one S0 record carrying payload.
func AppendStream(b []byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxString {
		return b, fmt.Errorf("stream chunk of %d bytes: %w", len(payload), rvlerrors.ErrRecordTooLarge)
	}
	b = AppendTag(b, TagStream)
	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	return append(b, payload...), nil
}

// ── writers ──────────────────────────────────────────────────────────

// Encode encodes m and writes it with a single Write call.
func Encode(w io.Writer, m Message) error {
	buf, err := m.AppendTo(make([]byte, 0, 64))
	if err != nil {
		return rvlerrors.Protocol(string(m.Tag()), err)
	}
	_, err = w.Write(buf)
	return err
}

// WriteResource streams an R! record: the header, then exactly size
// bytes from body.  A nil body sends the "missing" marker.
func WriteResource(w io.Writer, body io.Reader, size int64) error {
	hdr := AppendTag(make([]byte, 0, 8), TagResource)
	if body == nil {
		hdr = binary.BigEndian.AppendUint32(hdr, missingMarker)
		_, err := w.Write(hdr)
		return err
	}
	if size > 0x7FFFFFFF {
		return fmt.Errorf("resource of %d bytes: %w", size, rvlerrors.ErrRecordTooLarge)
	}
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(size))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	n, err := io.CopyN(w, body, size)
	if err != nil {
		return fmt.Errorf("resource body (%d of %d bytes): %w", n, size, err)
	}
	return nil
}
