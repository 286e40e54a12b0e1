package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	rvlerrors "rvl/internal/errors"
)

// Decoder reads records from a byte stream.  It never reads past the end
// of the record it is decoding, so the stream can be handed to another
// consumer between records.
type Decoder struct {
	r       io.Reader
	offset  int64
	scratch [8]byte
	pending *io.LimitedReader // unread R! body
	tag     Tag               // tag of the record being decoded
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int64 { return d.offset }

// Next decodes the next record.  A clean end of stream between records
// returns io.EOF; anything else that ends early is io.ErrUnexpectedEOF.
func (d *Decoder) Next() (Message, error) {
	if err := d.discardPending(); err != nil {
		return nil, err
	}
	start := d.offset
	d.tag = ""
	tag, err := d.readTag()
	if err != nil {
		if err == io.ErrUnexpectedEOF && d.offset == start {
			return nil, io.EOF
		}
		return nil, err
	}
	d.tag = tag

	switch tag {
	case TagStartVM:
		return d.startVM()
	case TagReady:
		return Ready{}, nil
	case TagStart:
		return Start{}, nil
	case TagRemoteClasspath:
		list, err := d.readStrings()
		return &RemoteClasspath{Entries: list}, err
	case TagLocalClasspath:
		return d.localClasspath()
	case TagCacheManifest:
		return d.cacheManifest()
	case TagCacheQuery:
		s, err := d.readString()
		return &CacheQuery{Name: s}, err
	case TagArguments:
		list, err := d.readStrings()
		return &Arguments{Args: list}, err
	case TagMainClass:
		s, err := d.readString()
		return &MainClass{Name: s}, err
	case TagResourceRequest:
		id, err := d.readString()
		if err != nil {
			return nil, err
		}
		name, err := d.readString()
		return &ResourceRequest{PathID: id, Name: name}, err
	case TagResource:
		return d.resource()
	case TagStream:
		n, err := d.readUint16()
		if err != nil {
			return nil, err
		}
		data := make([]byte, n)
		return &Stream{Data: data}, d.readFull(data)
	default:
		return nil, &rvlerrors.ProtocolError{Tag: string(tag), Offset: start, Err: rvlerrors.ErrUnknownTag}
	}
}

// ── record bodies ────────────────────────────────────────────────────

func (d *Decoder) startVM() (Message, error) {
	m := &StartVM{}
	port, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	m.DebugPort = int32(port)
	if m.Suspend, err = d.readBool(); err != nil {
		return nil, err
	}
	if m.StopOnDisconnect, err = d.readBool(); err != nil {
		return nil, err
	}
	n, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	nested := make([]byte, n)
	if err := d.readFull(nested); err != nil {
		return nil, err
	}

	offset := 0
	if offset, m.VMArgs, err = parseStrings(nested, offset); err != nil {
		return nil, d.malformed("vm args: %v", err)
	}
	if offset, m.WorkerArgs, err = parseStrings(nested, offset); err != nil {
		return nil, d.malformed("worker args: %v", err)
	}
	if offset != len(nested) {
		return nil, d.malformed("%d excess bytes in nested block", len(nested)-offset)
	}
	return m, nil
}

func (d *Decoder) localClasspath() (Message, error) {
	n, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	m := &LocalClasspath{Entries: make([]PathEntry, 0, n)}
	for i := 0; i < int(n); i++ {
		var e PathEntry
		if e.ID, err = d.readString(); err != nil {
			return nil, err
		}
		if e.Path, err = d.readString(); err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, e)
	}
	return m, nil
}

func (d *Decoder) cacheManifest() (Message, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	if int32(n) < 0 {
		return nil, d.malformed("negative resource count")
	}
	m := &CacheManifest{}
	for i := uint32(0); i < n; i++ {
		var r ResourceInfo
		if r.PathID, err = d.readString(); err != nil {
			return nil, err
		}
		if r.Name, err = d.readString(); err != nil {
			return nil, err
		}
		var v uint64
		if v, err = d.readUint64(); err != nil {
			return nil, err
		}
		r.ModTime = int64(v)
		if v, err = d.readUint64(); err != nil {
			return nil, err
		}
		r.Length = int64(v)
		m.Resources = append(m.Resources, r)
	}
	return m, nil
}

func (d *Decoder) resource() (Message, error) {
	v, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	size := int32(v)
	if size < MissingResource {
		return nil, d.malformed("resource size %d", size)
	}
	m := &Resource{Size: size}
	if size > 0 {
		d.pending = &io.LimitedReader{R: countingReader{d}, N: int64(size)}
		m.Body = d.pending
	} else {
		m.Body = eofReader{}
	}
	return m, nil
}

// ── primitives ───────────────────────────────────────────────────────

func (d *Decoder) readFull(p []byte) error {
	n, err := io.ReadFull(d.r, p)
	d.offset += int64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (d *Decoder) readTag() (Tag, error) {
	var b [4]byte
	if err := d.readFull(b[:]); err != nil {
		return "", err
	}
	if n := binary.BigEndian.Uint16(b[:2]); n != TagLen {
		return "", &rvlerrors.ProtocolError{Offset: d.offset - 4,
			Err: fmt.Errorf("%w: tag length %d", rvlerrors.ErrMalformed, n)}
	}
	return Tag(b[2:4]), nil
}

func (d *Decoder) readBool() (bool, error) {
	if err := d.readFull(d.scratch[:1]); err != nil {
		return false, err
	}
	return d.scratch[0] != 0, nil
}

func (d *Decoder) readUint16() (uint16, error) {
	if err := d.readFull(d.scratch[:2]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(d.scratch[:2]), nil
}

func (d *Decoder) readUint32() (uint32, error) {
	if err := d.readFull(d.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(d.scratch[:4]), nil
}

func (d *Decoder) readUint64() (uint64, error) {
	if err := d.readFull(d.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(d.scratch[:8]), nil
}

func (d *Decoder) readString() (string, error) {
	n, err := d.readUint16()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if err := d.readFull(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) readStrings() ([]string, error) {
	n, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := d.readString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *Decoder) discardPending() error {
	if d.pending == nil || d.pending.N == 0 {
		d.pending = nil
		return nil
	}
	_, err := io.Copy(io.Discard, d.pending)
	left := d.pending.N
	d.pending = nil
	if err == nil && left > 0 {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (d *Decoder) malformed(format string, args ...interface{}) error {
	return &rvlerrors.ProtocolError{Tag: string(d.tag), Offset: d.offset,
		Err: fmt.Errorf("%w: %s", rvlerrors.ErrMalformed, fmt.Sprintf(format, args...))}
}

// parseStrings reads a uint16-counted string list from an in-memory block.
func parseStrings(b []byte, offset int) (int, []string, error) {
	if len(b) < offset+2 {
		return offset, nil, io.ErrUnexpectedEOF
	}
	n := int(binary.BigEndian.Uint16(b[offset:]))
	offset += 2
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < offset+2 {
			return offset, nil, io.ErrUnexpectedEOF
		}
		l := int(binary.BigEndian.Uint16(b[offset:]))
		offset += 2
		if len(b) < offset+l {
			return offset, nil, io.ErrUnexpectedEOF
		}
		out = append(out, string(b[offset:offset+l]))
		offset += l
	}
	return offset, out, nil
}

// countingReader reads through the decoder so Offset stays accurate
// while an R! body is streamed by the caller.
type countingReader struct{ d *Decoder }

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.d.r.Read(p)
	c.d.offset += int64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
