package wire

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	rvlerrors "rvl/internal/errors"
)

func encode(t *testing.T, msgs ...Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		if err := Encode(&buf, m); err != nil {
			t.Fatalf("Encode(%s): %v", m.Tag(), err)
		}
	}
	return buf.Bytes()
}

// TestStartVM_HeaderLayout verifies the fixed 12-byte header whose last
// two bytes give the length of the nested argument block.
func TestStartVM_HeaderLayout(t *testing.T) {
	m := &StartVM{
		DebugPort:        5005,
		Suspend:          true,
		StopOnDisconnect: true,
		VMArgs:           []string{"GOGC=50"},
		WorkerArgs:       []string{"-d", "2"},
	}
	b := encode(t, m)

	if !bytes.Equal(b[:4], []byte{0, 2, 'V', 'M'}) {
		t.Fatalf("tag prefix = % x", b[:4])
	}
	if port := binary.BigEndian.Uint32(b[4:8]); port != 5005 {
		t.Errorf("debug port = %d", port)
	}
	if b[8] != 1 || b[9] != 1 {
		t.Errorf("flags = %d %d", b[8], b[9])
	}
	nested := int(binary.BigEndian.Uint16(b[10:12]))
	if nested != len(b)-StartVMHeaderLen {
		t.Errorf("nested length %d, payload is %d bytes", nested, len(b)-StartVMHeaderLen)
	}

	got, err := NewDecoder(bytes.NewReader(b)).Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("decoded %+v, want %+v", got, m)
	}
}

func TestStartVM_TooLarge(t *testing.T) {
	m := &StartVM{VMArgs: []string{strings.Repeat("x", 20000), strings.Repeat("y", 20000)}}
	err := Encode(io.Discard, m)
	if !errors.Is(err, rvlerrors.ErrRecordTooLarge) {
		t.Fatalf("err = %v, want ErrRecordTooLarge", err)
	}
}

func TestStartVM_ExcessNestedBytes(t *testing.T) {
	b := encode(t, &StartVM{})
	// Grow the nested block by one stray byte.
	binary.BigEndian.PutUint16(b[10:12], binary.BigEndian.Uint16(b[10:12])+1)
	b = append(b, 0xEE)

	_, err := NewDecoder(bytes.NewReader(b)).Next()
	if !errors.Is(err, rvlerrors.ErrMalformed) || !rvlerrors.IsProtocol(err) {
		t.Fatalf("err = %v, want malformed protocol error", err)
	}
}

// TestNegotiation_Sequence decodes the launcher's full record sequence
// from one stream.
func TestNegotiation_Sequence(t *testing.T) {
	msgs := []Message{
		&RemoteClasspath{Entries: []string{"/opt/app/bin"}},
		&LocalClasspath{Entries: []PathEntry{{"1", "build/bin"}, {"2", "../tools"}}},
		&CacheManifest{Resources: []ResourceInfo{
			{PathID: "1", Name: "hello", ModTime: 1700000000123, Length: 42},
			{PathID: "2", Name: "", ModTime: 1, Length: 0},
		}},
		&Arguments{Args: []string{"--name", "world"}},
		&MainClass{Name: "hello"},
		Start{},
	}
	dec := NewDecoder(bytes.NewReader(encode(t, msgs...)))
	for i, want := range msgs {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("record %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("after last record err = %v, want io.EOF", err)
	}
}

func TestResource_StreamingBody(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdef"), 3000)

	var buf bytes.Buffer
	if err := WriteResource(&buf, bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatal(err)
	}
	if err := WriteResource(&buf, nil, 0); err != nil {
		t.Fatal(err)
	}
	buf.Write(encode(t, Ready{}))

	dec := NewDecoder(&buf)
	msg, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	res := msg.(*Resource)
	if res.Size != int32(len(payload)) {
		t.Fatalf("size = %d", res.Size)
	}
	// Read only part of the body; Next must skip the rest.
	head := make([]byte, 10)
	if _, err := io.ReadFull(res.Body, head); err != nil {
		t.Fatal(err)
	}
	if string(head) != "abcdefabcd" {
		t.Errorf("head = %q", head)
	}

	msg, err = dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !msg.(*Resource).Missing() {
		t.Error("second resource should be missing")
	}
	if msg, err = dec.Next(); err != nil || msg.Tag() != TagReady {
		t.Fatalf("third record = %v, %v", msg, err)
	}
}

// TestResource_MissingMarker checks that both encoders put all-ones in the
// size field of a missing resource.
func TestResource_MissingMarker(t *testing.T) {
	want := append(AppendTag(nil, TagResource), 0xFF, 0xFF, 0xFF, 0xFF)

	got, err := (&Resource{Size: MissingResource}).AppendTo(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("AppendTo = % x, want % x", got, want)
	}

	var buf bytes.Buffer
	if err := WriteResource(&buf, nil, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("WriteResource = % x, want % x", buf.Bytes(), want)
	}

	msg, err := NewDecoder(bytes.NewReader(want)).Next()
	if err != nil {
		t.Fatal(err)
	}
	if res := msg.(*Resource); !res.Missing() || res.Size != -1 {
		t.Errorf("decoded size = %d", res.Size)
	}
}

func TestDecoder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		check func(error) bool
	}{
		{"unknown tag", []byte{0, 2, 'Z', 'Z'}, func(err error) bool { return errors.Is(err, rvlerrors.ErrUnknownTag) }},
		{"bad tag length", []byte{0, 3, 'R', 'D', 'X'}, func(err error) bool { return errors.Is(err, rvlerrors.ErrMalformed) }},
		{"truncated tag", []byte{0, 2, 'R'}, func(err error) bool { return err == io.ErrUnexpectedEOF }},
		{"truncated field", []byte{0, 2, 'M', 'C', 0, 9, 'h'}, func(err error) bool { return err == io.ErrUnexpectedEOF }},
		{"empty stream", nil, func(err error) bool { return err == io.EOF }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(bytes.NewReader(tt.input)).Next()
			if !tt.check(err) {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestAppendStream(t *testing.T) {
	b, err := AppendStream(nil, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 2, 'S', '0', 0, 5, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(b, want) {
		t.Errorf("got % x, want % x", b, want)
	}
	if len(b)-len("hello") != StreamHeaderLen {
		t.Errorf("header length %d, want %d", len(b)-5, StreamHeaderLen)
	}
	if _, err := AppendStream(nil, make([]byte, MaxString+1)); err == nil {
		t.Error("oversized chunk should fail")
	}
}

func TestMachine_Dispatch(t *testing.T) {
	input := encode(t, Ready{}, &ResourceRequest{PathID: "1", Name: "a/b"}, &Stream{Data: []byte("x")})
	m := NewMachine(NewDecoder(bytes.NewReader(input)))

	var seen []Tag
	m.Handle(TagReady, func(Message) error { seen = append(seen, TagReady); return nil })
	m.Handle(TagResourceRequest, func(msg Message) error {
		rr := msg.(*ResourceRequest)
		if rr.PathID != "1" || rr.Name != "a/b" {
			t.Errorf("request = %+v", rr)
		}
		seen = append(seen, TagResourceRequest)
		return nil
	})

	err := m.Run(context.Background())
	if !errors.Is(err, rvlerrors.ErrUnknownTag) {
		t.Fatalf("Run err = %v, want ErrUnknownTag for the unhandled S0", err)
	}
	if !reflect.DeepEqual(seen, []Tag{TagReady, TagResourceRequest}) {
		t.Errorf("seen = %v", seen)
	}
}
