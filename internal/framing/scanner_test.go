package framing

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	rvlerrors "rvl/internal/errors"
	"rvl/internal/wire"
)

// workerStream encodes a typical worker conversation and returns the
// bytes plus the offsets (exclusive) at which each record ends.
func workerStream(t *testing.T) ([]byte, map[int]bool) {
	t.Helper()
	msgs := []wire.Message{
		wire.Ready{},
		&wire.ResourceRequest{PathID: "1", Name: "hello"},
		&wire.ResourceRequest{PathID: "", Name: ""},
		&wire.ResourceRequest{PathID: "12", Name: string(bytes.Repeat([]byte("x"), 700))},
		wire.Ready{},
	}
	var buf bytes.Buffer
	ends := make(map[int]bool)
	for _, m := range msgs {
		if err := wire.Encode(&buf, m); err != nil {
			t.Fatal(err)
		}
		ends[buf.Len()] = true
	}
	return buf.Bytes(), ends
}

// idleTrace returns Idle() after each byte when fed one byte at a time.
func idleTrace(t *testing.T, data []byte) []bool {
	t.Helper()
	var s Scanner
	trace := make([]bool, len(data))
	for i := range data {
		if err := s.Scan(data[i : i+1]); err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		trace[i] = s.Idle()
	}
	return trace
}

func TestScanner_IdleAtRecordEnds(t *testing.T) {
	data, ends := workerStream(t)
	for i, idle := range idleTrace(t, data) {
		if idle != ends[i+1] {
			t.Fatalf("offset %d: idle = %v, want %v", i+1, idle, ends[i+1])
		}
	}
}

// TestScanner_FragmentationIdempotence checks that every possible split
// of the stream yields the same idle state at each absolute offset.
func TestScanner_FragmentationIdempotence(t *testing.T) {
	data, _ := workerStream(t)
	ref := idleTrace(t, data)

	for k := 1; k < len(data); k++ {
		var s Scanner
		if err := s.Scan(data[:k]); err != nil {
			t.Fatalf("split %d: %v", k, err)
		}
		if s.Idle() != ref[k-1] {
			t.Fatalf("split %d: idle = %v, want %v", k, s.Idle(), ref[k-1])
		}
		if err := s.Scan(data[k:]); err != nil {
			t.Fatalf("split %d tail: %v", k, err)
		}
		if !s.Idle() || s.Offset() != int64(len(data)) {
			t.Fatalf("split %d: final state %s", k, s.String())
		}
	}

	rnd := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		var s Scanner
		for off := 0; off < len(data); {
			end := off + 1 + rnd.Intn(40)
			if end > len(data) {
				end = len(data)
			}
			if err := s.Scan(data[off:end]); err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
			if s.Idle() != ref[end-1] {
				t.Fatalf("round %d offset %d: idle = %v, want %v", round, end, s.Idle(), ref[end-1])
			}
			off = end
		}
	}
}

func TestScanner_DoesNotModifyInput(t *testing.T) {
	data, _ := workerStream(t)
	orig := append([]byte(nil), data...)

	var s Scanner
	if err := s.Scan(data); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, orig) {
		t.Fatal("Scan modified its input")
	}
}

func TestScanner_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"tag length three", []byte{0, 3, 'R', 'D', 'X'}, rvlerrors.ErrMalformed},
		{"stream record from worker", []byte{0, 2, 'S', '0', 0, 1, 'x'}, rvlerrors.ErrUnknownTag},
		{"start record from worker", []byte{0, 2, 'R', 'D', 0, 2, 'S', 'T'}, rvlerrors.ErrUnknownTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Scanner
			err := s.Scan(tt.input)
			if !errors.Is(err, tt.want) || !rvlerrors.IsProtocol(err) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if s.Idle() {
				t.Error("failed scanner must not report idle")
			}
			if again := s.Scan([]byte{0}); again != err {
				t.Errorf("error should be sticky, got %v", again)
			}
		})
	}
}

func TestScanner_ErrorOffset(t *testing.T) {
	var s Scanner
	input := append(wireBytes(t, wire.Ready{}), 0, 2, 'Z', 'Z')
	err := s.Scan(input)

	var pe *rvlerrors.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if pe.Tag != "ZZ" || pe.Offset != int64(len(input)-1) {
		t.Errorf("tag %q offset %d", pe.Tag, pe.Offset)
	}
}

func wireBytes(t *testing.T, m wire.Message) []byte {
	t.Helper()
	b, err := m.AppendTo(nil)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
