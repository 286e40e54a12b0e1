// Package framing tracks record boundaries in the worker-to-launcher
// byte stream without consuming it.
//
// The worker only ever sends two records on its callback socket: RD
// (tag only) and RR (tag plus two length-prefixed strings).  The agent
// relays those bytes raw, and may splice an S0 record into the same
// outbound stream only where one worker record ends and the next has
// not begun.  Scanner is the resumable state machine that knows where
// that is, one byte at a time, across arbitrarily split chunks.
package framing

import (
	"fmt"

	rvlerrors "rvl/internal/errors"
	"rvl/internal/wire"
)

type state uint8

const (
	stateIdle       state = iota // at a record boundary
	stateTagLenLo                // read the high byte of the tag length
	stateTagHi                   // expecting the first tag byte
	stateTagLo                   // expecting the second tag byte
	stateFieldLenHi              // expecting a field length high byte
	stateFieldLenLo              // expecting a field length low byte
	stateFieldSkip               // skipping field bytes
)

var stateNames = [...]string{"idle", "tag-len-lo", "tag-hi", "tag-lo", "field-len-hi", "field-len-lo", "field-skip"}

func (s state) String() string { return stateNames[s] }

// recordFields is the number of length-prefixed fields following each
// tag the worker may send.  Fields are flat; nothing nests inside them.
var recordFields = map[wire.Tag]int{
	wire.TagReady:           0,
	wire.TagResourceRequest: 2,
}

// Scanner inspects bytes and reports whether the last one inspected
// completed a record.  The zero value is ready to use and idle.
type Scanner struct {
	state   state
	acc     int // high byte of a length in progress
	tag     [2]byte
	fields  int // fields left in the current record
	pending int // bytes left in the current field
	offset  int64
	err     error
}

// Idle reports whether the scanner sits on a record boundary.
func (s *Scanner) Idle() bool { return s.err == nil && s.state == stateIdle }

// Offset returns the number of bytes inspected so far.
func (s *Scanner) Offset() int64 { return s.offset }

// Err returns the protocol error that stopped the scanner, if any.
func (s *Scanner) Err() error { return s.err }

// Scan inspects p.  It never modifies p.  Once Scan has failed every
// later call returns the same error.
func (s *Scanner) Scan(p []byte) error {
	for i := 0; i < len(p); {
		if s.err != nil {
			return s.err
		}
		if s.state == stateFieldSkip {
			n := len(p) - i
			if n > s.pending {
				n = s.pending
			}
			i += n
			s.offset += int64(n)
			s.pending -= n
			if s.pending == 0 {
				s.fieldDone()
			}
			continue
		}
		if err := s.Step(p[i]); err != nil {
			return err
		}
		i++
	}
	return s.err
}

// Step inspects a single byte.
func (s *Scanner) Step(c byte) error {
	if s.err != nil {
		return s.err
	}
	s.offset++

	switch s.state {
	case stateIdle:
		s.acc = int(c) << 8
		s.state = stateTagLenLo
	case stateTagLenLo:
		if n := s.acc | int(c); n != wire.TagLen {
			return s.fail("", fmt.Errorf("%w: record tag length %d", rvlerrors.ErrMalformed, n))
		}
		s.state = stateTagHi
	case stateTagHi:
		s.tag[0] = c
		s.state = stateTagLo
	case stateTagLo:
		s.tag[1] = c
		tag := wire.Tag(s.tag[:])
		fields, ok := recordFields[tag]
		if !ok {
			return s.fail(string(tag), fmt.Errorf("%w: worker may not send this record", rvlerrors.ErrUnknownTag))
		}
		s.fields = fields
		if fields == 0 {
			s.state = stateIdle
		} else {
			s.state = stateFieldLenHi
		}
	case stateFieldLenHi:
		s.acc = int(c) << 8
		s.state = stateFieldLenLo
	case stateFieldLenLo:
		s.pending = s.acc | int(c)
		if s.pending == 0 {
			s.fieldDone()
		} else {
			s.state = stateFieldSkip
		}
	case stateFieldSkip:
		s.pending--
		if s.pending == 0 {
			s.fieldDone()
		}
	}
	return nil
}

func (s *Scanner) fieldDone() {
	s.fields--
	if s.fields == 0 {
		s.state = stateIdle
	} else {
		s.state = stateFieldLenHi
	}
}

func (s *Scanner) fail(tag string, err error) error {
	s.err = &rvlerrors.ProtocolError{Tag: tag, Offset: s.offset - 1, Err: err}
	return s.err
}

// String describes the scanner state for trace logs.
func (s *Scanner) String() string {
	if s.err != nil {
		return "failed: " + s.err.Error()
	}
	return fmt.Sprintf("%s@%d", s.state, s.offset)
}
