// Package wire implements the record codec spoken between the launcher,
// the agent and the worker.
//
// Every record starts with its tag written as a length-prefixed string:
// a big-endian uint16 that is always 2, then two ASCII bytes.  The
// tag-specific fields follow.  All integers are big-endian and strings
// are a uint16 byte count followed by UTF-8 bytes.  A record is always
// encoded into one buffer and handed to a single Write call, so a
// reader never observes half of a record from one sender interleaved
// with another.
package wire

import "fmt"

// Tag identifies a record type.
type Tag string

const (
	TagStartVM         Tag = "VM" // launcher → agent, consumed by the handshake bridge
	TagReady           Tag = "RD" // worker → launcher
	TagRemoteClasspath Tag = "RC"
	TagLocalClasspath  Tag = "LC"
	TagCacheManifest   Tag = "CR"
	TagCacheQuery      Tag = "CQ"
	TagArguments       Tag = "AR"
	TagMainClass       Tag = "MC"
	TagStart           Tag = "ST"
	TagResourceRequest Tag = "RR" // worker → launcher
	TagResource        Tag = "R!"
	TagStream          Tag = "S0" // agent → launcher only
)

const (
	// TagLen is the fixed length carried in every tag prefix.
	TagLen = 2

	// StartVMHeaderLen is the fixed part of a VM record: tag (4), debug
	// port (4), suspend (1), stop-on-disconnect (1), nested length (2).
	StartVMHeaderLen = 12

	// MaxNested bounds the VM record's nested argument block.
	MaxNested = 32767

	// MaxString is the longest encodable string.
	MaxString = 0xFFFF

	// StreamHeaderLen is the size of an S0 record before its payload.
	StreamHeaderLen = 6
)

// Message is one decoded record.
type Message interface {
	Tag() Tag
	// AppendTo appends the encoded record, tag included, to dst.
	AppendTo(dst []byte) ([]byte, error)
}

func (t Tag) String() string { return string(t) }

// valid reports whether t is exactly two bytes long.
func (t Tag) valid() error {
	if len(t) != TagLen {
		return fmt.Errorf("tag %q must be %d bytes", string(t), TagLen)
	}
	return nil
}
