package wire

import (
	"context"
	"fmt"

	rvlerrors "rvl/internal/errors"
)

// Handler processes one decoded record.
type Handler func(m Message) error

// Machine dispatches records from a Decoder to per-tag handlers.  A
// record whose tag has no handler is a protocol error.
type Machine struct {
	dec      *Decoder
	handlers map[Tag]Handler
}

// NewMachine returns a Machine reading records from dec.
func NewMachine(dec *Decoder) *Machine {
	return &Machine{dec: dec, handlers: make(map[Tag]Handler)}
}

// Handle registers h for tag, replacing any earlier handler.
func (m *Machine) Handle(tag Tag, h Handler) {
	m.handlers[tag] = h
}

// Step decodes one record and runs its handler.
func (m *Machine) Step() error {
	msg, err := m.dec.Next()
	if err != nil {
		return err
	}
	h, ok := m.handlers[msg.Tag()]
	if !ok {
		return &rvlerrors.ProtocolError{Tag: string(msg.Tag()), Offset: m.dec.Offset(),
			Err: fmt.Errorf("%w: no handler registered", rvlerrors.ErrUnknownTag)}
	}
	return h(msg)
}

// Run steps until a handler or the decoder fails or ctx is cancelled.
// The context is only checked between records.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
}
