// Package reader abstracts the physical card-reader library behind the
// CardChannel capability spec.md §6 defines, and provides a concrete
// adapter over github.com/ebfe/scard (PC/SC). Grounded on
// card/reader.go in the teacher repo.
package reader

import (
	"fmt"
	"time"

	"github.com/ebfe/scard"
)

// CardChannel is the capability the core consumes from the reader
// library (spec.md §6). It owns at most one active logical channel;
// transmit is exclusive (spec.md §5).
type CardChannel interface {
	Transmit(apdu []byte) ([]byte, error)
	ATR() []byte
	Close() error
}

// ListReaders enumerates reader names visible to the PC/SC subsystem.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("reader: establish PC/SC context: %w", err)
	}
	defer ctx.Release()

	names, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("reader: list readers: %w", err)
	}
	return names, nil
}

// PCSCChannel is the concrete CardChannel backed by a PC/SC reader.
type PCSCChannel struct {
	ctx  *scard.Context
	card *scard.Card
	name string
	atr  []byte
}

// Connect blocks up to timeout waiting for a card in the named reader and
// returns an open logical channel (spec.md §4.3). A zero timeout means no
// extra waiting beyond the PC/SC connect call itself.
func Connect(readerName string, timeout time.Duration) (*PCSCChannel, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("reader: establish PC/SC context: %w", err)
	}

	if timeout > 0 {
		if err := waitForCardPresent(ctx, readerName, timeout); err != nil {
			ctx.Release()
			return nil, err
		}
	}

	card, err := ctx.Connect(readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("reader: connect to %q: %w", readerName, err)
	}

	status, err := card.Status()
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		ctx.Release()
		return nil, fmt.Errorf("reader: card status: %w", err)
	}

	return &PCSCChannel{ctx: ctx, card: card, name: readerName, atr: status.Atr}, nil
}

func waitForCardPresent(ctx *scard.Context, readerName string, timeout time.Duration) error {
	states := []scard.ReaderState{{Reader: readerName, CurrentState: scard.StateUnaware}}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("reader: timed out waiting for card in %q", readerName)
		}
		if err := ctx.GetStatusChange(states, remaining); err != nil {
			return fmt.Errorf("reader: wait for card: %w", err)
		}
		if states[0].EventState&scard.StatePresent != 0 {
			return nil
		}
		states[0].CurrentState = states[0].EventState
	}
}

// Transmit sends an APDU and returns the raw response bytes. Only
// transport failures (reader absent, card removed) raise; non-9000
// status words come back as ordinary response bytes (spec.md §4.3).
func (c *PCSCChannel) Transmit(apduBytes []byte) ([]byte, error) {
	resp, err := c.card.Transmit(apduBytes)
	if err != nil {
		return nil, fmt.Errorf("reader: transmit: %w", err)
	}
	return resp, nil
}

// ATR returns the Answer To Reset bytes captured at connect time.
func (c *PCSCChannel) ATR() []byte { return c.atr }

// Name returns the PC/SC reader name this channel is bound to.
func (c *PCSCChannel) Name() string { return c.name }

// Close disconnects the card and releases the PC/SC context. Per
// spec.md §5, a CardChannel owns the reader handle and drop closes it.
func (c *PCSCChannel) Close() error {
	var err error
	if c.card != nil {
		err = c.card.Disconnect(scard.LeaveCard)
	}
	if c.ctx != nil {
		c.ctx.Release()
	}
	if err != nil {
		return fmt.Errorf("reader: close: %w", err)
	}
	return nil
}
