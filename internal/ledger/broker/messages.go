package broker

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	EventAccount = "account"
	EventSlot    = "slot"
)

type (
	AccountMessage struct {
		Update ledger.AccountUpdate
	}

	SlotMessage struct {
		Clock types.Clock
	}
)

func (m *AccountMessage) WriteSSE(w io.Writer) error {
	return writeEvent(w, EventAccount, &m.Update)
}

func (m *SlotMessage) WriteSSE(w io.Writer) error {
	return writeEvent(w, EventSlot, &m.Clock)
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
