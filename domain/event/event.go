// Package event defines the envelope exchanged with the rest of the
// platform over Kafka: alerts and hand-offs published by the monitor, and
// chain notifications consumed by the ingest loop.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderflow/domain/order"
)

type Kind string

const (
	StaleOrder           Kind = "stale_order"
	TransactionConfirmed Kind = "transaction_confirmed"
	DroppedOrder         Kind = "dropped_order"
	TransactionIncluded  Kind = "transaction_included"
	TransactionsReorged  Kind = "transactions_reorged"
)

// Version of the envelope layout.
const Version = 1

var ErrMalformed = errors.New("malformed event")

// Event is the envelope. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	Seq  uint64
	At   time.Time

	OrderID uuid.UUID
	State   order.State

	TxHash      string
	Address     string
	ChainID     uint64
	BlockNumber uint64
	BlockHash   string

	Hashes []string
}

// Key is the partition key: events about one address stay ordered.
func (e Event) Key() string {
	if e.Address != "" {
		return fmt.Sprintf("%s#%d", order.NormalizeAddress(e.Address), e.ChainID)
	}
	if e.OrderID != uuid.Nil {
		return e.OrderID.String()
	}
	return string(e.Kind)
}

func (e Event) Validate() error {
	switch e.Kind {
	case StaleOrder, DroppedOrder:
		if e.OrderID == uuid.Nil {
			return fmt.Errorf("%w: %s without order id", ErrMalformed, e.Kind)
		}
	case TransactionConfirmed, TransactionIncluded:
		if e.TxHash == "" || e.Address == "" {
			return fmt.Errorf("%w: %s without tx hash or sender", ErrMalformed, e.Kind)
		}
	case TransactionsReorged:
		if len(e.Hashes) == 0 || !e.State.Valid() {
			return fmt.Errorf("%w: %s needs hashes and a valid state", ErrMalformed, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	return nil
}
