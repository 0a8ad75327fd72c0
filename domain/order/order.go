package order

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	Signature    Type = "Signature"
	SpeedUp      Type = "SpeedUp"
	Cancellation Type = "Cancellation"
	Sponsored    Type = "Sponsored"
	KeyCreation  Type = "KeyCreation"
)

// ReplacementTypes lists the replacement order types in selection priority.
var ReplacementTypes = []Type{Cancellation, SpeedUp}

func (t Type) IsReplacement() bool {
	return t == SpeedUp || t == Cancellation
}

func (t Type) Valid() bool {
	switch t {
	case Signature, SpeedUp, Cancellation, Sponsored, KeyCreation:
		return true
	}
	return false
}

// Order is the unit of signing and broadcast work tracked by the engine.
type Order struct {
	ID    uuid.UUID
	Type  Type
	State State
	KeyID string
	Data  Data

	TransactionHash string

	// Replaces and ReplacedBy link a SpeedUp/Cancellation (or a sponsoring
	// Signature) order with the order it supersedes. uuid.Nil means unset.
	Replaces   uuid.UUID
	ReplacedBy uuid.UUID

	CancellationRequested bool

	CreatedAt       time.Time
	LastModifiedAt  time.Time
	LastMonitoredAt time.Time
}

// Data is the type specific payload. The engine only reads Address,
// ChainID and Nonce; everything else is carried through untouched.
type Data struct {
	Address          string          `json:"address"`
	ChainID          uint64          `json:"chain_id"`
	Nonce            *uint64         `json:"nonce,omitempty"`
	Transaction      json.RawMessage `json:"transaction,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	SponsorAddresses []string        `json:"sponsor_addresses,omitempty"`
}

// KeyChainType is the selection index key: key_id#chain_id#order_type.
func KeyChainType(keyID string, chainID uint64, t Type) string {
	return fmt.Sprintf("%s#%d#%s", keyID, chainID, t)
}

func (o *Order) KeyChainType() string {
	return KeyChainType(o.KeyID, o.Data.ChainID, o.Type)
}

// Address returns the normalized sender address.
func (o *Order) Address() string {
	return NormalizeAddress(o.Data.Address)
}

func (o *Order) ChainID() uint64 {
	return o.Data.ChainID
}

func (o *Order) HasReplaces() bool {
	return o.Replaces != uuid.Nil
}

func (o *Order) HasReplacedBy() bool {
	return o.ReplacedBy != uuid.Nil
}

func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// New returns a Received order with a fresh id.
func New(t Type, keyID string, data Data) *Order {
	return &Order{
		ID:    uuid.New(),
		Type:  t,
		State: Received,
		KeyID: keyID,
		Data:  data,
	}
}

// NewReplacement returns a Received order of type t superseding original.
func NewReplacement(t Type, original *Order, data Data) *Order {
	o := New(t, original.KeyID, data)
	o.Replaces = original.ID
	return o
}
