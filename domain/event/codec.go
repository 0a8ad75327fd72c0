package event

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"orderflow/domain/order"
)

// Marshal encodes e as a protobuf Struct. Integers that do not fit a
// float64 mantissa are carried as decimal strings.
func Marshal(e Event) ([]byte, error) {
	fields := map[string]any{
		"v":    Version,
		"kind": string(e.Kind),
		"seq":  strconv.FormatUint(e.Seq, 10),
		"at":   e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.OrderID != uuid.Nil {
		fields["order_id"] = e.OrderID.String()
	}
	if e.State != "" {
		fields["state"] = string(e.State)
	}
	if e.TxHash != "" {
		fields["tx_hash"] = e.TxHash
	}
	if e.Address != "" {
		fields["address"] = e.Address
	}
	if e.ChainID != 0 {
		fields["chain_id"] = strconv.FormatUint(e.ChainID, 10)
	}
	if e.BlockNumber != 0 {
		fields["block_number"] = strconv.FormatUint(e.BlockNumber, 10)
	}
	if e.BlockHash != "" {
		fields["block_hash"] = e.BlockHash
	}
	if len(e.Hashes) > 0 {
		hashes := make([]any, len(e.Hashes))
		for i, h := range e.Hashes {
			hashes[i] = h
		}
		fields["hashes"] = hashes
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	return proto.Marshal(s)
}

func Unmarshal(data []byte) (Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	f := s.GetFields()
	str := func(name string) string { return f[name].GetStringValue() }

	if v := int(f["v"].GetNumberValue()); v != Version {
		return Event{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, v)
	}

	e := Event{
		Kind:      Kind(str("kind")),
		State:     order.State(str("state")),
		TxHash:    str("tx_hash"),
		Address:   str("address"),
		BlockHash: str("block_hash"),
	}
	var err error
	if e.Seq, err = uintField(f, "seq"); err != nil {
		return Event{}, err
	}
	if e.ChainID, err = uintField(f, "chain_id"); err != nil {
		return Event{}, err
	}
	if e.BlockNumber, err = uintField(f, "block_number"); err != nil {
		return Event{}, err
	}
	if at := str("at"); at != "" {
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return Event{}, fmt.Errorf("%w: at: %w", ErrMalformed, err)
		}
	}
	if id := str("order_id"); id != "" {
		if e.OrderID, err = uuid.Parse(id); err != nil {
			return Event{}, fmt.Errorf("%w: order_id: %w", ErrMalformed, err)
		}
	}
	for _, h := range f["hashes"].GetListValue().GetValues() {
		e.Hashes = append(e.Hashes, h.GetStringValue())
	}
	return e, nil
}

// uintField accepts both the string form written by Marshal and plain
// numbers written by other producers.
func uintField(f map[string]*structpb.Value, name string) (uint64, error) {
	v, ok := f[name]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrMalformed, name, err)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		if k.NumberValue < 0 {
			return 0, fmt.Errorf("%w: %s is negative", ErrMalformed, name)
		}
		return uint64(k.NumberValue), nil
	default:
		return 0, fmt.Errorf("%w: %s has unexpected type", ErrMalformed, name)
	}
}
