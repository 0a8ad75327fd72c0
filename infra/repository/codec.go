package repository

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"orderflow/domain/order"
	"orderflow/infra/store"
)

func encodeOrder(o *order.Order) (store.Item, error) {
	data, err := json.Marshal(o.Data)
	if err != nil {
		return nil, fmt.Errorf("encode order %s data: %w", o.ID, err)
	}
	item := store.Item{
		attrOrderID:               o.ID.String(),
		attrOrderType:             string(o.Type),
		attrState:                 string(o.State),
		attrKeyID:                 o.KeyID,
		attrData:                  string(data),
		attrAddress:               o.Address(),
		attrChainID:               strconv.FormatUint(o.ChainID(), 10),
		attrCancellationRequested: strconv.FormatBool(o.CancellationRequested),
		attrCreatedAt:             formatTime(o.CreatedAt),
		attrLastModifiedAt:        formatTime(o.LastModifiedAt),
		attrKeyChainType:          o.KeyChainType(),
	}
	if o.TransactionHash != "" {
		item[attrTransactionHash] = o.TransactionHash
	}
	if o.HasReplaces() {
		item[attrReplaces] = o.Replaces.String()
	}
	if o.HasReplacedBy() {
		item[attrReplacedBy] = o.ReplacedBy.String()
	}
	if !o.LastMonitoredAt.IsZero() {
		item[attrLastMonitoredAt] = formatTime(o.LastMonitoredAt)
	}
	return item, nil
}

func decodeOrder(item store.Item) (*order.Order, error) {
	id, err := uuid.Parse(item.Get(attrOrderID))
	if err != nil {
		return nil, fmt.Errorf("decode order id %q: %w", item.Get(attrOrderID), err)
	}
	o := &order.Order{
		ID:              id,
		Type:            order.Type(item.Get(attrOrderType)),
		State:           order.State(item.Get(attrState)),
		KeyID:           item.Get(attrKeyID),
		TransactionHash: item.Get(attrTransactionHash),
	}
	if err := json.Unmarshal([]byte(item.Get(attrData)), &o.Data); err != nil {
		return nil, fmt.Errorf("decode order %s data: %w", id, err)
	}
	if o.Replaces, err = parseOptionalID(item.Get(attrReplaces)); err != nil {
		return nil, fmt.Errorf("decode order %s replaces: %w", id, err)
	}
	if o.ReplacedBy, err = parseOptionalID(item.Get(attrReplacedBy)); err != nil {
		return nil, fmt.Errorf("decode order %s replaced_by: %w", id, err)
	}
	if v := item.Get(attrCancellationRequested); v != "" {
		if o.CancellationRequested, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("decode order %s cancellation flag: %w", id, err)
		}
	}
	if o.CreatedAt, err = parseTime(item.Get(attrCreatedAt)); err != nil {
		return nil, fmt.Errorf("decode order %s created_at: %w", id, err)
	}
	if o.LastModifiedAt, err = parseTime(item.Get(attrLastModifiedAt)); err != nil {
		return nil, fmt.Errorf("decode order %s last_modified_at: %w", id, err)
	}
	if o.LastMonitoredAt, err = parseTime(item.Get(attrLastMonitoredAt)); err != nil {
		return nil, fmt.Errorf("decode order %s last_monitored_at: %w", id, err)
	}
	return o, nil
}

func decodeOrders(items []store.Item) ([]*order.Order, error) {
	out := make([]*order.Order, 0, len(items))
	for _, it := range items {
		o, err := decodeOrder(it)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func parseOptionalID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

// Changes are extra assignments applied together with a state transition.
type Changes struct {
	TransactionHash *string
	Data            *order.Data
	ReplacedBy      *uuid.UUID
}

func (c *Changes) attrs() (map[string]string, error) {
	set := map[string]string{}
	if c == nil {
		return set, nil
	}
	if c.TransactionHash != nil {
		set[attrTransactionHash] = *c.TransactionHash
	}
	if c.Data != nil {
		data, err := json.Marshal(c.Data)
		if err != nil {
			return nil, fmt.Errorf("encode data: %w", err)
		}
		set[attrData] = string(data)
	}
	if c.ReplacedBy != nil {
		set[attrReplacedBy] = c.ReplacedBy.String()
	}
	return set, nil
}
