package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"orderflow/domain/order"
)

// StaticValidator treats a fixed set of addresses as custodied.
type StaticValidator struct {
	addrs map[string]struct{}
}

func NewStaticValidator(addrs ...string) *StaticValidator {
	v := &StaticValidator{addrs: make(map[string]struct{}, len(addrs))}
	for _, a := range addrs {
		if a == "" {
			continue
		}
		v.addrs[order.NormalizeAddress(a)] = struct{}{}
	}
	return v
}

func (v *StaticValidator) IsManagedAddress(_ context.Context, addr string) (bool, error) {
	if !common.IsHexAddress(addr) {
		return false, nil
	}
	_, ok := v.addrs[order.NormalizeAddress(addr)]
	return ok, nil
}
