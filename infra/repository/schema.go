package repository

import (
	"fmt"
	"strings"
	"time"

	"orderflow/domain/order"
	"orderflow/infra/store"
)

const (
	OrdersTable      = "orders"
	NoncesTable      = "nonces"
	OutboxTable      = "outbox"
	DefaultLockTable = "address_locks"

	IndexTransactionHash   = "transaction_hash-index"
	IndexStateLastModified = "state-last_modified_at-index"
	IndexKeyChainTypeState = "key_chain_type-state-index"
	IndexOutboxStatus      = "status-created_at-index"
)

// Order item attributes.
const (
	attrOrderID               = "order_id"
	attrOrderType             = "order_type"
	attrState                 = "state"
	attrKeyID                 = "key_id"
	attrData                  = "data"
	attrAddress               = "address"
	attrChainID               = "chain_id"
	attrTransactionHash       = "transaction_hash"
	attrReplaces              = "replaces"
	attrReplacedBy            = "replaced_by"
	attrCancellationRequested = "cancellation_requested"
	attrCreatedAt             = "created_at"
	attrLastModifiedAt        = "last_modified_at"
	attrLastMonitoredAt       = "last_monitored_at"
	attrKeyChainType          = "key_chain_type"
)

// Address lock and nonce item attributes.
const (
	attrPK         = "pk"
	attrSK         = "sk"
	attrNonce      = "nonce"
	attrLastTxHash = "last_tx_hash"
	attrUpdatedAt  = "updated_at"
)

// Outbox item attributes.
const (
	attrEventID       = "event_id"
	attrKind          = "kind"
	attrPayload       = "payload"
	attrStatus        = "status"
	attrAttempts      = "attempts"
	attrLastAttemptAt = "last_attempt_at"
	attrLastError     = "last_error"
)

const (
	lockPK  = "AddressLock"
	noncePK = "Nonce"
)

// Tables returns the store schema used by the repository.
func Tables(lockTable string) []store.TableSpec {
	if lockTable == "" {
		lockTable = DefaultLockTable
	}
	return []store.TableSpec{
		{
			Name: OrdersTable,
			Indexes: []store.IndexSpec{
				{Name: IndexTransactionHash, HashAttrs: []string{attrTransactionHash}, SortAttr: attrCreatedAt},
				{Name: IndexStateLastModified, HashAttrs: []string{attrState}, SortAttr: attrLastModifiedAt},
				{Name: IndexKeyChainTypeState, HashAttrs: []string{attrKeyChainType, attrState}, SortAttr: attrCreatedAt},
			},
		},
		{Name: lockTable},
		{Name: NoncesTable},
		{
			Name: OutboxTable,
			Indexes: []store.IndexSpec{
				{Name: IndexOutboxStatus, HashAttrs: []string{attrStatus}, SortAttr: attrCreatedAt},
			},
		},
	}
}

// timeLayout is fixed width so that timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func lockSK(address string, chainID uint64) string {
	return fmt.Sprintf("%s#%d", order.NormalizeAddress(address), chainID)
}

// LockKey is the store key of the address lock for (address, chain).
func LockKey(address string, chainID uint64) string {
	return lockPK + "|" + lockSK(address, chainID)
}

func nonceKey(address string, chainID uint64) string {
	return noncePK + "|" + lockSK(address, chainID)
}

// nonceTxKey marks txHash as applied to the nonce of (address, chain).
func nonceTxKey(address string, chainID uint64, txHash string) string {
	return nonceKey(address, chainID) + "|" + strings.ToLower(txHash)
}
