// Package chain reads transaction status from EVM JSON-RPC endpoints.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrUnknownChain    = errors.New("no rpc endpoint for chain")
)

// Tx is the subset of eth_getTransactionByHash the engine reads. Block
// fields are nil while the transaction sits in the mempool.
type Tx struct {
	Hash             common.Hash     `json:"hash"`
	From             common.Address  `json:"from"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	BlockNumber      *hexutil.Big    `json:"blockNumber"`
	BlockHash        *common.Hash    `json:"blockHash"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`
}

// Confirmed reports whether the transaction has been included in a block.
func (t *Tx) Confirmed() bool {
	return t.BlockNumber != nil && t.BlockHash != nil && t.TransactionIndex != nil
}

type Receipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	BlockHash   common.Hash    `json:"blockHash"`
}

func (r *Receipt) Succeeded() bool { return r.Status == 1 }

// RPCReader keeps one client per chain. Calls on all chains share a rate
// limiter when one is configured.
type RPCReader struct {
	mu      sync.RWMutex
	clients map[uint64]*rpc.Client
	limiter *rate.Limiter
}

type Option func(*RPCReader)

// WithRateLimit bounds outgoing calls to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(rd *RPCReader) { rd.limiter = rate.NewLimiter(r, burst) }
}

// Dial connects to every endpoint, keyed by chain id.
func Dial(ctx context.Context, endpoints map[uint64]string, opts ...Option) (*RPCReader, error) {
	rd := &RPCReader{clients: make(map[uint64]*rpc.Client, len(endpoints))}
	for _, opt := range opts {
		opt(rd)
	}
	for chainID, url := range endpoints {
		c, err := rpc.DialContext(ctx, url)
		if err != nil {
			rd.Close()
			return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
		}
		rd.clients[chainID] = c
	}
	return rd, nil
}

func (rd *RPCReader) client(chainID uint64) (*rpc.Client, error) {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	c, ok := rd.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownChain, chainID)
	}
	return c, nil
}

func (rd *RPCReader) call(ctx context.Context, chainID uint64, result any, method string, args ...any) error {
	c, err := rd.client(chainID)
	if err != nil {
		return err
	}
	if rd.limiter != nil {
		if err := rd.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := c.CallContext(ctx, result, method, args...); err != nil {
		return fmt.Errorf("%s on chain %d: %w", method, chainID, err)
	}
	return nil
}

func (rd *RPCReader) GetTxByHash(ctx context.Context, chainID uint64, hash string) (*Tx, error) {
	var tx *Tx
	if err := rd.call(ctx, chainID, &tx, "eth_getTransactionByHash", common.HexToHash(hash)); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	return tx, nil
}

func (rd *RPCReader) GetTxReceipt(ctx context.Context, chainID uint64, hash string) (*Receipt, error) {
	var r *Receipt
	if err := rd.call(ctx, chainID, &r, "eth_getTransactionReceipt", common.HexToHash(hash)); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, hash)
	}
	return r, nil
}

// TxSucceeded reports the receipt status of a mined transaction.
func (rd *RPCReader) TxSucceeded(ctx context.Context, chainID uint64, hash string) (bool, error) {
	r, err := rd.GetTxReceipt(ctx, chainID, hash)
	if err != nil {
		return false, err
	}
	return r.Succeeded(), nil
}

// Chains lists the configured chain ids in ascending order.
func (rd *RPCReader) Chains() []uint64 {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	ids := make([]uint64, 0, len(rd.clients))
	for id := range rd.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (rd *RPCReader) Close() {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	for id, c := range rd.clients {
		c.Close()
		delete(rd.clients, id)
	}
}

// ParseEndpoints parses "1=https://a,137=https://b".
func ParseEndpoints(s string) (map[uint64]string, error) {
	out := map[uint64]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("endpoint %q: want chain_id=url", pair)
		}
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", pair, err)
		}
		out[chainID] = strings.TrimSpace(url)
	}
	return out, nil
}
