package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// DefaultPageSize is used when a query does not set Limit.
const DefaultPageSize = 100

// MaxPages caps Pages iteration.
const MaxPages = 1000

var ErrTooManyPages = errors.New("store: pagination exceeded page cap")

// Query reads one page of an index partition in ascending sort order.
type Query struct {
	Table string
	Index string
	// Hash holds the values of the index hash attributes, in order.
	Hash []string
	// SortBefore, when set, only returns entries whose sort value is
	// strictly lower.
	SortBefore string
	Limit      int
	// StartAfter is the continuation token from a previous Page.
	StartAfter string
}

type Page struct {
	Items []Item
	// Next is empty when the partition is exhausted.
	Next string
}

func (q Query) pageSize() int {
	if q.Limit <= 0 {
		return DefaultPageSize
	}
	return q.Limit
}

func (q Query) hashValue() string {
	return strings.Join(q.Hash, hashSep)
}

func encodeToken(pos string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(pos))
}

func decodeToken(tok string) (string, error) {
	if tok == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", fmt.Errorf("%w: bad continuation token", ErrInvalidOp)
	}
	return string(b), nil
}

// Pages lazily walks every page of q, following continuation tokens until
// the store reports none. Iteration stops with ErrTooManyPages after
// maxPages pages.
func Pages(ctx context.Context, s Store, q Query, maxPages int) iter.Seq2[Page, error] {
	if maxPages <= 0 {
		maxPages = MaxPages
	}
	return func(yield func(Page, error) bool) {
		for n := 0; ; n++ {
			if n == maxPages {
				yield(Page{}, fmt.Errorf("%w: %s/%s after %d pages", ErrTooManyPages, q.Table, q.Index, n))
				return
			}
			if err := ctx.Err(); err != nil {
				yield(Page{}, err)
				return
			}
			page, err := s.Query(ctx, q)
			if err != nil {
				yield(Page{}, err)
				return
			}
			if !yield(page, nil) || page.Next == "" {
				return
			}
			q.StartAfter = page.Next
		}
	}
}

// Collect gathers items across pages until limit items are accumulated or
// the partition is exhausted. limit <= 0 means no limit.
func Collect(ctx context.Context, s Store, q Query, limit int) ([]Item, error) {
	var out []Item
	for page, err := range Pages(ctx, s, q, MaxPages) {
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}
