package store

import (
	"fmt"
	"strings"
)

// IndexSpec declares a sparse secondary index. Items missing any hash
// attribute are not indexed. Entries are ordered by SortAttr, then key.
type IndexSpec struct {
	Name      string
	HashAttrs []string
	SortAttr  string
}

type TableSpec struct {
	Name    string
	Indexes []IndexSpec
}

type schema map[string]map[string]IndexSpec

func newSchema(tables []TableSpec) schema {
	s := make(schema, len(tables))
	for _, t := range tables {
		idx := make(map[string]IndexSpec, len(t.Indexes))
		for _, ix := range t.Indexes {
			idx[ix.Name] = ix
		}
		s[t.Name] = idx
	}
	return s
}

func (s schema) index(table, name string) (IndexSpec, error) {
	ix, ok := s[table][name]
	if !ok {
		return IndexSpec{}, fmt.Errorf("%w: %s on table %s", ErrUnknownIndex, name, table)
	}
	return ix, nil
}

const hashSep = "#"

// hashValue joins the index hash attributes of item, or reports false when
// the item does not belong to the index.
func (ix IndexSpec) hashValue(item Item) (string, bool) {
	parts := make([]string, len(ix.HashAttrs))
	for i, a := range ix.HashAttrs {
		v, ok := item[a]
		if !ok || v == "" {
			return "", false
		}
		parts[i] = v
	}
	return strings.Join(parts, hashSep), true
}

func (ix IndexSpec) sortValue(item Item) string {
	if ix.SortAttr == "" {
		return ""
	}
	return item.Get(ix.SortAttr)
}

// position orders entries within one hash partition.
func position(sort, key string) string {
	return sort + "\x00" + key
}
