package store

import "slices"

// Condition guards a single operation. The zero value only requires the
// item to exist.
type Condition struct {
	// NotExists requires the item to be absent.
	NotExists bool
	// AllowMissing makes an absent item satisfy the condition.
	AllowMissing bool
	// In requires each attribute to equal one of the listed values. Use ""
	// to accept an absent attribute.
	In map[string][]string
	// NotIn requires each attribute to differ from every listed value.
	NotIn map[string][]string
}

func (c *Condition) Check(cur Item, exists bool) bool {
	if c.NotExists {
		return !exists
	}
	if !exists {
		return c.AllowMissing
	}
	for attr, allowed := range c.In {
		if !slices.Contains(allowed, cur.Get(attr)) {
			return false
		}
	}
	for attr, denied := range c.NotIn {
		if slices.Contains(denied, cur.Get(attr)) {
			return false
		}
	}
	return true
}

func MustNotExist() *Condition { return &Condition{NotExists: true} }

// AttrIn requires attr to be one of values.
func AttrIn(attr string, values ...string) *Condition {
	return &Condition{In: map[string][]string{attr: values}}
}

// And merges the attribute requirements of other into c.
func (c *Condition) And(other *Condition) *Condition {
	out := &Condition{
		NotExists:    c.NotExists || other.NotExists,
		AllowMissing: c.AllowMissing && other.AllowMissing,
		In:           make(map[string][]string),
		NotIn:        make(map[string][]string),
	}
	for _, src := range []*Condition{c, other} {
		for k, v := range src.In {
			if prev, ok := out.In[k]; ok {
				out.In[k] = intersect(prev, v)
				continue
			}
			out.In[k] = slices.Clone(v)
		}
		for k, v := range src.NotIn {
			out.NotIn[k] = append(out.NotIn[k], v...)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, v := range a {
		if slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
