package vm

import (
	"errors"
	"iter"
	"math"
)

var (
	errNilIndex = errors.New("table index is nil")
	errNaNIndex = errors.New("table index is NaN")
	errNextKey  = errors.New("invalid key to 'next'")
)

type node struct {
	k, v Val
}

// Table is the one structured type of the guest language.
//
// Integer keys 1..n live in Array (which never holds trailing nils), all
// other keys in a hash part that remembers insertion order, so traversal
// with next() is stable and deterministic.
type Table struct {
	Array []Val
	// Meta is the metatable, or nil.
	Meta *Table

	hash  map[Val]int
	nodes []node
	dead  int
}

// NewTable makes a table with preallocated array and hash parts.
func NewTable(narr, nhash int) *Table {
	t := &Table{}
	if narr > 0 {
		t.Array = make([]Val, 0, narr)
	}
	if nhash > 0 {
		t.hash = make(map[Val]int, nhash)
		t.nodes = make([]node, 0, nhash)
	}
	return t
}

// arrayIndex returns the 1-based index of k if k is a positive integer.
func arrayIndex(k Val) (int, bool) {
	f, ok := k.(float64)
	if !ok || f < 1 || f > math.MaxInt32 {
		return 0, false
	}
	i := int(f)
	return i, float64(i) == f
}

// Len returns the border of the table.
func (t *Table) Len() int {
	return len(t.Array)
}

// count is the number of live entries, used for allocation accounting.
func (t *Table) count() int {
	return len(t.Array) + len(t.nodes) - t.dead
}

func (t *Table) getHash(k Val) Val {
	if t.hash == nil {
		return nil
	}
	if n, ok := t.hash[k]; ok {
		return t.nodes[n].v
	}
	return nil
}

// RawGet returns t[k] without invoking metamethods.
func (t *Table) RawGet(k Val) Val {
	if i, ok := arrayIndex(k); ok && i <= len(t.Array) {
		return t.Array[i-1]
	}
	return t.getHash(k)
}

// GetInt returns t[i] without invoking metamethods.
func (t *Table) GetInt(i int) Val {
	if i >= 1 && i <= len(t.Array) {
		return t.Array[i-1]
	}
	return t.getHash(float64(i))
}

func (t *Table) setHash(k, v Val) {
	if n, ok := t.hash[k]; ok {
		old := t.nodes[n].v
		t.nodes[n].v = v
		switch {
		case old == nil && v != nil:
			t.dead--
		case old != nil && v == nil:
			t.dead++
		}
		return
	}
	if v == nil {
		return
	}

	if t.dead > 8 && t.dead > len(t.nodes)/2 {
		t.compact()
	}
	if t.hash == nil {
		t.hash = make(map[Val]int)
	}
	t.hash[k] = len(t.nodes)
	t.nodes = append(t.nodes, node{k, v})
}

// compact drops dead nodes. Never called while a key is being cleared, so
// clearing fields during a traversal keeps next() valid.
func (t *Table) compact() {
	live := t.nodes[:0]
	clear(t.hash)
	for _, n := range t.nodes {
		if n.v != nil {
			t.hash[n.k] = len(live)
			live = append(live, n)
		}
	}
	clear(t.nodes[len(live):])
	t.nodes, t.dead = live, 0
}

func (t *Table) deleteHash(k Val) {
	n, ok := t.hash[k]
	if !ok {
		return
	}
	if t.nodes[n].v != nil {
		t.dead++
	}
	t.nodes[n].v = nil
}

// migrate moves integer keys following the array part out of the hash.
func (t *Table) migrate() {
	for len(t.nodes)-t.dead > 0 {
		k := float64(len(t.Array) + 1)
		v := t.getHash(k)
		if v == nil {
			return
		}
		t.deleteHash(k)
		t.Array = append(t.Array, v)
	}
}

// SetInt sets t[i] without invoking metamethods.
func (t *Table) SetInt(i int, v Val) {
	l := len(t.Array)
	switch {
	case i >= 1 && i <= l:
		t.Array[i-1] = v
		if i == l && v == nil {
			// trim trailing nils
			for l > 0 && t.Array[l-1] == nil {
				l--
			}
			clear(t.Array[l:])
			t.Array = t.Array[:l]
		}
	case i == l+1 && v != nil:
		t.Array = append(t.Array, v)
		t.migrate()
	default:
		t.setHash(float64(i), v)
	}
}

// RawSet sets t[k] = v without invoking metamethods.
func (t *Table) RawSet(k, v Val) error {
	switch kv := k.(type) {
	case nil:
		return errNilIndex
	case float64:
		if math.IsNaN(kv) {
			return errNaNIndex
		}
		if i, ok := arrayIndex(kv); ok {
			t.SetInt(i, v)
			return nil
		}
	}
	t.setHash(k, v)
	return nil
}

// SetString is RawSet for string keys, which can't fail.
func (t *Table) SetString(k string, v Val) {
	t.setHash(k, v)
}

// Next returns the entry following k in traversal order: the array part
// first, then hash entries in insertion order. A nil key starts the
// traversal, a nil result key ends it.
func (t *Table) Next(k Val) (Val, Val, error) {
	var pos int
	if k != nil {
		i, isInt := arrayIndex(k)
		if n, ok := t.hash[k]; ok {
			pos = len(t.Array) + n + 1
		} else if isInt && i <= len(t.Array) {
			pos = i
		} else if isInt {
			// the array part shrank under the traversal
			pos = len(t.Array)
		} else {
			return nil, nil, errNextKey
		}
	}

	for ; pos < len(t.Array); pos++ {
		if v := t.Array[pos]; v != nil {
			return float64(pos + 1), v, nil
		}
	}
	for n := pos - len(t.Array); n < len(t.nodes); n++ {
		if nd := t.nodes[n]; nd.v != nil {
			return nd.k, nd.v, nil
		}
	}
	return nil, nil, nil
}

// All iterates over every entry in traversal order.
func (t *Table) All() iter.Seq2[Val, Val] {
	return func(yield func(Val, Val) bool) {
		for i, v := range t.Array {
			if v != nil && !yield(float64(i+1), v) {
				return
			}
		}
		for _, n := range t.nodes {
			if n.v != nil && !yield(n.k, n.v) {
				return
			}
		}
	}
}

// MetaIndex returns the __index field of the metatable.
func (t *Table) MetaIndex() Val {
	if t.Meta == nil {
		return nil
	}
	return t.Meta.getHash("__index")
}

// StringKeys lists the string keys of the table in insertion order.
func (t *Table) StringKeys() (keys []string) {
	for _, n := range t.nodes {
		if s, ok := n.k.(string); ok && n.v != nil {
			keys = append(keys, s)
		}
	}
	return
}

func (t *Table) metamethod(event string) Val {
	if t.Meta == nil {
		return nil
	}
	return t.Meta.getHash(event)
}
