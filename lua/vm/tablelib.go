package vm

import (
	"errors"
	"fmt"
	"strings"
)

func table_concat(args Args) (r []Val, err error) {
	t := args.GetTable()
	sep := args.GetString("")
	i := args.GetInt(1)
	j := args.GetInt(t.Len())

	var b strings.Builder
	for k := i; k <= j; k++ {
		s, ok := toStringCoerce(t.GetInt(k))
		if !ok {
			return nil, fmt.Errorf("invalid value (at index %d) in table for 'concat'", k)
		}
		// charged as it grows, as sep can make a short table huge
		if err = args.Co.m.charge(len(s) + len(sep)); err != nil {
			return
		}
		b.WriteString(s)
		if k < j {
			b.WriteString(sep)
		}
	}
	return []Val{b.String()}, nil
}

func table_insert(args Args) (r []Val, err error) {
	t := args.GetTable()
	e := t.Len() + 1 // first empty element

	var pos int
	switch len(args.List) {
	case 2:
		pos = e
	case 3:
		pos = args.GetInt()
		if pos < 1 || pos > e {
			return nil, args.Error("position out of bounds")
		}
		for i := e; i > pos; i-- {
			t.SetInt(i, t.GetInt(i-1))
		}
	default:
		return nil, errors.New("wrong number of arguments to 'insert'")
	}

	t.SetInt(pos, args.GetAny())
	return nil, args.Co.m.charge(16)
}

func table_pack(args Args) (r []Val, err error) {
	t := NewTable(len(args.List), 1)
	for i, v := range args.List {
		t.SetInt(i+1, v)
	}
	t.SetString("n", float64(len(args.List)))

	if err = args.Co.m.charge(64 + 16*len(args.List)); err != nil {
		return
	}
	return []Val{t}, nil
}

func table_remove(args Args) (r []Val, err error) {
	t := args.GetTable()
	size := t.Len()
	pos := args.GetInt(size)
	if pos != size && (pos < 1 || pos > size+1) {
		return nil, args.Error("position out of bounds")
	}

	v := t.GetInt(pos)
	for ; pos < size; pos++ {
		t.SetInt(pos, t.GetInt(pos+1))
	}
	t.SetInt(pos, nil)
	return []Val{v}, nil
}

// sorter is an introsort over the array part of a table: quicksort with a
// median of three pivot, falling back to heapsort when it goes too deep.
type sorter struct {
	t    *Table
	n    int
	less func(a, b Val) (bool, error)
}

var errSortOrder = errors.New("invalid order function for sorting")

func (s *sorter) swap(i, j int) {
	a := s.t.Array
	a[i], a[j] = a[j], a[i]
}

func (s *sorter) lt(i, j int) (bool, error) {
	a := s.t.Array
	res, err := s.less(a[i], a[j])
	// the predicate may resize the table, which is invalid
	if err == nil && len(s.t.Array) != s.n {
		return false, errors.New("table modified during sorting")
	}
	return res, err
}

func (s *sorter) siftHeap(l, u, root int) error {
	count := u - l + 1

	// elements with two children
	for root*2+2 < count {
		left, right := root*2+1, root*2+2
		next := root
		if r, err := s.lt(l+next, l+left); err != nil {
			return err
		} else if r {
			next = left
		}
		if r, err := s.lt(l+next, l+right); err != nil {
			return err
		} else if r {
			next = right
		}
		if next == root {
			break
		}

		s.swap(l+root, l+next)
		root = next
	}

	// last element if it has just one child
	if last := root*2 + 1; last == count-1 {
		r, err := s.lt(l+root, l+last)
		if err != nil {
			return err
		}
		if r {
			s.swap(l+root, l+last)
		}
	}
	return nil
}

func (s *sorter) heap(l, u int) error {
	count := u - l + 1
	for i := count/2 - 1; i >= 0; i-- {
		if err := s.siftHeap(l, u, i); err != nil {
			return err
		}
	}
	for i := count - 1; i > 0; i-- {
		s.swap(l, l+i)
		if err := s.siftHeap(l, l+i-1, 0); err != nil {
			return err
		}
	}
	return nil
}

// sort orders [l, u], 0-based and inclusive.
func (s *sorter) sort(l, u, limit int) error {
	for l < u {
		if limit == 0 {
			return s.heap(l, u)
		}

		// order a[l], a[m] and a[u], which picks the pivot
		if r, err := s.lt(u, l); err != nil {
			return err
		} else if r {
			s.swap(u, l)
		}
		if u-l == 1 {
			break
		}

		m := l + (u-l)>>1
		if r, err := s.lt(m, l); err != nil {
			return err
		} else if r {
			s.swap(m, l)
		} else if r, err := s.lt(u, m); err != nil {
			return err
		} else if r {
			s.swap(m, u)
		}
		if u-l == 2 {
			break
		}

		// pivot lives at u-1; a[l] <= P <= a[u] already
		p := u - 1
		s.swap(m, p)
		i, j := l, p
		for {
			for i++; ; i++ {
				r, err := s.lt(i, p)
				if err != nil {
					return err
				}
				if !r {
					break
				}
				if i >= u {
					return errSortOrder
				}
			}
			for j--; ; j-- {
				r, err := s.lt(p, j)
				if err != nil {
					return err
				}
				if !r {
					break
				}
				if j <= l {
					return errSortOrder
				}
			}
			if j < i {
				break
			}
			s.swap(i, j)
		}
		s.swap(p, i)

		// allow 1.5 log2 n recursive steps
		limit = limit>>1 + limit>>2

		// recurse into the smaller half, loop on the larger
		if i-l < u-i {
			if err := s.sort(l, i-1, limit); err != nil {
				return err
			}
			l = i + 1
		} else {
			if err := s.sort(i+1, u, limit); err != nil {
				return err
			}
			u = i - 1
		}
	}
	return nil
}

func table_sort(args Args) (r []Val, err error) {
	t := args.GetTable()
	co := args.Co

	s := &sorter{t: t, n: t.Len(), less: co.lessThan}
	if len(args.List) > 1 && args.List[1] != nil {
		f := args.GetFunction()
		s.less = func(a, b Val) (bool, error) {
			r, err := co.Call(f, a, b)
			return truthy(first(r)), err
		}
	}

	if s.n > 1 {
		err = s.sort(0, s.n-1, s.n)
	}
	return
}

func tableLib() *Table {
	return NewLib([]*GoFunction{
		MakeFn("concat", table_concat),
		MakeFn("insert", table_insert),
		MakeFn("pack", table_pack),
		MakeFn("remove", table_remove),
		MakeFn("sort", table_sort),
		MakeFn("unpack", unpack),
	})
}
