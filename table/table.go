// Package table provides small relational helpers over in-memory rows:
// insertion-ordered maps, left joins and pivots keyed by stable ids.
package table

// OrderedMap is a map that remembers key insertion order.
type OrderedMap[K comparable, V any] struct {
	keys   []K
	values map[K]V
}

// NewOrderedMap returns an empty map.
func NewOrderedMap[K comparable, V any]() *OrderedMap[K, V] {
	return &OrderedMap[K, V]{values: make(map[K]V)}
}

// Set stores v under k. Overwriting a key keeps its original position.
func (m *OrderedMap[K, V]) Set(k K, v V) {
	if _, ok := m.values[k]; !ok {
		m.keys = append(m.keys, k)
	}

	m.values[k] = v
}

// SetIfAbsent stores v under k unless k is already present, and reports
// whether it stored v.
func (m *OrderedMap[K, V]) SetIfAbsent(k K, v V) bool {
	if _, ok := m.values[k]; ok {
		return false
	}

	m.keys = append(m.keys, k)
	m.values[k] = v

	return true
}

// Get returns the value stored under k.
func (m *OrderedMap[K, V]) Get(k K) (V, bool) {
	v, ok := m.values[k]
	return v, ok
}

// Has reports whether k is present.
func (m *OrderedMap[K, V]) Has(k K) bool {
	_, ok := m.values[k]
	return ok
}

// Len returns the number of keys.
func (m *OrderedMap[K, V]) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *OrderedMap[K, V]) Keys() []K {
	out := make([]K, len(m.keys))
	copy(out, m.keys)

	return out
}

// Values returns the values in key insertion order.
func (m *OrderedMap[K, V]) Values() []V {
	out := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.values[k])
	}

	return out
}

// Index builds an ordered map of rows keyed by key. When several rows share a
// key the first one is kept.
func Index[R any, K comparable](rows []R, key func(R) K) *OrderedMap[K, R] {
	m := NewOrderedMap[K, R]()
	for _, r := range rows {
		m.SetIfAbsent(key(r), r)
	}

	return m
}

// LeftJoin combines every left row with the right row sharing its key. The
// right side is indexed by key (first row wins), so the output always has
// exactly one row per left row, in left order. combine receives nil when no
// right row matched.
func LeftJoin[L, R any, K comparable, O any](
	left []L,
	right []R,
	leftKey func(L) K,
	rightKey func(R) K,
	combine func(L, *R) O,
) []O {
	index := Index(right, rightKey)

	out := make([]O, 0, len(left))
	for _, l := range left {
		if r, ok := index.Get(leftKey(l)); ok {
			out = append(out, combine(l, &r))
			continue
		}

		out = append(out, combine(l, nil))
	}

	return out
}

// Filter returns the rows for which keep returns true.
func Filter[R any](rows []R, keep func(R) bool) []R {
	var out []R
	for _, r := range rows {
		if keep(r) {
			out = append(out, r)
		}
	}

	return out
}

// Pivoted is one output row of Pivot: the index key and one value per column.
type Pivoted[K comparable, V any] struct {
	Key     K
	Columns map[string]V
}

// Pivot reshapes long rows into one row per index key with a column per
// distinct column name. Rows keep the order in which their key first appears.
// When a (key, column) cell is set twice, the first value is kept.
func Pivot[R any, K comparable, V any](
	rows []R,
	key func(R) K,
	column func(R) string,
	value func(R) V,
) []Pivoted[K, V] {
	m := NewOrderedMap[K, map[string]V]()

	for _, r := range rows {
		k := key(r)

		cells, ok := m.Get(k)
		if !ok {
			cells = make(map[string]V)
			m.Set(k, cells)
		}

		col := column(r)
		if _, exists := cells[col]; !exists {
			cells[col] = value(r)
		}
	}

	out := make([]Pivoted[K, V], 0, m.Len())
	for _, k := range m.Keys() {
		cells, _ := m.Get(k)
		out = append(out, Pivoted[K, V]{Key: k, Columns: cells})
	}

	return out
}

// KeepLast deduplicates rows by key, keeping the last occurrence of each key
// at the position of its first occurrence. A keep="last" unique in a
// dataframe library would place it at the last occurrence instead; callers
// must not rely on row order.
func KeepLast[R any, K comparable](rows []R, key func(R) K) []R {
	m := NewOrderedMap[K, R]()
	for _, r := range rows {
		m.Set(key(r), r)
	}

	return m.Values()
}
