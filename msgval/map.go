// Copyright (C) 2021 Anshorei. All Rights Reserved.

package msgval

// A Map is a mapping from string keys to values that preserves key
// insertion order. The wire format encodes map entries in order, and
// re-encoding a decoded frame must reproduce the original byte sequence,
// so the in-memory representation cannot use an unordered map alone.
//
// A Map is not safe for concurrent use without external synchronization.
type Map struct {
	keys  []string
	index map[string]int
	vals  []Value
}

// NewMap constructs a new empty map.
func NewMap() *Map { return &Map{index: make(map[string]int)} }

// MapOf constructs a map from alternating key, value pairs.
// It panics if pairs has odd length or a key is not a string value.
func MapOf(pairs ...any) *Map {
	if len(pairs)%2 != 0 {
		panic("msgval: odd number of arguments to MapOf")
	}
	m := NewMap()
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic("msgval: MapOf key is not a string")
		}
		val, ok := pairs[i+1].(Value)
		if !ok {
			panic("msgval: MapOf value is not a msgval.Value")
		}
		m.Set(key, val)
	}
	return m
}

// Len reports the number of entries in m. A nil map is empty.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Get reports the value stored for key, if any.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	pos, ok := m.index[key]
	if !ok {
		return Value{}, false
	}
	return m.vals[pos], true
}

// Set stores val under key. An existing entry keeps its position in the
// key order; a new entry is appended.
func (m *Map) Set(key string, val Value) *Map {
	if pos, ok := m.index[key]; ok {
		m.vals[pos] = val
		return m
	}
	m.index[key] = len(m.keys)
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, val)
	return m
}

// Delete removes the entry for key, if present, preserving the relative
// order of the remaining keys.
func (m *Map) Delete(key string) {
	pos, ok := m.index[key]
	if !ok {
		return
	}
	m.keys = append(m.keys[:pos], m.keys[pos+1:]...)
	m.vals = append(m.vals[:pos], m.vals[pos+1:]...)
	delete(m.index, key)
	for i := pos; i < len(m.keys); i++ {
		m.index[m.keys[i]] = i
	}
}

// Keys reports the keys of m in insertion order. The caller must not
// modify the reported slice.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return m.keys
}

// At reports the key and value at position i in insertion order.
func (m *Map) At(i int) (string, Value) { return m.keys[i], m.vals[i] }

// Clone returns a shallow copy of m with its own key order.
func (m *Map) Clone() *Map {
	out := NewMap()
	for i, key := range m.Keys() {
		out.Set(key, m.vals[i])
	}
	return out
}
