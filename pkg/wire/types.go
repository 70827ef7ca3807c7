package wire

import "time"

// Tag identifies the on-wire type of a field value (§3, Wire field kinds).
type Tag byte

const (
	TagBoolean    Tag = 't'
	TagInt8       Tag = 'b'
	TagUint8      Tag = 'B'
	TagInt16      Tag = 'U'
	TagUint16     Tag = 'u'
	TagInt32      Tag = 'I'
	TagUint32     Tag = 'i'
	TagInt64      Tag = 'L'
	TagUint64     Tag = 'l'
	TagFloat32    Tag = 'f'
	TagFloat64    Tag = 'd'
	TagDecimal    Tag = 'D'
	TagShortstr   Tag = 's'
	TagLongstr    Tag = 'S'
	TagArray      Tag = 'A'
	TagTimestamp  Tag = 'T'
	TagTable      Tag = 'F'
	TagVoid       Tag = 'V'
	TagByteArray  Tag = 'x'
)

// Decimal is a fixed-point value: the true value is Value / 10^Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// Void is the value carried by the 'V' tag: presence with no payload.
type Void struct{}

// Array is an ordered, heterogeneous sequence of tagged field values
// ('A' tag).
type Array []any

// Table is an ordered mapping from short-string keys to tagged field
// values ('F' tag). Insertion order is preserved on the wire; reading a
// duplicate key overwrites the earlier value in place but a later Set
// call for a brand new key appends at the end.
type Table struct {
	keys []string
	vals map[string]any
}

// NewTable returns an empty, ready-to-use Table.
func NewTable() *Table {
	return &Table{vals: make(map[string]any)}
}

// Set inserts or overwrites key. The key's position is preserved on
// overwrite; new keys are appended.
func (t *Table) Set(key string, val any) {
	if t.vals == nil {
		t.vals = make(map[string]any)
	}
	if _, ok := t.vals[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.vals[key] = val
}

// Get returns the value stored under key, if any.
func (t *Table) Get(key string) (any, bool) {
	v, ok := t.vals[key]
	return v, ok
}

// Delete removes key, if present.
func (t *Table) Delete(key string) {
	if _, ok := t.vals[key]; !ok {
		return
	}
	delete(t.vals, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			break
		}
	}
}

// Len reports the number of entries.
func (t *Table) Len() int { return len(t.keys) }

// Keys returns the keys in insertion order. The caller must not mutate
// the returned slice.
func (t *Table) Keys() []string { return t.keys }

// Equal reports whether t and o hold the same keys (any order) mapped
// to equal values. Used by round-trip tests.
func (t *Table) Equal(o *Table) bool {
	if t.Len() != o.Len() {
		return false
	}
	for _, k := range t.keys {
		av, _ := t.Get(k)
		bv, ok := o.Get(k)
		if !ok || !fieldEqual(av, bv) {
			return false
		}
	}
	return true
}

func fieldEqual(a, b any) bool {
	switch av := a.(type) {
	case *Table:
		bv, ok := b.(*Table)
		return ok && av.Equal(bv)
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !fieldEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case []byte:
		bv, ok := b.([]byte)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Unix() == bv.Unix()
	default:
		return a == b
	}
}
