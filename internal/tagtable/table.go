package tagtable

// Shared tag store served to CIP clients, the simulator and the status API.

import (
	"fmt"
	"sync"
	"time"

	"github.com/tturner/plcsim/internal/cip/codec"
)

// Access describes what clients may do with a tag.
type Access uint8

const (
	AccessReadWrite Access = iota
	AccessReadOnly
)

func (a Access) String() string {
	if a == AccessReadOnly {
		return "read-only"
	}
	return "read-write"
}

// Tag is a point-in-time copy of a tag and its metadata.
type Tag struct {
	Name      string
	Type      codec.DataType
	Value     codec.Value
	Access    Access
	UpdatedAt time.Time
	Writes    uint64
}

// Change describes one successful mutation.
type Change struct {
	Tag    string
	Type   codec.DataType
	Old    codec.Value
	New    codec.Value
	Source string
	At     time.Time
}

// Observer receives changes after the tag lock has been released.
type Observer func(Change)

type entry struct {
	mu      sync.RWMutex
	name    string
	typ     codec.DataType
	access  Access
	value   codec.Value
	updated time.Time
	writes  uint64
}

func (e *entry) snapshot() Tag {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Tag{
		Name:      e.name,
		Type:      e.typ,
		Value:     e.value,
		Access:    e.access,
		UpdatedAt: e.updated,
		Writes:    e.writes,
	}
}

// Table maps tag names to typed values. The name map is guarded by a
// table-level lock; each tag's value by its own lock.
type Table struct {
	mu    sync.RWMutex
	tags  map[string]*entry
	order []string

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	now func() time.Time
}

// New creates an empty table.
func New() *Table {
	return &Table{
		tags:      make(map[string]*entry),
		observers: make(map[int]Observer),
		now:       time.Now,
	}
}

// Declare adds a tag. It is meant to be called during startup only.
func (t *Table) Declare(name string, typ codec.DataType, initial codec.Value) error {
	if name == "" {
		return fmt.Errorf("tag name is required")
	}
	if !typ.Valid() {
		return fmt.Errorf("tag %q: unsupported data type %s", name, typ)
	}
	if err := validate(name, typ, typ, initial); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tags[name]; exists {
		return &DuplicateTagError{Name: name}
	}
	t.tags[name] = &entry{
		name:    name,
		typ:     typ,
		access:  AccessReadWrite,
		value:   initial,
		updated: t.now(),
	}
	t.order = append(t.order, name)
	return nil
}

// Read returns the declared type and a consistent copy of the current value.
func (t *Table) Read(name string) (codec.DataType, codec.Value, error) {
	e, err := t.lookup(name)
	if err != nil {
		return 0, codec.Value{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.typ, e.value, nil
}

// Write replaces a tag's value. typ must equal the declared type and value
// must be representable in it.
func (t *Table) Write(name string, typ codec.DataType, value codec.Value) error {
	return t.WriteFrom("", name, typ, value)
}

// WriteFrom is Write with a source label recorded on the emitted Change.
func (t *Table) WriteFrom(source, name string, typ codec.DataType, value codec.Value) error {
	e, err := t.lookup(name)
	if err != nil {
		return err
	}
	if err := validate(name, e.typ, typ, value); err != nil {
		return err
	}

	e.mu.Lock()
	change := t.apply(e, value, source)
	e.mu.Unlock()

	t.notify(change)
	return nil
}

// Update atomically replaces a tag's value with fn(current). fn runs with
// the tag locked and must not call back into the table. If fn fails or
// returns an invalid value, the stored value is unchanged.
func (t *Table) Update(name string, fn func(codec.Value) (codec.Value, error)) (codec.Value, error) {
	return t.UpdateFrom("", name, fn)
}

// UpdateFrom is Update with a source label recorded on the emitted Change.
func (t *Table) UpdateFrom(source, name string, fn func(codec.Value) (codec.Value, error)) (codec.Value, error) {
	e, err := t.lookup(name)
	if err != nil {
		return codec.Value{}, err
	}

	e.mu.Lock()
	next, err := fn(e.value)
	if err == nil {
		err = validate(name, e.typ, next.Type(), next)
	}
	if err != nil {
		e.mu.Unlock()
		return codec.Value{}, err
	}
	change := t.apply(e, next, source)
	e.mu.Unlock()

	t.notify(change)
	return next, nil
}

// Lookup returns one tag with its metadata.
func (t *Table) Lookup(name string) (Tag, error) {
	e, err := t.lookup(name)
	if err != nil {
		return Tag{}, err
	}
	return e.snapshot(), nil
}

// Snapshot returns every tag in declaration order.
func (t *Table) Snapshot() []Tag {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.order))
	for _, name := range t.order {
		entries = append(entries, t.tags[name])
	}
	t.mu.RUnlock()

	tags := make([]Tag, 0, len(entries))
	for _, e := range entries {
		tags = append(tags, e.snapshot())
	}
	return tags
}

// Names returns the declared tag names in declaration order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, len(t.order))
	copy(names, t.order)
	return names
}

// Len returns the number of declared tags.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tags)
}

// Subscribe registers an observer and returns a function removing it.
// Observers run synchronously on the writer's goroutine.
func (t *Table) Subscribe(fn Observer) func() {
	t.obsMu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.obsMu.Unlock()

	return func() {
		t.obsMu.Lock()
		delete(t.observers, id)
		t.obsMu.Unlock()
	}
}

func (t *Table) lookup(name string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.tags[name]
	t.mu.RUnlock()
	if !ok {
		return nil, &UnknownTagError{Name: name}
	}
	return e, nil
}

// apply must be called with e.mu held for writing.
func (t *Table) apply(e *entry, value codec.Value, source string) Change {
	old := e.value
	e.value = value
	e.updated = t.now()
	e.writes++
	return Change{
		Tag:    e.name,
		Type:   e.typ,
		Old:    old,
		New:    value,
		Source: source,
		At:     e.updated,
	}
}

func (t *Table) notify(change Change) {
	t.obsMu.RLock()
	observers := make([]Observer, 0, len(t.observers))
	for _, fn := range t.observers {
		observers = append(observers, fn)
	}
	t.obsMu.RUnlock()

	for _, fn := range observers {
		fn(change)
	}
}

func validate(name string, declared, typ codec.DataType, value codec.Value) error {
	if typ != declared || value.Type() != declared {
		got := typ
		if got == declared {
			got = value.Type()
		}
		return &TypeMismatchError{Name: name, Declared: declared, Got: got}
	}
	if !value.InRange() {
		return &ValueRangeError{Name: name, Type: declared, Value: value.Int()}
	}
	return nil
}
