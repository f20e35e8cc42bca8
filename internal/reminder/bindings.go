package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gmsas95/medimate/internal/dose"
)

// Key identifies one reminder: a medication at one time of day
type Key struct {
	MedicationID string
	Time         dose.TimeOfDay
}

func (k Key) String() string {
	return k.MedicationID + "@" + k.Time.String()
}

func (k Key) less(o Key) bool {
	if k.MedicationID != o.MedicationID {
		return k.MedicationID < o.MedicationID
	}
	return k.Time.Before(o.Time)
}

// Binding ties a key to the trigger scheduled for it
type Binding struct {
	MedicationID string         `json:"medicationId"`
	Time         dose.TimeOfDay `json:"time"`
	ScheduleID   string         `json:"scheduleId"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Key returns the binding's key
func (b Binding) Key() Key {
	return Key{MedicationID: b.MedicationID, Time: b.Time}
}

// BindingStore persists a scope's binding map between runs
type BindingStore interface {
	Load(ctx context.Context, scope string) (map[Key]Binding, error)
	Save(ctx context.Context, scope string, bindings map[Key]Binding) error
}

func sortedBindings(m map[Key]Binding) []Binding {
	out := make([]Binding, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().less(out[j].Key()) })
	return out
}

func encodeBindings(m map[Key]Binding) ([]byte, error) {
	return json.Marshal(sortedBindings(m))
}

func decodeBindings(data []byte) (map[Key]Binding, error) {
	var list []Binding
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	out := make(map[Key]Binding, len(list))
	for _, b := range list {
		out[b.Key()] = b
	}
	return out, nil
}

// BadgerBindings keeps binding maps in BadgerDB, one value per scope
type BadgerBindings struct {
	db *badger.DB
}

// NewBadgerBindings creates a Badger-backed binding store
func NewBadgerBindings(db *badger.DB) *BadgerBindings {
	return &BadgerBindings{db: db}
}

func bindingsKey(scope string) []byte {
	return []byte("reminders:" + scope)
}

// Load returns the scope's bindings, empty when none were saved
func (s *BadgerBindings) Load(ctx context.Context, scope string) (map[Key]Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out map[Key]Binding
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bindingsKey(scope))
		if errors.Is(err, badger.ErrKeyNotFound) {
			out = make(map[Key]Binding)
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			decoded, err := decodeBindings(v)
			if err != nil {
				return err
			}
			out = decoded
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings of %s: %w", scope, err)
	}
	return out, nil
}

// Save replaces the scope's bindings
func (s *BadgerBindings) Save(ctx context.Context, scope string, bindings map[Key]Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if len(bindings) == 0 {
			return txn.Delete(bindingsKey(scope))
		}
		data, err := encodeBindings(bindings)
		if err != nil {
			return err
		}
		return txn.Set(bindingsKey(scope), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save bindings of %s: %w", scope, err)
	}
	return nil
}

// MemoryBindings is an in-process BindingStore
type MemoryBindings struct {
	mu     sync.Mutex
	scopes map[string][]byte
}

// NewMemoryBindings creates an empty in-memory binding store
func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{scopes: make(map[string][]byte)}
}

// Load returns a copy of the scope's bindings
func (s *MemoryBindings) Load(_ context.Context, scope string) (map[Key]Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.scopes[scope]
	if !ok {
		return make(map[Key]Binding), nil
	}
	return decodeBindings(data)
}

// Save stores a copy of bindings
func (s *MemoryBindings) Save(_ context.Context, scope string, bindings map[Key]Binding) error {
	data, err := encodeBindings(bindings)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scope] = data
	return nil
}
