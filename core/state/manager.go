package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/rlp"

	"p2pescrow/storage"
)

var errNestedTransaction = errors.New("state: transaction already open")

// Manager provides RLP-encoded key/value access to ledger state. Writes issued
// between Begin and Commit are staged in an overlay and reach the database in a
// single batch; Discard drops them. Manager is not safe for concurrent use: the
// ledger serialises every call.
type Manager struct {
	db      storage.Database
	overlay map[string][]byte
	deleted map[string]struct{}
	open    bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) string {
	return "kv:" + string(key)
}

// Begin opens a write overlay.
func (m *Manager) Begin() error {
	if m.open {
		return errNestedTransaction
	}
	m.overlay = make(map[string][]byte)
	m.deleted = make(map[string]struct{})
	m.open = true
	return nil
}

// Commit flushes the overlay atomically.
func (m *Manager) Commit() error {
	if !m.open {
		return nil
	}
	entries := make(map[string][]byte, len(m.overlay)+len(m.deleted))
	for k, v := range m.overlay {
		entries[k] = v
	}
	for k := range m.deleted {
		entries[k] = nil
	}
	m.reset()
	if len(entries) == 0 {
		return nil
	}
	return m.db.WriteBatch(entries)
}

// Discard drops every staged write.
func (m *Manager) Discard() {
	m.reset()
}

// InTransaction reports whether an overlay is open.
func (m *Manager) InTransaction() bool { return m.open }

func (m *Manager) reset() {
	m.overlay = nil
	m.deleted = nil
	m.open = false
}

func (m *Manager) read(key string) ([]byte, error) {
	if m.open {
		if _, gone := m.deleted[key]; gone {
			return nil, nil
		}
		if v, ok := m.overlay[key]; ok {
			return v, nil
		}
	}
	data, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) write(key string, value []byte) error {
	if m.open {
		delete(m.deleted, key)
		m.overlay[key] = value
		return nil
	}
	return m.db.WriteBatch(map[string][]byte{key: value})
}

func (m *Manager) remove(key string) error {
	if m.open {
		delete(m.overlay, key)
		m.deleted[key] = struct{}{}
		return nil
	}
	return m.db.WriteBatch(map[string][]byte{key: nil})
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.write(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.remove(kvKey(key))
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	list, err := m.loadList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.KVPut(key, list)
}

// KVRemove drops value from the list stored under key. Missing values are
// ignored.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	list, err := m.loadList(key)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return m.KVPut(key, kept)
}

func (m *Manager) loadList(key []byte) ([][]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("kv: key must not be empty")
	}
	var list [][]byte
	if _, err := m.KVGet(key, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
