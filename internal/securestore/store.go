// Package securestore persists secrets by name. Key material and session
// tokens live in separate protection classes.
package securestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("secret not found")

// Class selects the protection applied to a secret.
type Class int

const (
	// ClassToken holds session tokens and the email. Readable while the
	// device is unlocked.
	ClassToken Class = iota
	// ClassKeyMaterial holds the signing key and recovery phrase. Reading it
	// requires the device passcode or a biometric check.
	ClassKeyMaterial
)

func (c Class) String() string {
	switch c {
	case ClassToken:
		return "token"
	case ClassKeyMaterial:
		return "key-material"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Well-known secret names.
const (
	NameAccessToken  = "access_token"
	NameRefreshToken = "refresh_token"
	NameEmail        = "email"
	NameSigningKey   = "signing_key"
	NamePhrase       = "recovery_phrase"
)

type Store interface {
	Store(ctx context.Context, name string, data []byte, class Class) error
	// Retrieve returns ErrNotFound when name has never been stored or was
	// deleted.
	Retrieve(ctx context.Context, name string) ([]byte, error)
	// Delete is a no-op for unknown names.
	Delete(ctx context.Context, name string) error
}

// MemoryStore keeps secrets in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data  []byte
	class Class
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}}
}

func (m *MemoryStore) Store(_ context.Context, name string, data []byte, class Class) error {
	if name == "" {
		return errors.New("secret name is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.entries[name]; ok {
		zeroBytes(old.data)
	}
	m.entries[name] = memoryEntry{data: append([]byte(nil), data...), class: class}
	return nil
}

func (m *MemoryStore) Retrieve(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return append([]byte(nil), e.data...), nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		zeroBytes(e.data)
		delete(m.entries, name)
	}
	return nil
}

// ClassOf reports the class a stored name was written with.
func (m *MemoryStore) ClassOf(name string) (Class, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return e.class, ok
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
