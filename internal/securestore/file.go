package securestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one sealed file per class under dir. Each file holds a
// JSON map of name to value. Every class is sealed with the store
// passphrase unless WithClassPassphrase gives it its own.
type FileStore struct {
	dir         string
	passphrases map[Class]string
	kdf         KDFParams

	mu sync.Mutex
}

type FileOption func(*FileStore)

// WithKDF overrides the argon2id cost. Tests use cheap parameters.
func WithKDF(p KDFParams) FileOption {
	return func(s *FileStore) { s.kdf = p }
}

// WithClassPassphrase seals class with its own passphrase. A blank
// passphrase keeps the store passphrase.
func WithClassPassphrase(class Class, passphrase string) FileOption {
	return func(s *FileStore) {
		if strings.TrimSpace(passphrase) != "" {
			s.passphrases[class] = passphrase
		}
	}
}

// NewFileStore prepares dir with 0700 permissions.
func NewFileStore(dir, passphrase string, opts ...FileOption) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("securestore dir is empty")
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("securestore passphrase is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, err
	}
	s := &FileStore{dir: dir, passphrases: map[Class]string{}, kdf: DefaultKDF}
	for _, class := range classes {
		s.passphrases[class] = passphrase
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Store(ctx context.Context, name string, data []byte, class Class) error {
	if name == "" {
		return errors.New("secret name is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// A name lives in exactly one class.
	for _, other := range classes {
		if other == class {
			continue
		}
		if err := s.mutate(other, func(m map[string][]byte) bool {
			_, ok := m[name]
			delete(m, name)
			return ok
		}); err != nil {
			return err
		}
	}
	return s.mutate(class, func(m map[string][]byte) bool {
		m[name] = append([]byte(nil), data...)
		return true
	})
}

func (s *FileStore) Retrieve(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, class := range classes {
		m, err := s.load(class)
		if err != nil {
			return nil, err
		}
		if v, ok := m[name]; ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, class := range classes {
		if err := s.mutate(class, func(m map[string][]byte) bool {
			_, ok := m[name]
			delete(m, name)
			return ok
		}); err != nil {
			return err
		}
	}
	return nil
}

var classes = []Class{ClassToken, ClassKeyMaterial}

func (s *FileStore) path(class Class) string {
	return filepath.Join(s.dir, class.String()+".enc")
}

func (s *FileStore) load(class Class) (map[string][]byte, error) {
	raw, err := os.ReadFile(s.path(class))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := Open(s.passphrases[class], class.String(), raw)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", class, err)
	}
	defer zeroBytes(plain)
	out := map[string][]byte{}
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, fmt.Errorf("%w: %s store payload", ErrInvalid, class)
	}
	return out, nil
}

// mutate applies fn to the class map and writes it back if fn reports a
// change. An empty map removes the file.
func (s *FileStore) mutate(class Class, fn func(map[string][]byte) bool) error {
	m, err := s.load(class)
	if err != nil {
		return err
	}
	if !fn(m) {
		return nil
	}
	if len(m) == 0 {
		if err := os.Remove(s.path(class)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	plain, err := json.Marshal(m)
	if err != nil {
		return err
	}
	defer zeroBytes(plain)
	sealed, err := Seal(s.passphrases[class], class.String(), plain, s.kdf)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(class), sealed)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
