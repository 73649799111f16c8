package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cardpay/internal/payment"
)

// DefaultRetention bounds how long a submitted handle is worth resuming.
const DefaultRetention = 24 * time.Hour

// Store is a payment.Journal that can be closed.
type Store interface {
	payment.Journal
	Close()
}

type Config struct {
	Driver    string // memory, file, postgres
	Path      string
	DSN       string
	Retention time.Duration
}

// Open builds the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(retention), nil
	case "file":
		return NewFileStore(cfg.Path, retention)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, retention)
	}
	return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
}

func validate(t payment.PendingTransfer) error {
	if t.Handle.Hash == "" {
		return errors.New("journal entry needs a transaction hash")
	}
	return nil
}

func sortBySubmission(out []payment.PendingTransfer) {
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
}

// MemoryStore keeps entries for the life of the process.
type MemoryStore struct {
	retention time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	data map[string]payment.PendingTransfer
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		now:       time.Now,
		data:      make(map[string]payment.PendingTransfer),
	}
}

func (m *MemoryStore) Record(_ context.Context, t payment.PendingTransfer) error {
	if err := validate(t); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[t.Handle.Hash] = t
	return nil
}

func (m *MemoryStore) Resolve(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, hash)
	return nil
}

func (m *MemoryStore) Pending(_ context.Context) ([]payment.PendingTransfer, error) {
	cutoff := m.now().Add(-m.retention)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payment.PendingTransfer, 0, len(m.data))
	for _, t := range m.data {
		if t.SubmittedAt.After(cutoff) {
			out = append(out, t)
		}
	}
	sortBySubmission(out)
	return out, nil
}

func (m *MemoryStore) Close() {}

// FileStore persists entries as JSON so a restarted agent can resume polling.
type FileStore struct {
	path      string
	retention time.Duration
	now       func() time.Time

	mu   sync.Mutex
	data map[string]payment.PendingTransfer
}

func NewFileStore(path string, retention time.Duration) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("journal file path is empty")
	}
	fs := &FileStore{
		path:      path,
		retention: retention,
		now:       time.Now,
		data:      make(map[string]payment.PendingTransfer),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return fmt.Errorf("read journal %s: %w", f.path, err)
	}
	return nil
}

// persist replaces the file via rename. Callers hold mu.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Record(_ context.Context, t payment.PendingTransfer) error {
	if err := validate(t); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[t.Handle.Hash] = t
	return f.persist()
}

func (f *FileStore) Resolve(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[hash]; !ok {
		return nil
	}
	delete(f.data, hash)
	return f.persist()
}

// Pending also prunes entries past the retention window.
func (f *FileStore) Pending(_ context.Context) ([]payment.PendingTransfer, error) {
	cutoff := f.now().Add(-f.retention)
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]payment.PendingTransfer, 0, len(f.data))
	pruned := false
	for hash, t := range f.data {
		if !t.SubmittedAt.After(cutoff) {
			delete(f.data, hash)
			pruned = true
			continue
		}
		out = append(out, t)
	}
	if pruned {
		if err := f.persist(); err != nil {
			return nil, err
		}
	}
	sortBySubmission(out)
	return out, nil
}

func (f *FileStore) Close() {}
