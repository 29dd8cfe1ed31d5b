package addrbook

import (
	"sort"
	"sync"

	"gitmesh/internal/store"
)

// Store persists address records. Save is an upsert keyed by Address.Key.
type Store interface {
	Load() ([]Address, error)
	Save(Address) error
	Delete(key string) error
	Close() error
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	addrs map[string]Address
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{addrs: make(map[string]Address)}
}

func (m *MemoryStore) Load() ([]Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Address, 0, len(m.addrs))
	for _, a := range m.addrs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *MemoryStore) Save(a Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs[a.Key()] = a
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.addrs, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// FileStore appends one JSON line per change; the last line for a key wins.
// The log is compacted once dead lines outnumber live records.
type FileStore struct {
	mu    sync.Mutex
	path  string
	live  map[string]diskAddress
	lines int
}

const compactSlack = 64

func NewFileStore(path string) (*FileStore, error) {
	f := &FileStore{path: path, live: make(map[string]diskAddress)}
	lines, err := store.ReadJSONL(path, func(d diskAddress) {
		if d.Deleted {
			delete(f.live, d.Key)
			return
		}
		f.live[d.Key] = d
	})
	if err != nil {
		return nil, err
	}
	f.lines = lines
	return f, nil
}

func (f *FileStore) Load() ([]Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Address, 0, len(f.live))
	for _, d := range f.live {
		a, err := fromDisk(d)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (f *FileStore) Save(a Address) error {
	d := toDisk(a)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[d.Key] = d
	return f.appendLocked(d)
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[key]; !ok {
		return nil
	}
	delete(f.live, key)
	return f.appendLocked(diskAddress{Key: key, Deleted: true})
}

func (f *FileStore) appendLocked(d diskAddress) error {
	if err := store.AppendJSONL(f.path, d); err != nil {
		return err
	}
	f.lines++
	if f.lines > 2*len(f.live)+compactSlack {
		return f.compactLocked()
	}
	return nil
}

func (f *FileStore) compactLocked() error {
	keys := make([]string, 0, len(f.live))
	for k := range f.live {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	recs := make([]diskAddress, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, f.live[k])
	}
	if err := store.RewriteJSONL(f.path, recs); err != nil {
		return err
	}
	f.lines = len(recs)
	return nil
}

// Close compacts the log.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lines == len(f.live) {
		return nil
	}
	return f.compactLocked()
}
