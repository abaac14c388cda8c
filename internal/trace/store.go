package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"swarmd/internal/logging"
)

// MaxListLimit caps one page of List results.
const MaxListLimit = 100

// Store is the two-tier trace store: an authoritative in-memory map plus
// a best-effort JSON-file-per-trace directory. A failed disk write flips
// the store into memory-only mode for the rest of its lifetime.
type Store struct {
	mu         sync.RWMutex
	mem        map[string]*Trace
	dir        string
	memoryOnly bool
	warnOnce   sync.Once
	log        *zap.Logger
}

// NewStore creates a store rooted at dir. Directory creation failure is
// tolerated: the store starts memory-only.
func NewStore(dir string) *Store {
	s := &Store{
		mem: make(map[string]*Trace),
		dir: dir,
		log: logging.Store(),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.memoryOnly = true
		s.log.Warn("trace directory unavailable, running memory-only",
			zap.String("dir", dir), zap.Error(err))
	}
	return s
}

// Save persists a trace to memory and, best-effort, to disk.
func (s *Store) Save(t *Trace) error {
	if t == nil || t.TraceID == "" {
		return fmt.Errorf("trace requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem[t.TraceID] = t.Clone()
	s.writeFileLocked(t)
	return nil
}

// Get returns a copy of the trace, hydrating memory from disk on miss.
func (s *Store) Get(id string) (*Trace, bool) {
	s.mu.RLock()
	if t, ok := s.mem[id]; ok {
		s.mu.RUnlock()
		return t.Clone(), true
	}
	s.mu.RUnlock()

	t, err := s.readFile(id)
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	s.mem[id] = t
	s.mu.Unlock()
	return t.Clone(), true
}

// Update applies mutate to the stored trace under the store lock and
// persists the result. A terminal trace never transitions back to a
// non-terminal status; such mutations keep the terminal status.
func (s *Store) Update(id string, mutate func(*Trace)) (*Trace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.mem[id]
	if !ok {
		loaded, err := s.readFile(id)
		if err != nil {
			return nil, false
		}
		t = loaded
		s.mem[id] = t
	}

	prior := t.Status
	mutate(t)
	if prior.Terminal() && !t.Status.Terminal() {
		t.Status = prior
	}

	s.writeFileLocked(t)
	return t.Clone(), true
}

// Delete removes a trace from both tiers. The engine never calls this;
// it exists for the admin surface.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, inMem := s.mem[id]
	delete(s.mem, id)

	onDisk := false
	if !s.memoryOnly {
		if err := os.Remove(s.path(id)); err == nil {
			onDisk = true
		}
	}
	return inMem || onDisk
}

// List merges memory and disk (memory wins on collision), sorts by
// timestamp descending, and paginates. Corrupt disk entries are skipped.
func (s *Store) List(limit, offset int) ([]*Trace, int) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	merged := make(map[string]*Trace, len(s.mem))
	for id, t := range s.mem {
		merged[id] = t.Clone()
	}
	memoryOnly := s.memoryOnly
	s.mu.RUnlock()

	if !memoryOnly {
		entries, err := os.ReadDir(s.dir)
		if err == nil {
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() || !strings.HasSuffix(name, ".json") {
					continue
				}
				id := strings.TrimSuffix(name, ".json")
				if _, ok := merged[id]; ok {
					continue
				}
				t, err := s.readFile(id)
				if err != nil {
					continue
				}
				merged[id] = t
			}
		}
	}

	all := make([]*Trace, 0, len(merged))
	for _, t := range merged {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].TraceID < all[j].TraceID
		}
		return all[i].Timestamp.After(all[j].Timestamp)
	})

	total := len(all)
	if offset >= total {
		return []*Trace{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// writeFileLocked serializes the trace with stable field names and
// 2-space indent. On failure the store goes memory-only and logs once.
func (s *Store) writeFileLocked(t *Trace) {
	if s.memoryOnly {
		return
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err == nil {
		err = os.WriteFile(s.path(t.TraceID), data, 0o644)
	}
	if err != nil {
		s.memoryOnly = true
		s.warnOnce.Do(func() {
			s.log.Warn("trace disk write failed, degrading to memory-only",
				zap.String("traceId", t.TraceID), zap.Error(err))
		})
	}
}

// readFile loads and parses one trace file. Corrupt files return an
// error and are never allowed to panic the store.
func (s *Store) readFile(id string) (*Trace, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("corrupt trace file %s: %w", id, err)
	}
	if t.TraceID == "" {
		return nil, fmt.Errorf("corrupt trace file %s: missing id", id)
	}
	return &t, nil
}
