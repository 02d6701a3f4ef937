// Package fsstore is the filesystem Store backend: keys map to files under
// a base directory, writes are atomic via write-temp-then-rename, and the
// lock contract is backed by a companion ".flock" file holding an OS
// advisory lock (flock(2) through the syscall package; see flock_unix.go)
// so multiple OS processes sharing one
// directory stay mutually exclusive without the SQL backend.
package fsstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/storage"
	"github.com/rakunlabs/masc/pkg/maskey"
)

// Store is the filesystem backend rooted at Dir. Process-local operations
// are additionally serialized by mu so two goroutines in this process never
// race on the same advisory lock acquire/release sequence; cross-process
// safety comes from the advisory file lock itself.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a filesystem-backed store rooted at dir, creating it if
// necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, mascerr.ErrOperationFailed("open", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, maskey.ToRelPath(key)+".json")
}

func (s *Store) lockPath(key string) string {
	return filepath.Join(s.dir, maskey.ToRelPath(key)+".flock")
}

type fileLockDoc struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

func readFile(path string) (string, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, mascerr.ErrOperationFailed("read", err)
	}
	return string(b), true, nil
}

// writeAtomic writes data to path by writing to a temp file in the same
// directory and renaming over the destination, so readers never observe a
// partial write.
func writeAtomic(path, data string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return mascerr.ErrOperationFailed("write", err)
	}
	tmp := path + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return mascerr.ErrOperationFailed("write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return mascerr.ErrOperationFailed("write", err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	return readFile(s.path(key))
}

func (s *Store) Set(_ context.Context, key, value string) error {
	return writeAtomic(s.path(key), value)
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	_, existed, err := readFile(s.path(key))
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return false, mascerr.ErrOperationFailed("delete", err)
	}
	return true, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	_, existed, err := readFile(s.path(key))
	return existed, err
}

// ListKeys matches file names by prefix within the one directory the
// prefix naturally maps to (see pkg/maskey.ParentAndPrefix): not a
// recursive subtree walk. The empty prefix is the one exception — it walks
// the whole tree, so full-store operations (key rotation) see nested keys
// too.
func (s *Store) ListKeys(_ context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		return s.listAll()
	}
	dir, namePrefix := maskey.ParentAndPrefix(prefix)
	full := filepath.Join(s.dir, dir)
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mascerr.ErrOperationFailed("list_keys", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if name == e.Name() {
			continue // not a value file (e.g. a .flock companion)
		}
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		if dir == "" {
			out = append(out, name)
		} else {
			out = append(out, strings.Join([]string{strings.ReplaceAll(dir, "/", ":"), name}, ":"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) listAll() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		out = append(out, strings.ReplaceAll(rel, "/", ":"))
		return nil
	})
	if err != nil {
		return nil, mascerr.ErrOperationFailed("list_keys", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetAll(ctx context.Context, prefix string) ([]storage.KV, error) {
	keys, err := s.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]storage.KV, 0, len(keys))
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, storage.KV{Key: k, Value: v})
		}
	}
	return out, nil
}

func (s *Store) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, mascerr.ErrOperationFailed("set_if_absent", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, mascerr.ErrOperationFailed("set_if_absent", err)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return false, mascerr.ErrOperationFailed("set_if_absent", err)
	}
	return true, nil
}

// withAdvisoryLock brackets fn with a non-blocking lock on the key's
// companion .flock file. On contention it returns ok=false rather than
// waiting, per the filesystem backend's documented semantics.
func (s *Store) withAdvisoryLock(key string, fn func() error) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lp := s.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(lp), 0o755); err != nil {
		return false, mascerr.ErrOperationFailed("lock", err)
	}
	f, err := os.OpenFile(lp, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, mascerr.ErrOperationFailed("lock", err)
	}
	defer f.Close()
	if err := flockNonblocking(f); err != nil {
		return false, nil
	}
	defer funlock(f)
	if err := fn(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key, expected, value string) (bool, error) {
	swapped := false
	ok, err := s.withAdvisoryLock(key, func() error {
		cur, exist, err := readFile(s.path(key))
		if err != nil {
			return err
		}
		if !exist {
			cur = ""
		}
		if cur != expected {
			return nil
		}
		swapped = true
		return writeAtomic(s.path(key), value)
	})
	if err != nil || !ok {
		return false, err
	}
	return swapped, nil
}

func (s *Store) AtomicIncrement(_ context.Context, key string) (int64, error) {
	var n int64
	ok, err := s.withAdvisoryLock(key, func() error {
		cur, exist, err := readFile(s.path(key))
		if err != nil {
			return err
		}
		if exist {
			v, err := strconv.ParseInt(strings.TrimSpace(cur), 10, 64)
			if err != nil {
				return mascerr.ErrOperationFailed("atomic_increment", err)
			}
			n = v
		}
		n++
		return writeAtomic(s.path(key), strconv.FormatInt(n, 10))
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, mascerr.ErrOperationFailed("atomic_increment", nil)
	}
	return n, nil
}

// AtomicUpdate retries up to 5 times when the advisory lock is contended,
// then fails with VersionConflict.
func (s *Store) AtomicUpdate(_ context.Context, key string, fn func(cur string, ok bool) (string, error)) error {
	update := func() error {
		cur, exist, err := readFile(s.path(key))
		if err != nil {
			return err
		}
		next, err := fn(cur, exist)
		if err != nil {
			return err
		}
		return writeAtomic(s.path(key), next)
	}
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := s.withAdvisoryLock(key, update)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return mascerr.ErrVersionConflict(0, 0)
}

func (s *Store) AcquireLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	_, err := s.withAdvisoryLock("locks:"+key, func() error {
		path := s.path("locks:" + key)
		cur, exist, err := readFile(path)
		if err != nil {
			return err
		}
		now := time.Now()
		if exist {
			var doc fileLockDoc
			if err := json.Unmarshal([]byte(cur), &doc); err == nil {
				if doc.ExpiresAt.After(now) && doc.Owner != owner {
					return nil
				}
			}
		}
		doc := fileLockDoc{Owner: owner, ExpiresAt: now.Add(storage.ClampTTL(ttl))}
		b, _ := json.Marshal(doc)
		if err := writeAtomic(path, string(b)); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *Store) ReleaseLock(_ context.Context, key, owner string) (bool, error) {
	released := false
	_, err := s.withAdvisoryLock("locks:"+key, func() error {
		path := s.path("locks:" + key)
		cur, exist, err := readFile(path)
		if err != nil || !exist {
			return err
		}
		var doc fileLockDoc
		if err := json.Unmarshal([]byte(cur), &doc); err != nil {
			return nil
		}
		if doc.Owner != owner {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil
		}
		released = true
		return nil
	})
	return released, err
}

func (s *Store) ExtendLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	extended := false
	_, err := s.withAdvisoryLock("locks:"+key, func() error {
		path := s.path("locks:" + key)
		cur, exist, err := readFile(path)
		if err != nil || !exist {
			return err
		}
		var doc fileLockDoc
		if err := json.Unmarshal([]byte(cur), &doc); err != nil {
			return nil
		}
		now := time.Now()
		if doc.Owner != owner || doc.ExpiresAt.Before(now) {
			return nil
		}
		doc.ExpiresAt = now.Add(storage.ClampTTL(ttl))
		b, _ := json.Marshal(doc)
		if err := writeAtomic(path, string(b)); err != nil {
			return err
		}
		extended = true
		return nil
	})
	return extended, err
}

func (s *Store) Publish(_ context.Context, _, _ string) (int, error) {
	return 0, mascerr.ErrBackendNotSupported("publish")
}

func (s *Store) Subscribe(_ context.Context, _ string) (string, bool, error) {
	return "", false, mascerr.ErrBackendNotSupported("subscribe")
}

func (s *Store) HealthCheck(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil || !info.IsDir() {
		return mascerr.ErrConnectionFailed(err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
