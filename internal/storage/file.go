package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "lightsout/pkg/logx"
)

// auditTail bounds how many audit lines are kept in memory for RecentAudit.
const auditTail = 256

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json  (key/value snapshot, replaced atomically)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath string
	kv        map[string]json.RawMessage

	auditFile *os.File
	tail      []AuditEntry
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	statePath := prefix + ".state.json"
	auditPath := prefix + ".audit.jsonl"

	kv := map[string]json.RawMessage{}
	if err := loadSnapshot(statePath, kv); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A corrupt snapshot is treated as empty; the scheduler falls back
		// to defaults and rewrites it on the next apply.
		log.Warn("state snapshot unreadable; starting empty", logx.String("path", statePath), logx.Err(err))
	}
	tail, _ := loadAuditTail(auditPath, auditTail)

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		statePath: statePath,
		kv:        kv,
		auditFile: af,
		tail:      tail,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrClosed
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *fileStore) Put(ctx context.Context, key string, val []byte) error {
	return s.PutBatch(ctx, map[string][]byte{key: val})
}

func (s *fileStore) PutBatch(_ context.Context, kv map[string][]byte) error {
	for k, v := range kv {
		if !json.Valid(v) {
			return fmt.Errorf("storage: value for %q is not valid JSON", k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	next := make(map[string]json.RawMessage, len(s.kv)+len(kv))
	for k, v := range s.kv {
		next[k] = v
	}
	for k, v := range kv {
		next[k] = append(json.RawMessage(nil), v...)
	}
	if err := writeSnapshot(s.statePath, next); err != nil {
		return err
	}
	s.kv = next
	return nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if _, ok := s.kv[key]; !ok {
		return nil
	}
	next := make(map[string]json.RawMessage, len(s.kv))
	for k, v := range s.kv {
		if k != key {
			next[k] = v
		}
	}
	if err := writeSnapshot(s.statePath, next); err != nil {
		return err
	}
	s.kv = next
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.auditFile).Encode(e); err != nil {
		return err
	}
	s.tail = append(s.tail, e)
	if len(s.tail) > auditTail {
		s.tail = append([]AuditEntry(nil), s.tail[len(s.tail)-auditTail:]...)
	}
	return nil
}

func (s *fileStore) RecentAudit(_ context.Context, n int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrClosed
	}
	return newestFirst(s.tail, n), nil
}

// writeSnapshot replaces path with m via write-to-temp, fsync, rename.
func writeSnapshot(path string, m map[string]json.RawMessage) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func loadAuditTail(path string, n int) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
		if len(out) > 2*n {
			out = append([]AuditEntry(nil), out[len(out)-n:]...)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, sc.Err()
}
