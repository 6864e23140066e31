package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	logx "workerd/pkg/logx"
)

// fileStore keeps run history in <prefix>.runs.jsonl (append-only JSON Lines)
// and mirrors the retained runs in memory. The file is rewritten with only
// the retained runs once it carries too many dropped lines.
type fileStore struct {
	log   logx.Logger
	path  string
	limit int

	mu   sync.Mutex
	f    *os.File
	runs map[string][]RunRecord // per worker, oldest first
	// lines on disk, retained or not
	lines int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:   log,
		path:  filepath.Join(dir, base) + ".runs.jsonl",
		limit: cfg.historySize(),
		runs:  map[string][]RunRecord{},
	}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	if fi, err := f.Stat(); err == nil {
		log.Debug("run history loaded",
			logx.String("path", s.path),
			logx.Int("lines", s.lines),
			logx.String("size", humanize.Bytes(uint64(fi.Size()))),
		)
	}
	return s, nil
}

// replay loads the file; unparsable lines (e.g. a torn final write) are skipped.
func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		s.lines++
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Worker == "" {
			continue
		}
		s.keepLocked(r)
	}
	return sc.Err()
}

func (s *fileStore) keepLocked(r RunRecord) {
	rs := append(s.runs[r.Worker], r)
	if over := len(rs) - s.limit; over > 0 {
		rs = append(rs[:0:0], rs[over:]...)
	}
	s.runs[r.Worker] = rs
}

func (s *fileStore) retainedLocked() int {
	n := 0
	for _, rs := range s.runs {
		n += len(rs)
	}
	return n
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.lines++
	s.keepLocked(r)

	if retained := s.retainedLocked(); s.lines > 2*retained+1000 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("run history compact failed", logx.Err(err), logx.String("path", s.path))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, worker string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	rs := s.runs[worker]
	if limit <= 0 || limit > len(rs) {
		limit = len(rs)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(rs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rs[i])
	}
	return out, nil
}

// compactLocked rewrites the file with only the retained runs, ordered by
// start time, then reopens it for appending.
func (s *fileStore) compactLocked() error {
	all := make([]RunRecord, 0, s.retainedLocked())
	for _, rs := range s.runs {
		all = append(all, rs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].StartedAt.Before(all[j].StartedAt) })

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range all {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return s.reopenLocked(err)
	}
	s.lines = len(all)
	return s.reopenLocked(nil)
}

func (s *fileStore) reopenLocked(prev error) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Join(prev, err)
	}
	s.f = f
	return prev
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
