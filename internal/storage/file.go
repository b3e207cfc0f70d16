package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"detectorpoll/internal/job"
	logx "detectorpoll/pkg/logx"
)

// fileStore appends one JSON object per result to <path> and keeps a bounded
// tail per job in memory. The tail is rebuilt from the file on open.
type fileStore struct {
	log  logx.Logger
	path string

	mu    sync.Mutex
	f     *os.File
	enc   *json.Encoder
	tails *tails
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	t := newTails(cfg.Tail)
	skipped, err := replay(path, t)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "replay %s", path)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable result lines", logx.String("path", path), logx.Int("lines", skipped))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &fileStore{log: log, path: path, f: f, enc: json.NewEncoder(f), tails: t}, nil
}

func replay(path string, t *tails) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	skipped := 0
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for s.Scan() {
		var r job.AttemptResult
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.JobID == "" {
			skipped++
			continue
		}
		t.add(r)
	}
	return skipped, s.Err()
}

func (s *fileStore) Record(_ context.Context, res job.AttemptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := s.enc.Encode(res); err != nil {
		return errors.Wrap(err, "append result")
	}
	s.tails.add(res)
	return nil
}

func (s *fileStore) Recent(_ context.Context, jobID string, limit int) ([]job.AttemptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tails.recent(jobID, limit), nil
}

// Prune rewrites the log without results older than before, then swaps it in.
func (s *fileStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrClosed
	}

	src, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	tmp := s.path + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = src.Close()
		return 0, err
	}

	var removed int64
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	w := bufio.NewWriter(dst)
	for sc.Scan() {
		var r job.AttemptResult
		if err := json.Unmarshal(sc.Bytes(), &r); err == nil && r.Timestamp.Before(before) {
			removed++
			continue
		}
		_, _ = w.Write(sc.Bytes())
		_ = w.WriteByte('\n')
	}
	_ = src.Close()
	if err := sc.Err(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := w.Flush(); err != nil {
		_ = dst.Close()
		return 0, err
	}
	if err := dst.Close(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, os.Remove(tmp)
	}

	_ = s.f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return 0, errors.Wrap(err, "reopen after prune")
	}
	s.f = f
	s.enc = json.NewEncoder(f)
	s.tails.prune(before)
	return removed, nil
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
