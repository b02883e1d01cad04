package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"reviewwatch/pkg/logx"
)

// fileStore keeps everything in memory and makes it durable with two files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only ops since the last snapshot)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int

	st fileState
}

type fileState struct {
	Tasks    map[string]TaskRecord `json:"tasks"`
	Settings map[string]string     `json:"settings"`
	Dedup    map[string]int64      `json:"dedup"` // unix milli
}

const (
	opTaskPut      = "task.put"
	opTaskDelete   = "task.delete"
	opTasksReplace = "tasks.replace"
	opSetting      = "setting"
	opDedup        = "dedup"
)

type journalOp struct {
	Op    string       `json:"op"`
	Key   string       `json:"key,omitempty"`
	Value string       `json:"value,omitempty"`
	Until int64        `json:"until,omitempty"`
	Task  *TaskRecord  `json:"task,omitempty"`
	Tasks []TaskRecord `json:"tasks,omitempty"`
}

func newFileState() fileState {
	return fileState{Tasks: map[string]TaskRecord{}, Settings: map[string]string{}, Dedup: map[string]int64{}}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 200,
		st:           newFileState(),
	}
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, &s.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting empty", logx.Err(err))
	}
	if n, err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay stopped early", logx.Int("applied", n), logx.Err(err))
	}
	pruneExpiredDedup(s.st.Dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) ReplaceTasks(ctx context.Context, tasks []TaskRecord) error {
	_ = ctx
	cp := make([]TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		if strings.TrimSpace(t.APIURL) != "" {
			cp = append(cp, t)
		}
	}
	return s.write(journalOp{Op: opTasksReplace, Tasks: cp})
}

func (s *fileStore) PutTask(ctx context.Context, t TaskRecord) error {
	_ = ctx
	if strings.TrimSpace(t.APIURL) == "" {
		return errors.New("task api url is required")
	}
	return s.write(journalOp{Op: opTaskPut, Task: &t})
}

func (s *fileStore) DeleteTask(ctx context.Context, apiURL string) error {
	_ = ctx
	return s.write(journalOp{Op: opTaskDelete, Key: apiURL})
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRecord, 0, len(s.st.Tasks))
	for _, t := range s.st.Tasks {
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

func (s *fileStore) PutSetting(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.write(journalOp{Op: opSetting, Key: key, Value: value})
}

func (s *fileStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.Settings[strings.TrimSpace(key)]
	return v, ok, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.write(journalOp{Op: opDedup, Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.st.Dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// write journals op, then applies it to memory.
func (s *fileStore) write(op journalOp) error {
	line, err := sonic.Marshal(op)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("file store closed")
	}
	if _, err := s.journal.Write(line); err != nil {
		return err
	}
	s.st.apply(op)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (st *fileState) apply(op journalOp) {
	switch op.Op {
	case opTaskPut:
		if op.Task != nil {
			st.Tasks[op.Task.APIURL] = *op.Task
		}
	case opTaskDelete:
		delete(st.Tasks, op.Key)
	case opTasksReplace:
		st.Tasks = make(map[string]TaskRecord, len(op.Tasks))
		for _, t := range op.Tasks {
			st.Tasks[t.APIURL] = t
		}
	case opSetting:
		st.Settings[op.Key] = op.Value
	case opDedup:
		st.Dedup[op.Key] = op.Until
	}
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.st.Dedup)
	b, err := sonic.Marshal(s.st)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *fileState) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var loaded fileState
	if err := sonic.Unmarshal(b, &loaded); err != nil {
		return err
	}
	for k, v := range loaded.Tasks {
		st.Tasks[k] = v
	}
	for k, v := range loaded.Settings {
		st.Settings[k] = v
	}
	for k, v := range loaded.Dedup {
		st.Dedup[k] = v
	}
	return nil
}

// replay applies journal lines in order; torn or garbled lines are skipped.
func (s *fileStore) replay(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	n := 0
	for sc.Scan() {
		var op journalOp
		if err := sonic.Unmarshal(sc.Bytes(), &op); err != nil || op.Op == "" {
			continue
		}
		s.st.apply(op)
		n++
	}
	return n, sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
