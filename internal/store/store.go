package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dispatchd/internal/ids"
	"github.com/dispatchd/internal/slug"
)

// ErrTaskNotFound is returned when a slug resolves to no task directory.
var ErrTaskNotFound = errors.New("task not found")

// ErrDispatchNotFound is returned when a dispatch id resolves to no file.
var ErrDispatchNotFound = errors.New("dispatch not found")

// Store reads and writes the task/dispatch file tree. Manifest writes are
// serialized per task directory; dispatch files have a single writer (the
// supervisor that owns the dispatch) and need no locking.
type Store struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex // task dir -> manifest write lock
}

// New creates a Store.
func New() *Store {
	return &Store{locks: make(map[string]*sync.Mutex)}
}

func (s *Store) taskLock(taskDir string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskDir]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskDir] = l
	}
	return l
}

// writeJSON writes v as indented JSON with a trailing newline.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// CreateTask creates a new task directory under tasksDir, deriving and
// de-duplicating the slug from name. Returns the manifest, the task dir and
// whether the slug differs from the given name.
func (s *Store) CreateTask(tasksDir, name, description, correlationKey string) (*TaskManifest, string, bool, error) {
	base, modified := slug.Generate(name)
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return nil, "", false, fmt.Errorf("create tasks dir: %w", err)
	}
	final := slug.Deduplicate(tasksDir, base)
	if final != base {
		modified = true
	}

	taskDir := filepath.Join(tasksDir, final)
	if err := os.MkdirAll(filepath.Join(taskDir, "dispatches"), 0o755); err != nil {
		return nil, "", false, fmt.Errorf("create task dir: %w", err)
	}

	manifest := &TaskManifest{
		Slug:           final,
		Name:           name,
		Description:    description,
		Status:         TaskOpen,
		CreatedAt:      time.Now().UTC(),
		CorrelationKey: correlationKey,
		Dispatches:     []DispatchSummary{},
	}
	if err := writeJSON(filepath.Join(taskDir, "task.json"), manifest); err != nil {
		return nil, "", false, fmt.Errorf("write task.json: %w", err)
	}
	return manifest, taskDir, modified, nil
}

// GetTask loads a task manifest by slug.
func (s *Store) GetTask(tasksDir, taskSlug string) (*TaskManifest, error) {
	path := filepath.Join(tasksDir, taskSlug, "task.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskSlug)
		}
		return nil, err
	}
	var m TaskManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &m, nil
}

// ListTasks returns every readable task manifest under tasksDir, sorted by
// creation time. Directories without a valid task.json are skipped.
func (s *Store) ListTasks(tasksDir string) ([]*TaskManifest, error) {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*TaskManifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := s.GetTask(tasksDir, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindTaskByCorrelation returns the open task whose correlation key matches,
// or nil if none does.
func (s *Store) FindTaskByCorrelation(tasksDir, key string) (*TaskManifest, error) {
	if key == "" {
		return nil, nil
	}
	all, err := s.ListTasks(tasksDir)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.CorrelationKey == key && m.Status == TaskOpen {
			return m, nil
		}
	}
	return nil, nil
}

// CloseTask marks a task closed.
func (s *Store) CloseTask(tasksDir, taskSlug string) error {
	taskDir := filepath.Join(tasksDir, taskSlug)
	lock := s.taskLock(taskDir)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.GetTask(tasksDir, taskSlug)
	if err != nil {
		return err
	}
	m.Status = TaskClosed
	return writeJSON(filepath.Join(taskDir, "task.json"), m)
}

// TaskDir returns the directory for a task slug, verifying it exists.
func (s *Store) TaskDir(tasksDir, taskSlug string) (string, error) {
	taskDir := filepath.Join(tasksDir, taskSlug)
	if info, err := os.Stat(taskDir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskSlug)
	}
	return taskDir, nil
}

func dispatchPath(taskDir, dispatchID string) string {
	return filepath.Join(taskDir, "dispatches", dispatchID+".json")
}

// CreateDispatch writes a new dispatch file with an empty event list and
// upserts its projection into the manifest.
func (s *Store) CreateDispatch(taskDir string, d *Dispatch) error {
	if d.ID == "" {
		d.ID = ids.New()
	}
	file := &DispatchFile{Dispatch: *d, Events: []Event{}}
	if err := writeJSON(dispatchPath(taskDir, d.ID), file); err != nil {
		return fmt.Errorf("write dispatch file: %w", err)
	}
	s.upsertProjection(taskDir, d)
	return nil
}

// upsertProjection refreshes the manifest's row for d. A missing manifest is
// tolerated: the envelope is authoritative, only the index row is lost.
func (s *Store) upsertProjection(taskDir string, d *Dispatch) {
	lock := s.taskLock(taskDir)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(taskDir, "task.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var m TaskManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}

	row := d.summary()
	found := false
	for i := range m.Dispatches {
		if m.Dispatches[i].ID == row.ID {
			m.Dispatches[i] = row
			found = true
			break
		}
	}
	if !found {
		m.Dispatches = append(m.Dispatches, row)
	}
	_ = writeJSON(path, &m)
}

// readDispatchFile loads a dispatch file, distinguishing absence from
// corruption: (nil, ErrDispatchNotFound) for absence, (nil, nil) for corrupt
// JSON.
func readDispatchFile(taskDir, dispatchID string) (*DispatchFile, error) {
	data, err := os.ReadFile(dispatchPath(taskDir, dispatchID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDispatchNotFound, dispatchID)
		}
		return nil, err
	}
	var f DispatchFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil
	}
	return &f, nil
}

// GetDispatch returns the full dispatch file. Corrupt files yield (nil, nil).
func (s *Store) GetDispatch(taskDir, dispatchID string) (*DispatchFile, error) {
	return readDispatchFile(taskDir, dispatchID)
}

// AppendEvent appends one event to a dispatch's log. The caller is the sole
// writer of its own dispatch, so this is a plain read-append-write.
func (s *Store) AppendEvent(taskDir, dispatchID string, event Event) error {
	f, err := readDispatchFile(taskDir, dispatchID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("dispatch %s: corrupt file", dispatchID)
	}
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	f.Events = append(f.Events, event)
	return writeJSON(dispatchPath(taskDir, dispatchID), f)
}

// UpdateDispatch applies a mutation to the envelope fields, preserving the
// event log and the id, then refreshes the manifest projection.
func (s *Store) UpdateDispatch(taskDir, dispatchID string, update func(*Dispatch)) error {
	f, err := readDispatchFile(taskDir, dispatchID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("dispatch %s: corrupt file", dispatchID)
	}
	update(&f.Dispatch)
	f.Dispatch.ID = dispatchID
	if err := writeJSON(dispatchPath(taskDir, dispatchID), f); err != nil {
		return err
	}
	s.upsertProjection(taskDir, &f.Dispatch)
	return nil
}

// GetDispatchEnvelopes scans the dispatch directory and returns envelopes
// without events, sorted by id (which is creation order). Malformed files are
// skipped silently.
func (s *Store) GetDispatchEnvelopes(taskDir string) ([]Dispatch, error) {
	dir := filepath.Join(taskDir, "dispatches")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Dispatch
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		f, err := readDispatchFile(taskDir, id)
		if err != nil || f == nil {
			continue
		}
		out = append(out, f.Dispatch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetDispatchEvents returns the full event log of a dispatch.
func (s *Store) GetDispatchEvents(taskDir, dispatchID string) ([]Event, error) {
	f, err := readDispatchFile(taskDir, dispatchID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	return f.Events, nil
}

// GetRecentEvents returns the last n events of a dispatch.
func (s *Store) GetRecentEvents(taskDir, dispatchID string, n int) ([]Event, error) {
	events, err := s.GetDispatchEvents(taskDir, dispatchID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || len(events) <= n {
		return events, nil
	}
	return events[len(events)-n:], nil
}
