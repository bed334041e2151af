// Package episodic implements the default file-backed episodic log: one
// NDJSON file per task, appended to durably as the inference loop and
// task_complete tool record what happened.
package episodic

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the narrow interface the inference engine and tool registry
// depend on; a semantic-search-backed implementation could sit behind the
// same interface without either caller changing.
type Store interface {
	NewTask(sessionID string) (taskID string, err error)
	Append(taskID, kind string, payload any) error
}

// Entry is one ledger record appended to a task's NDJSON file.
type Entry struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
}

// FileStore persists each task's entries to its own append-only NDJSON
// file under dir, rotated the way the teacher's InstanceLog rotates by
// renaming the current file aside once it passes maxFileBytes.
type FileStore struct {
	dir string

	mu    sync.Mutex
	tasks map[string]*taskFile
}

const maxFileBytes = 10 * 1024 * 1024

type taskFile struct {
	mu        sync.Mutex
	sessionID string
	seq       int
	path      string
	file      *os.File
	size      int64
}

// NewFileStore creates a file-backed episodic store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create episodic dir: %w", err)
	}
	return &FileStore{dir: dir, tasks: make(map[string]*taskFile)}, nil
}

// NewTask allocates a new task id and opens its ledger file.
func (s *FileStore) NewTask(sessionID string) (string, error) {
	taskID := uuid.NewString()
	path := filepath.Join(s.dir, taskID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create task file: %w", err)
	}

	s.mu.Lock()
	s.tasks[taskID] = &taskFile{sessionID: sessionID, path: path, file: f}
	s.mu.Unlock()

	return taskID, nil
}

// Append writes one ledger entry for taskID. If taskID was never created
// via NewTask in this process (e.g. after a restart), the file is opened
// lazily in append mode.
func (s *FileStore) Append(taskID, kind string, payload any) error {
	tf, err := s.taskFileFor(taskID)
	if err != nil {
		return err
	}

	tf.mu.Lock()
	defer tf.mu.Unlock()

	tf.seq++
	entry := Entry{
		TaskID:    taskID,
		SessionID: tf.sessionID,
		Seq:       tf.seq,
		Timestamp: time.Now(),
		Kind:      kind,
		Payload:   payload,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal episodic entry: %w", err)
	}
	data = append(data, '\n')

	n, err := tf.file.Write(data)
	if err != nil {
		return fmt.Errorf("write episodic entry: %w", err)
	}
	tf.size += int64(n)
	if tf.size > maxFileBytes {
		tf.rotate()
	}
	return nil
}

func (s *FileStore) taskFileFor(taskID string) (*taskFile, error) {
	s.mu.Lock()
	tf, ok := s.tasks[taskID]
	s.mu.Unlock()
	if ok {
		return tf, nil
	}

	path := filepath.Join(s.dir, taskID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	tf = &taskFile{path: path, file: f}

	s.mu.Lock()
	s.tasks[taskID] = tf
	s.mu.Unlock()
	return tf, nil
}

func (tf *taskFile) rotate() {
	tf.file.Close()
	os.Rename(tf.path, tf.path+".1")
	f, err := os.OpenFile(tf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err == nil {
		tf.file = f
		tf.size = 0
	}
}

// Close closes every open task file; called on daemon shutdown.
func (s *FileStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tf := range s.tasks {
		tf.file.Close()
	}
}
