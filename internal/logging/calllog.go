package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CallLog writes one JSONL line per LLM attempt. It is safe for concurrent
// use. A nil CallLog is safe to use; all methods are no-ops on nil receiver.
type CallLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenCallLog opens path for append, creating parent directories.
// An empty path returns nil (disabled).
func OpenCallLog(path string) (*CallLog, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &CallLog{file: f}, nil
}

// Log writes an entry as a single JSONL line.
// A "time" field is added automatically. The caller's map is not mutated.
func (cl *CallLog) Log(entry map[string]any) {
	if cl == nil {
		return
	}

	line := make(map[string]any, len(entry)+1)
	for k, v := range entry {
		line[k] = v
	}
	line["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	data = append(data, '\n')

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return
	}
	_, _ = cl.file.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (cl *CallLog) Close() error {
	if cl == nil {
		return nil
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	err := cl.file.Close()
	cl.file = nil
	return err
}
