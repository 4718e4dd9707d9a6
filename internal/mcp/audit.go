package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry records one tool call. It never carries message or event
// text.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Tool       string            `json:"tool"`
	SimCode    string            `json:"sim_code,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Status     string            `json:"status"` // "success" or "error"
	Error      string            `json:"error,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// AuditLogger appends entries to a JSONL file. It is safe for concurrent
// use, and a nil AuditLogger discards everything.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLogger opens path for appending, creating its directory 0700 and
// the file 0600.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &AuditLogger{file: f}, nil
}

// Log appends entry as one line.
func (a *AuditLogger) Log(entry AuditEntry) {
	if a == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_, _ = a.file.Write(data)
	}
}

// Close closes the file. Closing twice is a no-op.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Parameters whose values are safe to log. Anything else that may carry
// free text is logged as "(set)" or not at all.
var (
	safeValueParams = map[string]bool{
		"template":       true,
		"sim_mode":       true,
		"steps":          true,
		"mode":           true,
		"initial_rounds": true,
		"sec_per_step":   true,
		"persona":        true,
	}
	presenceOnlyParams = map[string]bool{
		"command":     true,
		"payloads":    true,
		"msg":         true,
		"prev_msgs":   true,
		"description": true,
		"access_list": true,
		"policy":      true,
		"websearch":   true,
		"llm_config":  true,
	}
)

// sanitizeToolParams keeps safe values, marks sensitive parameters as set
// and drops the rest. "_param_count" is always present.
func sanitizeToolParams(params map[string]any) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string)
	set := 0
	for key, val := range params {
		if isZero(val) {
			continue
		}
		set++
		switch {
		case safeValueParams[key]:
			out[key] = fmt.Sprintf("%v", val)
		case presenceOnlyParams[key]:
			out[key] = "(set)"
		}
	}
	out["_param_count"] = fmt.Sprintf("%d", set)
	return out
}

func isZero(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case int:
		return v == 0
	case []string:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

// auditTool logs a finished tool call.
func (s *Server) auditTool(tool, sim string, start time.Time, err error, params map[string]any) {
	entry := AuditEntry{
		Timestamp:  start,
		Tool:       tool,
		SimCode:    sim,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     "success",
		Params:     sanitizeToolParams(params),
	}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	}
	s.audit.Log(entry)
}
