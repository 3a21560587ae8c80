// Package audit keeps an append-only trail of every decision the agent was
// given and what it did with it, in <home>/logs/decisions.jsonl.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/maxsats/internal/shared"
)

const (
	DecisionAccept      = "accept"
	DecisionReject      = "reject"
	DecisionUnavailable = "unavailable"
)

// Entry is one line of the trail.
type Entry struct {
	Timestamp  string            `json:"timestamp"`
	RunID      string            `json:"run_id"`
	Decision   string            `json:"decision"`
	ActionKind string            `json:"action_kind,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Reason     string            `json:"reason"`
}

type Trail struct {
	mu   sync.Mutex
	file *os.File
}

// Summary counts the entries of a trail by decision.
type Summary struct {
	Accepted    int64      `json:"accepted"`
	Rejected    int64      `json:"rejected"`
	Unavailable int64      `json:"unavailable"`
	LastReject  *time.Time `json:"last_reject,omitempty"`
}

// Path returns where the trail for homeDir lives.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "decisions.jsonl")
}

func Open(homeDir string) (*Trail, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(Path(homeDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open decision trail: %w", err)
	}
	return &Trail{file: f}, nil
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// Record appends e. Reason and parameter values are redacted first. Write
// errors are dropped: the trail never fails a cycle.
func (t *Trail) Record(e Entry) {
	if t == nil {
		return
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Reason = shared.Redact(e.Reason)
	if len(e.Parameters) > 0 {
		params := make(map[string]string, len(e.Parameters))
		for k, v := range e.Parameters {
			params[k] = shared.Redact(v)
		}
		e.Parameters = params
	}

	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		_, _ = t.file.Write(append(b, '\n'))
	}
}

// Summarize reads the trail for homeDir. A missing trail is an empty summary;
// lines that do not decode are skipped.
func Summarize(homeDir string) (Summary, error) {
	var sum Summary
	f, err := os.Open(Path(homeDir))
	if errors.Is(err, os.ErrNotExist) {
		return sum, nil
	}
	if err != nil {
		return sum, fmt.Errorf("open decision trail: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		switch e.Decision {
		case DecisionAccept:
			sum.Accepted++
		case DecisionReject:
			sum.Rejected++
			if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
				sum.LastReject = &ts
			}
		case DecisionUnavailable:
			sum.Unavailable++
		}
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("read decision trail: %w", err)
	}
	return sum, nil
}
