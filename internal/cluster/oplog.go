package cluster

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// OpLog records every replicated write frame this replica has seen, one JSON
// object per line, appended before being acknowledged. It is a diagnostics
// aid surfaced through the admin API, not a recovery log: entries are never
// replayed.
type OpLog struct {
	mu   sync.Mutex
	file *os.File
	path string
	tail []OpLogEntry
}

// tailCap bounds the in-memory tail kept for the admin API.
const tailCap = 512

// OpLogEntry is one logged write.
type OpLogEntry struct {
	Term  uint64          `json:"term"`
	Frame json.RawMessage `json:"frame"`
	At    time.Time       `json:"at"`
}

// OpenOpLog opens or creates the log at path, loading the existing tail.
func OpenOpLog(path string) (*OpLog, error) {
	l := &OpLog{path: path}
	if err := l.loadTail(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = file
	return l, nil
}

func (l *OpLog) loadTail() error {
	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e OpLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip torn trailing writes
		}
		l.tail = append(l.tail, e)
		if len(l.tail) > tailCap {
			l.tail = l.tail[1:]
		}
	}
	return scanner.Err()
}

// Append records one replicated frame under the given term.
func (l *OpLog) Append(term uint64, frame json.RawMessage) error {
	entry := OpLogEntry{Term: term, Frame: frame, At: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	l.tail = append(l.tail, entry)
	if len(l.tail) > tailCap {
		l.tail = l.tail[1:]
	}
	return nil
}

// Tail returns up to n most recent entries, oldest first.
func (l *OpLog) Tail(n int) []OpLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.tail) {
		n = len(l.tail)
	}
	out := make([]OpLogEntry, n)
	copy(out, l.tail[len(l.tail)-n:])
	return out
}

// Len returns the number of entries held in memory.
func (l *OpLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tail)
}

// Close closes the underlying file.
func (l *OpLog) Close() error {
	return l.file.Close()
}
