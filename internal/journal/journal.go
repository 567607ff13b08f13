// Package journal is an append-only, checksummed event log per job.
//
// Every lifecycle transition the coordinator makes is appended as one JSON
// line. The journal is diagnostic: recovery never depends on it, but it is
// what the management API serves when asked for a job's history.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ============================================================================
// Journal
// ============================================================================

// Journal is safe for concurrent use.
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// Open creates or reopens the journal at path. A torn final line left by a
// crash is cut off so new records start on a clean line, and numbering
// continues after the last valid record.
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if err := trimTornTail(path); err != nil {
		return nil, fmt.Errorf("journal: repair %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if err := scan(path, func(ev Event) error {
		seq = ev.Seq
		return nil
	}, true); err != nil {
		file.Close()
		return nil, err
	}

	return &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Path returns the backing file.
func (j *Journal) Path() string { return j.path }

// Append writes ev, assigning its sequence number, timestamp and checksum.
func (j *Journal) Append(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	j.seq++
	ev.Seq = j.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Checksum = Checksum(ev)

	if err := j.encoder.Encode(ev); err != nil {
		return fmt.Errorf("journal: append seq=%d: %w", ev.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

// Replay calls handler for every record in order and stops at the first
// corrupt record or handler error.
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return scan(j.path, handler, false)
}

// Tail returns the last n valid records, oldest first. Corrupt records are
// skipped. n <= 0 returns everything.
func (j *Journal) Tail(n int) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var events []Event
	err := scan(j.path, func(ev Event) error {
		events = append(events, ev)
		if n > 0 && len(events) > n {
			events = events[1:]
		}
		return nil
	}, true)
	return events, err
}

// LastSeq returns the sequence number of the last appended record.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close syncs and closes the file. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// ============================================================================
// Helpers
// ============================================================================

// scan decodes path line by line. With lenient set, undecodable lines and
// checksum mismatches are skipped instead of failing.
func scan(path string, handler Handler, lenient bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var line int64
	for {
		raw, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			line++
			var ev Event
			if derr := json.Unmarshal(raw, &ev); derr != nil {
				if !lenient {
					return fmt.Errorf("%w: line %d: %v", ErrCorrupted, line, derr)
				}
			} else if !Verify(ev) {
				if !lenient {
					return fmt.Errorf("%w: seq=%d", ErrChecksumMismatch, ev.Seq)
				}
			} else if herr := handler(ev); herr != nil {
				return herr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// trimTornTail truncates path after its last newline.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := bytes.LastIndexByte(data, '\n') + 1
	return os.Truncate(path, int64(cut))
}
