package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	auditFileMode = 0644
	auditDirMode  = 0755

	// ActorSystem attributes transitions made by tether itself.
	ActorSystem = "system"
	// SubjectSystem is the subject of control-surface records.
	SubjectSystem = "system"

	maxLineBytes = 4 * 1024 * 1024
)

// Kind names the transition an audit record describes.
type Kind string

const (
	KindSubmit               Kind = "submit"
	KindAutoApprove          Kind = "auto-approve"
	KindApprove              Kind = "approve"
	KindReject               Kind = "reject"
	KindExpire               Kind = "expire"
	KindExecuteStart         Kind = "execute-start"
	KindExecuteAttemptFailed Kind = "execute-attempt-failed"
	KindExecuteSuccess       Kind = "execute-success"
	KindExecuteFailure       Kind = "execute-failure"
	KindRequeue              Kind = "requeue"
	KindRegister             Kind = "register"
	KindHalt                 Kind = "halt"
	KindRestart              Kind = "restart"
	KindClearHalt            Kind = "clear-halt"
	KindEmergencyStop        Kind = "emergency-stop"
	KindPause                Kind = "pause"
	KindResume               Kind = "resume"
)

// Record is one audit entry written as a single JSON line.
type Record struct {
	ID        int64          `json:"id"`
	Kind      Kind           `json:"kind"`
	SubjectID string         `json:"subject_id"`
	Actor     string         `json:"actor"`
	Time      time.Time      `json:"time"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Recorder appends records. *Log implements it.
type Recorder interface {
	Append(rec Record) (Record, error)
}

// Filter selects records. Zero values match everything.
type Filter struct {
	SubjectID string
	Kinds     []Kind
	Since     time.Time
	// Limit keeps only the last Limit matching records.
	Limit int
}

// Log is the append-only audit log at <workspace>/state/audit.jsonl.
type Log struct {
	path     string
	now      func() time.Time
	syncFile func(*os.File) error
	mu       sync.Mutex
	nextID   int64
	ready    bool
}

// NewLog creates an audit log rooted at workspace state.
func NewLog(workspace string) *Log {
	return &Log{
		path:     filepath.Join(workspace, "state", "audit.jsonl"),
		now:      time.Now,
		syncFile: (*os.File).Sync,
	}
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Append assigns the next id, writes rec as one line and syncs it to disk
// before returning the stored record. A failed write is cut back off the
// file so its id is free for the next record.
func (l *Log) Append(rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.prepareLocked(); err != nil {
		return Record{}, err
	}

	if rec.Time.IsZero() {
		rec.Time = l.now()
	}
	rec.Time = rec.Time.UTC()
	if rec.Actor == "" {
		rec.Actor = ActorSystem
	}
	rec.Payload = SanitizePayload(rec.Payload)
	rec.ID = l.nextID

	encoded, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal audit record: %w", err)
	}
	encoded = append(encoded, '\n')

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return Record{}, fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Record{}, fmt.Errorf("stat audit file: %w", err)
	}

	if _, err := file.Write(encoded); err != nil {
		l.rollbackLocked(file, info.Size())
		return Record{}, fmt.Errorf("append audit record: %w", err)
	}
	if err := l.syncFile(file); err != nil {
		l.rollbackLocked(file, info.Size())
		return Record{}, fmt.Errorf("sync audit file: %w", err)
	}

	l.nextID++
	return rec, nil
}

// rollbackLocked drops a partially stored record. When the file cannot be cut
// back, the next append rescans it for the highest id.
func (l *Log) rollbackLocked(file *os.File, size int64) {
	if err := file.Truncate(size); err != nil {
		l.ready = false
	}
}

// Records returns matching records ordered by id. A line repeated with the
// same id is reported once.
func (l *Log) Records(filter Filter) ([]Record, error) {
	var out []Record
	kinds := make(map[Kind]struct{}, len(filter.Kinds))
	for _, k := range filter.Kinds {
		kinds[k] = struct{}{}
	}

	err := l.Replay(func(rec Record) error {
		if filter.SubjectID != "" && rec.SubjectID != filter.SubjectID {
			return nil
		}
		if len(kinds) > 0 {
			if _, ok := kinds[rec.Kind]; !ok {
				return nil
			}
		}
		if !filter.Since.IsZero() && rec.Time.Before(filter.Since) {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Replay calls fn for every record in file order, skipping lines whose id was
// already seen and a torn final line.
func (l *Log) Replay(fn func(Record) error) error {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read audit file: %w", err)
	}

	seen := make(map[int64]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A crash mid-append can only damage the final line.
			continue
		}

		if rec.ID > 0 {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
		}

		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan audit file: %w", err)
	}
	return nil
}

func (l *Log) prepareLocked() error {
	if l.ready {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), auditDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	maxID, err := l.recoverLocked()
	if err != nil {
		return err
	}
	l.nextID = maxID + 1
	l.ready = true
	return nil
}

// recoverLocked finds the highest id on disk and cuts off a torn final line
// so the next append starts on a fresh line.
func (l *Log) recoverLocked() (int64, error) {
	file, err := os.OpenFile(l.path, os.O_RDWR, auditFileMode)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return 0, fmt.Errorf("read audit file: %w", err)
	}

	var maxID int64
	valid := 0
	offset := 0
	for offset < len(data) {
		end := bytes.IndexByte(data[offset:], '\n')
		if end < 0 {
			break
		}
		line := bytes.TrimSpace(data[offset : offset+end])
		offset += end + 1
		if len(line) > 0 {
			var rec Record
			if err := json.Unmarshal(line, &rec); err == nil && rec.ID > maxID {
				maxID = rec.ID
			}
		}
		valid = offset
	}

	if valid < len(data) {
		tail := bytes.TrimSpace(data[valid:])
		var rec Record
		if len(tail) > 0 && json.Unmarshal(tail, &rec) == nil {
			if rec.ID > maxID {
				maxID = rec.ID
			}
			if _, err := file.WriteAt([]byte{'\n'}, int64(len(data))); err != nil {
				return 0, fmt.Errorf("terminate audit file: %w", err)
			}
		} else if err := file.Truncate(int64(valid)); err != nil {
			return 0, fmt.Errorf("truncate torn audit record: %w", err)
		}
	}
	return maxID, nil
}
