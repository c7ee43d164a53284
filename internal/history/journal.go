// Package history appends redacted harvest results to date-organized JSONL
// files.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/types"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrClosed     = errors.New("journal is closed")
	ErrBufferFull = errors.New("journal buffer full")
)

const fileName = "harvests.jsonl"

// Entry is one journal line. It never carries the full token.
type Entry struct {
	HarvestID   string    `json:"harvest_id"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	IsLogged    bool      `json:"is_logged"`
	MaskedToken string    `json:"masked_token,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// EntryFor converts a result into a journal entry.
func EntryFor(res types.TokenReadResult) Entry {
	e := Entry{
		HarvestID:  res.HarvestID,
		StartedAt:  res.StartedAt.UTC(),
		DurationMS: res.Duration.Milliseconds(),
		Success:    res.Success,
		IsLogged:   res.IsLogged,
		ErrorCode:  res.ErrorCode,
		Error:      res.Error,
	}
	if res.Token != "" {
		e.MaskedToken = types.MaskToken(res.Token)
	}
	return e
}

// Journal writes entries asynchronously; Append never blocks a harvest.
type Journal struct {
	baseDir string
	now     func() time.Time

	writeCh chan Entry
	done    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	currentDate string
	// logger is reused across days. Every lumberjack.Logger owns a mill
	// goroutine that Close does not stop.
	logger *lumberjack.Logger
}

// NewJournal starts a journal under baseDir.
func NewJournal(baseDir string, bufferSize, maxSizeMB int) *Journal {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	j := &Journal{
		baseDir: baseDir,
		now:     time.Now,
		writeCh: make(chan Entry, bufferSize),
		done:    make(chan struct{}),
		logger:  &lumberjack.Logger{MaxSize: maxSizeMB},
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Append queues the result for writing.
func (j *Journal) Append(res types.TokenReadResult) error {
	select {
	case <-j.done:
		return ErrClosed
	default:
	}
	select {
	case j.writeCh <- EntryFor(res):
		return nil
	case <-j.done:
		return ErrClosed
	default:
		slog.Warn("harvest journal buffer full, dropping entry", "harvest_id", res.HarvestID)
		return ErrBufferFull
	}
}

// Close flushes queued entries and closes the current file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.done)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logger.Close()
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case e := <-j.writeCh:
			j.write(e)
		case <-j.done:
			for {
				select {
				case e := <-j.writeCh:
					j.write(e)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("harvest journal marshal failed", "harvest_id", e.HarvestID, "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	date := j.now().UTC().Format("2006-01-02")
	if date != j.currentDate {
		if err := j.rotateForDate(date); err != nil {
			slog.Error("harvest journal rotate failed", "date", date, "error", err)
			return
		}
	}
	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		slog.Error("harvest journal write failed", "harvest_id", e.HarvestID, "error", err)
	}
}

// rotateForDate points the logger at the file of date. Backups stay in the
// date directory, so no MaxBackups or MaxAge pruning is configured.
func (j *Journal) rotateForDate(date string) error {
	if err := j.logger.Close(); err != nil {
		slog.Debug("harvest journal close failed", "error", err)
	}

	dir := filepath.Join(j.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	j.logger.Filename = filepath.Join(dir, fileName)
	j.currentDate = date
	slog.Debug("harvest journal file opened", "file", j.logger.Filename)
	return nil
}

// Path returns the journal file for the given day.
func (j *Journal) Path(day time.Time) string {
	return filepath.Join(j.baseDir, day.UTC().Format("2006-01-02"), fileName)
}
