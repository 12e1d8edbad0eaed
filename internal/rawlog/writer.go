// Package rawlog persists raw samples as an append-only, tab-separated log.
package rawlog

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/torosent/barrage/internal/sample"
)

// Header lists the columns of the raw sample log.
var Header = []string{
	"sent_at", "group", "marker", "rt_us", "error", "code", "delay_us", "scenario", "action", "extra",
}

// Text columns are backslash-escaped; an escaped field holds no tab, CR or LF.
var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\t`, "\t", `\n`, "\n", `\r`, "\r")
)

// ErrLocked is returned when another process holds the log.
var ErrLocked = errors.New("raw sample log is locked by another writer")

// Writer appends samples to a log file. The header is written only when the
// file is empty, so reopening an existing log continues it. Every call to
// WriteSamples is flushed to the OS before it returns.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
	lock *flock.Flock
	rows int64
}

// Create opens path for appending and takes an exclusive lock on path+".lock".
func Create(path string) (*Writer, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock raw sample log: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open raw sample log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		lock.Unlock()
		return nil, fmt.Errorf("stat raw sample log: %w", err)
	}

	w := &Writer{file: file, csv: newCSVWriter(file), lock: lock}
	if info.Size() == 0 {
		if err := w.csv.Write(Header); err != nil {
			w.Close()
			return nil, fmt.Errorf("write raw sample header: %w", err)
		}
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			w.Close()
			return nil, fmt.Errorf("write raw sample header: %w", err)
		}
	}
	return w, nil
}

func newCSVWriter(f *os.File) *csv.Writer {
	w := csv.NewWriter(f)
	w.Comma = '\t'
	return w
}

// WriteSamples implements aggregator.SampleWriter.
func (w *Writer) WriteSamples(_ int64, samples []sample.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	for _, s := range samples {
		row, err := encode(s)
		if err != nil {
			return err
		}
		if err := w.csv.Write(row); err != nil {
			return fmt.Errorf("write raw sample: %w", err)
		}
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush raw samples: %w", err)
	}
	w.rows += int64(len(samples))
	return nil
}

// Rows returns the number of samples written by this writer.
func (w *Writer) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close syncs the file and releases the lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	w.csv.Flush()
	err := errors.Join(w.csv.Error(), w.file.Sync(), w.file.Close(), w.lock.Unlock())
	w.file = nil
	return err
}

func encode(s sample.Sample) ([]string, error) {
	extra := ""
	if len(s.Extra) > 0 {
		raw, err := json.Marshal(s.Extra)
		if err != nil {
			return nil, fmt.Errorf("encode sample extra: %w", err)
		}
		extra = string(raw)
	}
	return []string{
		strconv.FormatInt(s.SentAt, 10),
		escaper.Replace(s.Group),
		escaper.Replace(s.Marker),
		strconv.FormatInt(s.ResponseTime, 10),
		strconv.FormatBool(s.Error),
		escaper.Replace(s.Code),
		strconv.FormatInt(s.ScheduleDelay, 10),
		escaper.Replace(s.Scenario),
		escaper.Replace(s.Action),
		extra,
	}, nil
}
