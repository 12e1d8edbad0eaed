package rawlog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/torosent/barrage/internal/sample"
)

// Reader parses a raw sample log.
type Reader struct {
	file *os.File
	csv  *csv.Reader
	line int
}

// Open opens path and validates its header.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raw sample log: %w", err)
	}
	r := csv.NewReader(file)
	r.Comma = '\t'
	r.FieldsPerRecord = len(Header)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read raw sample header: %w", err)
	}
	for i, name := range Header {
		if header[i] != name {
			file.Close()
			return nil, fmt.Errorf("unexpected raw sample column %d: %q, want %q", i+1, header[i], name)
		}
	}
	return &Reader{file: file, csv: r, line: 1}, nil
}

// Next returns the next sample or io.EOF.
func (r *Reader) Next() (sample.Sample, error) {
	row, err := r.csv.Read()
	if err == io.EOF {
		return sample.Sample{}, io.EOF
	}
	r.line++
	if err != nil {
		return sample.Sample{}, fmt.Errorf("raw sample line %d: %w", r.line, err)
	}
	s, err := decode(row)
	if err != nil {
		return sample.Sample{}, fmt.Errorf("raw sample line %d: %w", r.line, err)
	}
	return s, nil
}

// Close closes the file.
func (r *Reader) Close() error { return r.file.Close() }

func decode(row []string) (sample.Sample, error) {
	sentAt, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return sample.Sample{}, fmt.Errorf("sent_at: %w", err)
	}
	rt, err := strconv.ParseInt(row[3], 10, 64)
	if err != nil {
		return sample.Sample{}, fmt.Errorf("rt_us: %w", err)
	}
	failed, err := strconv.ParseBool(row[4])
	if err != nil {
		return sample.Sample{}, fmt.Errorf("error: %w", err)
	}
	delay, err := strconv.ParseInt(row[6], 10, 64)
	if err != nil {
		return sample.Sample{}, fmt.Errorf("delay_us: %w", err)
	}
	s := sample.Sample{
		SentAt:        sentAt,
		Group:         unescaper.Replace(row[1]),
		Marker:        unescaper.Replace(row[2]),
		ResponseTime:  rt,
		Error:         failed,
		Code:          unescaper.Replace(row[5]),
		ScheduleDelay: delay,
		Scenario:      unescaper.Replace(row[7]),
		Action:        unescaper.Replace(row[8]),
	}
	if row[9] != "" {
		if err := json.Unmarshal([]byte(row[9]), &s.Extra); err != nil {
			return sample.Sample{}, fmt.Errorf("extra: %w", err)
		}
	}
	return s, nil
}
