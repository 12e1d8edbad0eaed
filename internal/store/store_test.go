package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/barrage/internal/aggregator"
	"github.com/torosent/barrage/internal/sample"
)

func summary(rts ...int64) aggregator.Summary {
	samples := make([]sample.Sample, len(rts))
	for i, rt := range rts {
		samples[i] = sample.Sample{ResponseTime: rt, ScheduleDelay: 10, Error: rt > 5000}
	}
	return aggregator.Aggregate(samples)
}

func TestStorePublishAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	run := ulid.Make()
	s, err := Open(path, run, "smoke")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.Publish(101, summary(1000, 2000, 9000)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := s.Publish(100, summary(500)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	windows, err := s.Windows(run)
	if err != nil {
		t.Fatalf("Windows() error = %v", err)
	}
	if len(windows) != 2 || windows[0].TS != 100 || windows[1].TS != 101 {
		t.Fatalf("unexpected windows %+v", windows)
	}
	w := windows[1]
	if w.RPS != 3 || w.Errors != 1 || w.RTAvg != 4000 || w.RTQ50 != 2000 || w.RTMax != 9000 || w.DelayAvg != 10 {
		t.Fatalf("unexpected window %+v", w)
	}
}

func TestStoreRepublishReplacesWindow(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "r.db"), ulid.Make(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.Publish(7, summary(1000))
	s.Publish(7, summary(1000, 3000))
	windows, err := s.Windows(s.RunID())
	if err != nil || len(windows) != 1 || windows[0].RPS != 2 {
		t.Fatalf("unexpected windows %+v err=%v", windows, err)
	}
}

func TestStoreKeepsRunsApart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	first := ulid.MustNew(ulid.Timestamp(time.Unix(1000, 0)), ulid.DefaultEntropy())
	second := ulid.MustNew(ulid.Timestamp(time.Unix(2000, 0)), ulid.DefaultEntropy())

	a, err := Open(path, first, "baseline")
	if err != nil {
		t.Fatal(err)
	}
	a.Publish(1, summary(100))
	a.Publish(2, summary(100))
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	b, err := Open(path, second, "candidate")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	b.Publish(1, summary(200))

	runs, err := b.Runs()
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %+v", runs)
	}
	if runs[0].ID != second || runs[0].Label != "candidate" || runs[0].Windows != 1 {
		t.Fatalf("unexpected newest run %+v", runs[0])
	}
	if runs[1].ID != first || runs[1].Windows != 2 || !runs[1].StartedAt.Equal(time.Unix(1000, 0)) {
		t.Fatalf("unexpected oldest run %+v", runs[1])
	}
	if windows, _ := b.Windows(first); len(windows) != 2 {
		t.Fatalf("first run windows not readable from the second store: %+v", windows)
	}
}
