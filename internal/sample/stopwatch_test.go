package sample

import (
	"testing"
	"time"
)

func TestStopWatchStopIsIdempotent(t *testing.T) {
	w := NewStopWatch(Task{Marker: "m"}, ActionOverall)
	time.Sleep(2 * time.Millisecond)
	w.Stop()
	first := w.Elapsed()
	time.Sleep(5 * time.Millisecond)
	w.Stop()
	if got := w.Elapsed(); got != first {
		t.Fatalf("second Stop changed elapsed: %v -> %v", first, got)
	}
	s := w.Sample()
	if s.ResponseTime != first.Microseconds() {
		t.Fatalf("sample rt %d, want %d", s.ResponseTime, first.Microseconds())
	}
}

func TestStopWatchSampleFields(t *testing.T) {
	planned := time.Now().Add(-3 * time.Millisecond)
	task := Task{PlannedAt: planned, Group: "main", Marker: "index"}
	w := NewStopWatch(task, ActionRequest)
	w.Scenario = "browse"
	w.Extra["length"] = 10
	w.SetCode("200")
	s := w.Sample()

	if s.Group != "main" || s.Marker != "index" || s.Scenario != "browse" || s.Action != ActionRequest {
		t.Fatalf("unexpected identity fields: %+v", s)
	}
	if s.Code != "200" || s.Error {
		t.Fatalf("unexpected status fields: %+v", s)
	}
	if s.ScheduleDelay < 3000 {
		t.Fatalf("schedule delay %dus, want >= 3000", s.ScheduleDelay)
	}
	if s.SentAt != time.Now().Unix() && s.SentAt != time.Now().Unix()-1 {
		t.Fatalf("unexpected sent_at %d", s.SentAt)
	}
	if s.Extra["length"] != 10 {
		t.Fatalf("extra not carried: %v", s.Extra)
	}
}

func TestStopWatchSetErrorKeepsCode(t *testing.T) {
	w := NewStopWatch(Task{}, ActionOverall)
	w.SetCode("503")
	w.SetError("")
	s := w.Sample()
	if !s.Error || s.Code != "503" {
		t.Fatalf("expected errored sample with code 503, got %+v", s)
	}

	w = NewStopWatch(Task{}, ActionOverall)
	w.SetError("timeout")
	if s := w.Sample(); s.Code != "timeout" {
		t.Fatalf("expected code timeout, got %q", s.Code)
	}
}

func TestStopWatchWithoutPlanHasZeroDelay(t *testing.T) {
	s := NewStopWatch(Task{}, ActionOverall).Sample()
	if s.ScheduleDelay != 0 {
		t.Fatalf("expected zero delay, got %d", s.ScheduleDelay)
	}
}

func TestChanSink(t *testing.T) {
	ch := make(Chan, 1)
	var sink Sink = ch
	sink.Put(Sample{Marker: "x"})
	if got := <-ch; got.Marker != "x" {
		t.Fatalf("unexpected sample %+v", got)
	}
}

func TestStopWatchStartRestarts(t *testing.T) {
	w := NewStopWatch(Task{}, ActionOverall)
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	if w.Elapsed() < 20*time.Millisecond {
		t.Fatalf("elapsed %v before restart, want >= 20ms", w.Elapsed())
	}

	w.Start()
	if got := w.Elapsed(); got >= 20*time.Millisecond {
		t.Fatalf("elapsed %v after restart, want the clock reset", got)
	}
	time.Sleep(time.Millisecond)
	w.Stop()
	first := w.Elapsed()
	w.Stop()
	if w.Elapsed() != first || first <= 0 {
		t.Fatalf("restarted watch did not stop once: %v then %v", first, w.Elapsed())
	}
}
