package h2mux

import (
	"errors"
	"sync"
	"testing"

	"github.com/torosent/barrage/internal/gun"
	"github.com/torosent/barrage/internal/sample"
)

type collector struct {
	mu      sync.Mutex
	samples []sample.Sample
}

func (c *collector) Put(s sample.Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *collector) all() []sample.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sample.Sample(nil), c.samples...)
}

func (c *collector) actions() []string {
	var out []string
	for _, s := range c.all() {
		out = append(out, s.Action)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStreamHappyPath(t *testing.T) {
	out := &collector{}
	st := newStream(1, sample.Task{Marker: "/a"}, "batch", out)
	if st.state != stateStarted {
		t.Fatalf("new stream in state %s", st.state)
	}

	st.onRequestSent()
	st.onRequestSent()
	st.onHeaders("200")
	st.onData(10)
	st.onData(5)
	st.onEnd()
	st.onEnd()
	st.onError(errors.New("late"))

	want := []string{sample.ActionRequest, sample.ActionResponseStart, sample.ActionResponse}
	if got := out.actions(); !equalStrings(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	if st.state != stateResponseEnd || st.failed() {
		t.Fatalf("unexpected final state %s", st.state)
	}
	samples := out.all()
	for _, s := range samples {
		if s.Error || s.Marker != "/a" || s.Scenario != "batch" {
			t.Fatalf("unexpected sample %+v", s)
		}
	}
	if samples[1].Code != "200" || samples[2].Code != "200" {
		t.Fatalf("status not recorded: %+v", samples)
	}
	if samples[2].Extra["length"] != int64(15) {
		t.Fatalf("expected length 15, got %v", samples[2].Extra["length"])
	}
}

func TestStreamErrorInEachPhase(t *testing.T) {
	reset := &gun.CodedError{Code: "REFUSED_STREAM", Err: errors.New("reset")}
	tests := []struct {
		name    string
		advance func(st *stream)
		want    []string
	}{
		{
			name:    "started",
			advance: func(*stream) {},
			want:    []string{sample.ActionRequest},
		},
		{
			name:    "request sent",
			advance: func(st *stream) { st.onRequestSent() },
			want:    []string{sample.ActionRequest, sample.ActionResponseStart},
		},
		{
			name: "header received",
			advance: func(st *stream) {
				st.onRequestSent()
				st.onHeaders("200")
				st.onData(3)
			},
			want: []string{sample.ActionRequest, sample.ActionResponseStart, sample.ActionResponse},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &collector{}
			st := newStream(3, sample.Task{}, "", out)
			tt.advance(st)
			st.onError(reset)
			st.onError(reset)
			st.onEnd()

			if got := out.actions(); !equalStrings(got, tt.want) {
				t.Fatalf("actions = %v, want %v", got, tt.want)
			}
			if !st.failed() || st.err != reset {
				t.Fatalf("stream not failed: state=%s err=%v", st.state, st.err)
			}
			samples := out.all()
			last := samples[len(samples)-1]
			if !last.Error || last.Code != "REFUSED_STREAM" {
				t.Fatalf("unexpected failed sample %+v", last)
			}
			for _, s := range samples[:len(samples)-1] {
				if s.Error {
					t.Fatalf("earlier phase marked failed: %+v", s)
				}
			}
		})
	}
}

func TestStreamEndWithoutHeaders(t *testing.T) {
	out := &collector{}
	st := newStream(5, sample.Task{}, "", out)
	st.onRequestSent()
	st.onData(4)
	st.onEnd()
	if !st.failed() {
		t.Fatal("end of stream without headers must fail the stream")
	}
	if s := out.all()[1]; s.Action != sample.ActionResponseStart || s.Code != "PROTOCOL_ERROR" {
		t.Fatalf("unexpected sample %+v", s)
	}
}

func TestHeadersBeforeRequestSent(t *testing.T) {
	out := &collector{}
	st := newStream(7, sample.Task{}, "", out)
	st.onHeaders("204")
	st.onEnd()
	want := []string{sample.ActionRequest, sample.ActionResponseStart, sample.ActionResponse}
	if got := out.actions(); !equalStrings(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
}
