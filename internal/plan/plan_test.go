package plan

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/schedule"
)

func collect(t *testing.T, p *Plan) []time.Duration {
	t.Helper()
	var out []time.Duration
	for {
		task, err := p.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, task.ScheduledAt)
	}
}

func TestPlanEndsWithShorterInput(t *testing.T) {
	s, err := schedule.Parse([]string{"const(10, 1s)"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	src := ammo.NewSlice(ammo.Missile{Marker: "a"}, ammo.Missile{Marker: "b"})
	p := New("main", s, src)
	if got := collect(t, p); len(got) != 2 {
		t.Fatalf("expected ammo to bound the plan at 2, got %d", len(got))
	}

	s, _ = schedule.Parse([]string{"const(2, 1s)"}, 0)
	src = ammo.NewSlice(make([]ammo.Missile, 10)...)
	p = New("main", s, src)
	got := collect(t, p)
	if len(got) != 2 || got[1] != 500*time.Millisecond {
		t.Fatalf("expected schedule to bound the plan, got %v", got)
	}
	if _, err := p.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("exhausted plan must keep returning io.EOF, got %v", err)
	}
}

func TestPlanCarriesMissile(t *testing.T) {
	s, _ := schedule.Parse([]string{"const(1, 1s)"}, 0)
	p := New("grp", s, ammo.NewSlice(ammo.Missile{Marker: "m", Payload: "/x"}))
	task, err := p.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if task.Group != "grp" || task.Marker != "m" || task.Payload != "/x" || task.ScheduledAt != 0 {
		t.Fatalf("unexpected task %+v", task)
	}
	if !task.PlannedAt.IsZero() {
		t.Fatal("PlannedAt must be left for the executor")
	}
}

func TestPlanLimit(t *testing.T) {
	s, _ := schedule.Parse([]string{"const(100, inf)"}, 0)
	src := ammo.NewSlice(make([]ammo.Missile, 50)...)
	p := New("main", s, src, WithLimit(7))
	if got := collect(t, p); len(got) != 7 || p.Issued() != 7 {
		t.Fatalf("expected 7 tasks, got %d", len(got))
	}
}
