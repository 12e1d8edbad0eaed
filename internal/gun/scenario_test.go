package gun

import (
	"context"
	"errors"
	"testing"

	"github.com/torosent/barrage/internal/sample"
)

func recordingScenario(name string, calls *[]string) Scenario {
	return Scenario{
		Name: name,
		Run: func(ctx context.Context, task sample.Task, out sample.Sink) error {
			*calls = append(*calls, name)
			return Measure(out, task, "step", func(*sample.StopWatch) error { return nil })
		},
	}
}

func TestScenarioName(t *testing.T) {
	tests := map[string]string{
		"":        DefaultScenario,
		"login":   "login",
		"login#3": "login",
		"a#b#7":   "a#b",
		"#1":      DefaultScenario,
	}
	for marker, want := range tests {
		if got := ScenarioName(marker); got != want {
			t.Fatalf("ScenarioName(%q) = %q, want %q", marker, got, want)
		}
	}
}

func TestRegistryDispatch(t *testing.T) {
	var calls []string
	r := NewRegistry(nil)
	for _, name := range []string{"login", DefaultScenario} {
		if err := r.Register(recordingScenario(name, &calls)); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if err := r.Register(recordingScenario("login", &calls)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register(Scenario{Name: "x"}); err == nil {
		t.Fatal("expected scenario without Run to fail")
	}

	out := &collector{}
	for _, marker := range []string{"login#1", "unknown", ""} {
		if err := r.Shoot(context.Background(), sample.Task{Marker: marker}, out); err != nil {
			t.Fatalf("Shoot(%q) error = %v", marker, err)
		}
	}
	want := []string{"login", DefaultScenario, DefaultScenario}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	got := out.all()
	if got[0].Scenario != "login" || got[1].Scenario != DefaultScenario || got[0].Action != "step" {
		t.Fatalf("samples not labelled: %+v", got)
	}
	if names := r.Names(); len(names) != 2 || names[0] != DefaultScenario || names[1] != "login" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestRegistryWithoutDefault(t *testing.T) {
	var calls []string
	r := NewRegistry(nil)
	r.Register(recordingScenario("login", &calls))
	err := r.Shoot(context.Background(), sample.Task{Marker: "checkout"}, &collector{})
	if !errors.Is(err, ErrNoScenario) {
		t.Fatalf("expected ErrNoScenario, got %v", err)
	}
	if ErrorCode(err) != "NO_SCENARIO" {
		t.Fatalf("unexpected code %s", ErrorCode(err))
	}
}

type lifecycleGun struct {
	setup, teardown int
	teardownErr     error
}

func (g *lifecycleGun) Setup(context.Context) error { g.setup++; return nil }
func (g *lifecycleGun) Teardown(context.Context) error {
	g.teardown++
	return g.teardownErr
}
func (g *lifecycleGun) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	return Measure(out, task, sample.ActionOverall, func(*sample.StopWatch) error { return nil })
}

func TestRegistryLifecycle(t *testing.T) {
	a := &lifecycleGun{}
	b := &lifecycleGun{teardownErr: errors.New("close failed")}
	r := NewRegistry(nil)
	r.Register(Delegate("a", a))
	r.Register(Delegate("b", b))

	if err := r.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	out := &collector{}
	if err := r.Shoot(context.Background(), sample.Task{Marker: "b#1"}, out); err != nil {
		t.Fatalf("Shoot() error = %v", err)
	}
	if s := out.all()[0]; s.Scenario != "b" || s.Action != sample.ActionOverall {
		t.Fatalf("unexpected sample %+v", s)
	}
	if err := r.Teardown(context.Background()); err == nil {
		t.Fatal("expected teardown error to be reported")
	}
	if a.setup != 1 || b.setup != 1 || a.teardown != 1 || b.teardown != 1 {
		t.Fatalf("lifecycle not forwarded: a=%+v b=%+v", a, b)
	}
}
