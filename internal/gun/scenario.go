package gun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/barrage/internal/sample"
)

// DefaultScenario is used for empty or unknown markers.
const DefaultScenario = "default"

// ErrNoScenario is returned when neither the marker nor the default
// scenario is registered.
var ErrNoScenario = errors.New("scenario not found")

// ScenarioFunc runs one scenario for a task. It records its own actions with
// Measure; samples it emits are labelled with the scenario name.
type ScenarioFunc func(ctx context.Context, task sample.Task, out sample.Sink) error

// Scenario is a named unit of user load logic.
type Scenario struct {
	Name     string
	Run      ScenarioFunc
	Setup    func(ctx context.Context) error
	Teardown func(ctx context.Context) error
}

// Registry dispatches tasks to scenarios by marker. The marker suffix after
// the last "#" is ignored, so "login#3" runs "login".
type Registry struct {
	scenarios map[string]Scenario
	logger    *slog.Logger
	warn      rate.Sometimes
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		scenarios: make(map[string]Scenario),
		logger:    logger,
		warn:      rate.Sometimes{Interval: time.Second},
	}
}

// Register adds s. Names must be unique.
func (r *Registry) Register(s Scenario) error {
	if s.Name == "" || s.Run == nil {
		return errors.New("scenario needs a name and a run function")
	}
	if _, dup := r.scenarios[s.Name]; dup {
		return fmt.Errorf("scenario %q registered twice", s.Name)
	}
	r.scenarios[s.Name] = s
	return nil
}

// Delegate returns a scenario that shoots the task with g.
func Delegate(name string, g Gun) Scenario {
	return Scenario{
		Name:     name,
		Run:      g.Shoot,
		Setup:    g.Setup,
		Teardown: g.Teardown,
	}
}

// Names returns the registered scenario names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.scenarios))
	for n := range r.scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Setup(ctx context.Context) error {
	for _, name := range r.Names() {
		if s := r.scenarios[name]; s.Setup != nil {
			if err := s.Setup(ctx); err != nil {
				return fmt.Errorf("scenario %s setup: %w", name, err)
			}
		}
	}
	return nil
}

func (r *Registry) Teardown(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		if s := r.scenarios[name]; s.Teardown != nil {
			if err := s.Teardown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("scenario %s teardown: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	s, err := r.lookup(task.Marker)
	if err != nil {
		return err
	}
	labelled := sample.SinkFunc(func(smp sample.Sample) {
		if smp.Scenario == "" {
			smp.Scenario = s.Name
		}
		out.Put(smp)
	})
	return s.Run(ctx, task, labelled)
}

func (r *Registry) lookup(marker string) (Scenario, error) {
	name := ScenarioName(marker)
	if s, ok := r.scenarios[name]; ok {
		return s, nil
	}
	if s, ok := r.scenarios[strings.ToLower(name)]; ok {
		return s, nil
	}
	if s, ok := r.scenarios[DefaultScenario]; ok {
		r.warn.Do(func() {
			r.logger.Warn("scenario not found, using default", "scenario", name)
		})
		return s, nil
	}
	return Scenario{}, fmt.Errorf("%w: %s", ErrNoScenario, name)
}

// ScenarioName strips the enumeration suffix from a marker.
func ScenarioName(marker string) string {
	if i := strings.LastIndex(marker, "#"); i >= 0 {
		marker = marker[:i]
	}
	if marker == "" {
		return DefaultScenario
	}
	return marker
}
