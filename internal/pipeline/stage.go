package pipeline

import (
	"context"
	"errors"
	"fmt"

	"citydata/internal/dataset"
	"citydata/internal/validate"
)

// TransformFunc is one stage body. It receives the sole live dataset and
// returns the dataset the next stage sees; it may mutate and return its
// argument.
type TransformFunc func(ctx context.Context, ds *dataset.Dataset) (*dataset.Dataset, error)

// Stage is one named step of the pipeline.
type Stage struct {
	Name      string
	Transform TransformFunc

	// Validator checks the stage output. Nil means the stage is unvalidated.
	Validator *validate.Validator

	// DependsOn names stages whose columns this stage reads. Dependencies
	// must be registered before the stage.
	DependsOn []string

	// Checkpoint saves a fractional snapshot of the output when caching is on.
	Checkpoint bool
}

// Loader supplies the base dataset and any auxiliary tables stages join in.
type Loader interface {
	Load(ctx context.Context, table string) (*dataset.Dataset, error)
}

// ErrUnknownStage is returned for a stage name the registry does not hold.
var ErrUnknownStage = errors.New("unknown stage")

// Registry is the ordered list of stages built at startup.
type Registry struct {
	stages []Stage
	index  map[string]int
}

// NewRegistry checks names and dependencies and keeps the declared order.
func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(stages))}
	for _, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("stage at position %d has no name", len(r.stages))
		}
		if st.Transform == nil {
			return nil, fmt.Errorf("stage %s has no transform", st.Name)
		}
		if _, dup := r.index[st.Name]; dup {
			return nil, fmt.Errorf("stage %s registered twice", st.Name)
		}
		for _, dep := range st.DependsOn {
			if _, ok := r.index[dep]; !ok {
				return nil, fmt.Errorf("stage %s depends on %s, which is not registered before it", st.Name, dep)
			}
		}
		r.index[st.Name] = len(r.stages)
		r.stages = append(r.stages, st)
	}
	return r, nil
}

// Stages returns the stages in run order.
func (r *Registry) Stages() []Stage {
	return append([]Stage(nil), r.stages...)
}

// Names returns the stage names in run order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.stages))
	for i, st := range r.stages {
		names[i] = st.Name
	}
	return names
}

// Get looks a stage up by name.
func (r *Registry) Get(name string) (Stage, bool) {
	i, ok := r.index[name]
	if !ok {
		return Stage{}, false
	}
	return r.stages[i], true
}

// Resolve returns target and its transitive dependencies in run order.
func (r *Registry) Resolve(target string) ([]Stage, error) {
	if _, ok := r.index[target]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, target)
	}
	need := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		if need[name] {
			return
		}
		need[name] = true
		for _, dep := range r.stages[r.index[name]].DependsOn {
			visit(dep)
		}
	}
	visit(target)

	var out []Stage
	for _, st := range r.stages {
		if need[st.Name] {
			out = append(out, st)
		}
	}
	return out, nil
}
