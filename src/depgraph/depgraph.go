// Package depgraph tracks execution-order dependencies between tasks.
// The graph is in-memory only; tasks are referenced by id and the graph
// records run outcomes long enough to answer readiness questions.
package depgraph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apimgr/assistant/src/task"
)

// DependencyType determines when a dependent task becomes runnable.
type DependencyType string

const (
	// Requires blocks until the dependency completed successfully.
	Requires DependencyType = "requires"
	// RequiresAny blocks until at least one dependency completed.
	RequiresAny DependencyType = "requires_any"
	// Optional is satisfied once the dependency finished either way.
	Optional DependencyType = "optional"
	// Conditional requires completion plus a condition over the result.
	Conditional DependencyType = "conditional"
)

// RunState is the recorded outcome of a dependency's execution.
type RunState string

const (
	StatePending   RunState = "pending"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateSkipped   RunState = "skipped"
)

// Dependency declares that a task waits on one or more others.
type Dependency struct {
	TaskID         int64          `json:"task_id"`
	DependsOn      []int64        `json:"depends_on"`
	DependencyType DependencyType `json:"dependency_type"`
	// Condition is evaluated against the dependency's recorded result
	// for Conditional dependencies. See evalCondition.
	Condition      string        `json:"condition,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	RetryOnFailure bool          `json:"retry_on_failure,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty"`
}

type record struct {
	state      RunState
	output     string
	success    bool
	finishedAt time.Time
}

// Scheduler maintains the dependency graph and run history.
type Scheduler struct {
	mu sync.Mutex
	// deps maps a task to its declared dependency.
	deps map[int64]*Dependency
	// dependents maps a task to the tasks that wait on it.
	dependents map[int64][]int64
	history    map[int64]*record
	maxAge     time.Duration
	now        func() time.Time
}

// NewScheduler creates an empty graph. History entries older than
// maxAge are pruned; zero means the 24h default.
func NewScheduler(maxAge time.Duration) *Scheduler {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Scheduler{
		deps:       make(map[int64]*Dependency),
		dependents: make(map[int64][]int64),
		history:    make(map[int64]*record),
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// AddDependency inserts a dependency declaration. The graph is checked
// for cycles including the new edges before anything is mutated; a
// rejected insert leaves the graph unchanged.
func (s *Scheduler) AddDependency(d *Dependency) error {
	if d == nil || d.TaskID == 0 || len(d.DependsOn) == 0 {
		return fmt.Errorf("dependency needs a task and at least one target: %w", task.ErrInvalidSpec)
	}
	switch d.DependencyType {
	case Requires, RequiresAny, Optional, Conditional:
	default:
		return fmt.Errorf("dependency type %q: %w", d.DependencyType, task.ErrInvalidSpec)
	}
	for _, dep := range d.DependsOn {
		if dep == d.TaskID {
			return fmt.Errorf("task %d depends on itself: %w", d.TaskID, task.ErrCycleDetected)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wouldCycle(d) {
		return fmt.Errorf("task %d: %w", d.TaskID, task.ErrCycleDetected)
	}

	if old, ok := s.deps[d.TaskID]; ok {
		s.removeDependentsLocked(old)
	}
	s.deps[d.TaskID] = d
	for _, dep := range d.DependsOn {
		s.dependents[dep] = append(s.dependents[dep], d.TaskID)
	}
	return nil
}

// wouldCycle runs a DFS from the new task over the hypothetical graph
// that includes the candidate edges.
func (s *Scheduler) wouldCycle(cand *Dependency) bool {
	edges := func(id int64) []int64 {
		if id == cand.TaskID {
			return cand.DependsOn
		}
		if d, ok := s.deps[id]; ok {
			return d.DependsOn
		}
		return nil
	}

	visited := make(map[int64]bool)
	var stack []int64
	stack = append(stack, cand.DependsOn...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == cand.TaskID {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, edges(id)...)
	}
	return false
}

// RemoveDependency drops a task's declaration and its edges.
func (s *Scheduler) RemoveDependency(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deps[taskID]
	if !ok {
		return
	}
	s.removeDependentsLocked(d)
	delete(s.deps, taskID)
}

func (s *Scheduler) removeDependentsLocked(d *Dependency) {
	for _, dep := range d.DependsOn {
		list := s.dependents[dep]
		for i, id := range list {
			if id == d.TaskID {
				s.dependents[dep] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.dependents[dep]) == 0 {
			delete(s.dependents, dep)
		}
	}
}

// RecordStart marks a task as running.
func (s *Scheduler) RecordStart(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.history[taskID] = &record{state: StateRunning}
}

// RecordResult marks a task finished with its outcome.
func (s *Scheduler) RecordResult(taskID int64, success bool, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	state := StateCompleted
	if !success {
		state = StateFailed
	}
	s.history[taskID] = &record{
		state:      state,
		output:     output,
		success:    success,
		finishedAt: s.now(),
	}
}

// RecordSkipped marks a task as intentionally not run.
func (s *Scheduler) RecordSkipped(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[taskID] = &record{state: StateSkipped, finishedAt: s.now()}
}

func (s *Scheduler) pruneLocked() {
	cutoff := s.now().Add(-s.maxAge)
	for id, rec := range s.history {
		if !rec.finishedAt.IsZero() && rec.finishedAt.Before(cutoff) {
			delete(s.history, id)
		}
	}
}

func (s *Scheduler) stateOf(id int64) RunState {
	if rec, ok := s.history[id]; ok {
		return rec.state
	}
	return StatePending
}

// CanExecute reports whether every declared dependency of the task is
// satisfied. Tasks with no declaration are always executable.
func (s *Scheduler) CanExecute(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canExecuteLocked(taskID)
}

func (s *Scheduler) canExecuteLocked(taskID int64) bool {
	d, ok := s.deps[taskID]
	if !ok {
		return true
	}
	switch d.DependencyType {
	case Requires:
		for _, dep := range d.DependsOn {
			if s.stateOf(dep) != StateCompleted {
				return false
			}
		}
		return true
	case RequiresAny:
		for _, dep := range d.DependsOn {
			if s.stateOf(dep) == StateCompleted {
				return true
			}
		}
		return false
	case Optional:
		for _, dep := range d.DependsOn {
			switch s.stateOf(dep) {
			case StateCompleted, StateFailed, StateSkipped:
			default:
				return false
			}
		}
		return true
	case Conditional:
		for _, dep := range d.DependsOn {
			rec, ok := s.history[dep]
			if !ok || rec.state != StateCompleted {
				return false
			}
			if !evalCondition(d.Condition, rec) {
				return false
			}
		}
		return true
	}
	return false
}

// evalCondition evaluates a small condition language over a recorded
// result: "success", "output_contains:<substr>", "output_equals:<text>".
// An empty condition is satisfied by completion alone.
func evalCondition(cond string, rec *record) bool {
	cond = strings.TrimSpace(cond)
	switch {
	case cond == "" || cond == "success":
		return rec.success
	case strings.HasPrefix(cond, "output_contains:"):
		return strings.Contains(rec.output, strings.TrimPrefix(cond, "output_contains:"))
	case strings.HasPrefix(cond, "output_equals:"):
		return rec.output == strings.TrimPrefix(cond, "output_equals:")
	default:
		return false
	}
}

// ReadyTasks lists declared tasks whose dependencies are satisfied and
// which have not already run, in ascending id order.
func (s *Scheduler) ReadyTasks() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []int64
	for id := range s.deps {
		if s.stateOf(id) != StatePending {
			continue
		}
		if s.canExecuteLocked(id) {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready
}

// ExecutionOrder returns a deterministic topological order over every
// task the graph knows about. An empty result with a non-empty graph
// means a cycle exists.
func (s *Scheduler) ExecutionOrder() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	indegree := make(map[int64]int)
	nodes := make(map[int64]bool)
	for id, d := range s.deps {
		nodes[id] = true
		indegree[id] += len(d.DependsOn)
		for _, dep := range d.DependsOn {
			nodes[dep] = true
		}
	}

	// Kahn with a sorted frontier for stable output.
	var frontier []int64
	for id := range nodes {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })

	order := make([]int64, 0, len(nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		released := s.dependents[id]
		var next []int64
		for _, dep := range released {
			indegree[dep]--
			if indegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		if len(next) > 0 {
			frontier = append(frontier, next...)
			sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
		}
	}

	if len(order) != len(nodes) {
		return nil
	}
	return order
}

// Dependencies returns the declaration for a task, if any.
func (s *Scheduler) Dependencies(taskID int64) (*Dependency, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deps[taskID]
	return d, ok
}
