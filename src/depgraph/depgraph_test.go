package depgraph

import (
	"errors"
	"testing"
	"time"

	"github.com/apimgr/assistant/src/task"
)

func TestAddDependencyValidation(t *testing.T) {
	s := NewScheduler(0)

	tests := []struct {
		name string
		dep  *Dependency
		want error
	}{
		{"no targets", &Dependency{TaskID: 1, DependencyType: Requires}, task.ErrInvalidSpec},
		{"bad type", &Dependency{TaskID: 1, DependsOn: []int64{2}, DependencyType: "sometimes"}, task.ErrInvalidSpec},
		{"self edge", &Dependency{TaskID: 1, DependsOn: []int64{1}, DependencyType: Requires}, task.ErrCycleDetected},
		{"ok", &Dependency{TaskID: 1, DependsOn: []int64{2}, DependencyType: Requires}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddDependency(tt.dep)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCycleRejectedWithoutMutation(t *testing.T) {
	s := NewScheduler(0)

	// 2 -> 1, 3 -> 2 (task 2 waits on 1, task 3 waits on 2).
	mustAdd(t, s, &Dependency{TaskID: 2, DependsOn: []int64{1}, DependencyType: Requires})
	mustAdd(t, s, &Dependency{TaskID: 3, DependsOn: []int64{2}, DependencyType: Requires})

	// 1 waiting on 3 closes the loop.
	err := s.AddDependency(&Dependency{TaskID: 1, DependsOn: []int64{3}, DependencyType: Requires})
	if !errors.Is(err, task.ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}

	// The rejected insert must not have touched the graph.
	if _, ok := s.Dependencies(1); ok {
		t.Error("rejected dependency was stored")
	}
	order := s.ExecutionOrder()
	want := []int64{1, 2, 3}
	if len(order) != 3 {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCanExecuteRequires(t *testing.T) {
	s := NewScheduler(0)
	mustAdd(t, s, &Dependency{TaskID: 3, DependsOn: []int64{1, 2}, DependencyType: Requires})

	if s.CanExecute(3) {
		t.Error("no dependency ran yet, should not execute")
	}
	s.RecordResult(1, true, "")
	if s.CanExecute(3) {
		t.Error("only one of two requires satisfied")
	}
	s.RecordResult(2, true, "")
	if !s.CanExecute(3) {
		t.Error("all requires completed, should execute")
	}

	// A failed requires blocks forever.
	s.RecordResult(2, false, "boom")
	if s.CanExecute(3) {
		t.Error("failed requires must block")
	}
}

func TestCanExecuteRequiresAny(t *testing.T) {
	s := NewScheduler(0)
	mustAdd(t, s, &Dependency{TaskID: 3, DependsOn: []int64{1, 2}, DependencyType: RequiresAny})

	s.RecordResult(1, false, "")
	if s.CanExecute(3) {
		t.Error("no successful dependency yet")
	}
	s.RecordResult(2, true, "")
	if !s.CanExecute(3) {
		t.Error("one success satisfies requires_any")
	}
}

func TestCanExecuteOptional(t *testing.T) {
	s := NewScheduler(0)
	mustAdd(t, s, &Dependency{TaskID: 2, DependsOn: []int64{1}, DependencyType: Optional})

	if s.CanExecute(2) {
		t.Error("dependency still pending")
	}
	s.RecordResult(1, false, "")
	if !s.CanExecute(2) {
		t.Error("failed optional dependency should not block")
	}

	s2 := NewScheduler(0)
	mustAdd(t, s2, &Dependency{TaskID: 2, DependsOn: []int64{1}, DependencyType: Optional})
	s2.RecordSkipped(1)
	if !s2.CanExecute(2) {
		t.Error("skipped optional dependency should not block")
	}
}

func TestCanExecuteConditional(t *testing.T) {
	s := NewScheduler(0)
	mustAdd(t, s, &Dependency{
		TaskID: 2, DependsOn: []int64{1},
		DependencyType: Conditional,
		Condition:      "output_contains:events=3",
	})

	s.RecordResult(1, true, "sync ok events=0")
	if s.CanExecute(2) {
		t.Error("condition not met")
	}
	s.RecordResult(1, true, "sync ok events=3")
	if !s.CanExecute(2) {
		t.Error("condition met, should execute")
	}
}

func TestCanExecuteUndeclared(t *testing.T) {
	s := NewScheduler(0)
	if !s.CanExecute(42) {
		t.Error("undeclared task must always be executable")
	}
}

func TestReadyTasks(t *testing.T) {
	s := NewScheduler(0)
	mustAdd(t, s, &Dependency{TaskID: 2, DependsOn: []int64{1}, DependencyType: Requires})
	mustAdd(t, s, &Dependency{TaskID: 3, DependsOn: []int64{1}, DependencyType: Requires})
	mustAdd(t, s, &Dependency{TaskID: 4, DependsOn: []int64{2}, DependencyType: Requires})

	if ready := s.ReadyTasks(); len(ready) != 0 {
		t.Errorf("ready = %v, want none before root completes", ready)
	}

	s.RecordResult(1, true, "")
	ready := s.ReadyTasks()
	if len(ready) != 2 || ready[0] != 2 || ready[1] != 3 {
		t.Errorf("ready = %v, want [2 3]", ready)
	}

	// Once a task ran it leaves the ready set.
	s.RecordResult(2, true, "")
	ready = s.ReadyTasks()
	if len(ready) != 2 || ready[0] != 3 || ready[1] != 4 {
		t.Errorf("ready = %v, want [3 4]", ready)
	}
}

func TestExecutionOrderDeterministic(t *testing.T) {
	build := func() *Scheduler {
		s := NewScheduler(0)
		mustAdd(t, s, &Dependency{TaskID: 5, DependsOn: []int64{3, 4}, DependencyType: Requires})
		mustAdd(t, s, &Dependency{TaskID: 3, DependsOn: []int64{1}, DependencyType: Requires})
		mustAdd(t, s, &Dependency{TaskID: 4, DependsOn: []int64{1, 2}, DependencyType: Requires})
		return s
	}

	first := build().ExecutionOrder()
	for i := 0; i < 5; i++ {
		if got := build().ExecutionOrder(); len(got) != len(first) {
			t.Fatalf("order length changed: %v vs %v", got, first)
		} else {
			for j := range first {
				if got[j] != first[j] {
					t.Fatalf("order not deterministic: %v vs %v", got, first)
				}
			}
		}
	}

	want := []int64{1, 2, 3, 4, 5}
	for i := range want {
		if first[i] != want[i] {
			t.Fatalf("order = %v, want %v", first, want)
		}
	}
}

func TestRemoveDependency(t *testing.T) {
	s := NewScheduler(0)
	mustAdd(t, s, &Dependency{TaskID: 2, DependsOn: []int64{1}, DependencyType: Requires})

	s.RemoveDependency(2)
	if !s.CanExecute(2) {
		t.Error("task should be unblocked after removal")
	}
	// Removing again is a no-op.
	s.RemoveDependency(2)
}

func TestHistoryPruning(t *testing.T) {
	s := NewScheduler(time.Hour)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	mustAdd(t, s, &Dependency{TaskID: 2, DependsOn: []int64{1}, DependencyType: Requires})
	s.RecordResult(1, true, "")
	if !s.CanExecute(2) {
		t.Fatal("dependency satisfied")
	}

	// Two hours later the record has aged out.
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	s.RecordStart(99)
	if s.CanExecute(2) {
		t.Error("pruned history should block requires again")
	}
}

func mustAdd(t *testing.T, s *Scheduler, d *Dependency) {
	t.Helper()
	if err := s.AddDependency(d); err != nil {
		t.Fatalf("add dependency %d: %v", d.TaskID, err)
	}
}
