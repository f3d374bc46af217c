package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Task is one step of a pipeline. A task starts only after every task it
// Needs has finished successfully.
type Task struct {
	Name  string
	Needs []string
	Run   func(ctx context.Context) error
}

// Graph is the ordered set of tasks of a pipeline run.
type Graph struct {
	tasks []Task
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Add appends a task and returns the graph for chaining.
func (g *Graph) Add(name string, run func(ctx context.Context) error, needs ...string) *Graph {
	g.tasks = append(g.tasks, Task{Name: name, Needs: needs, Run: run})
	return g
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Order returns the tasks in an order where every task follows the tasks it
// needs. Among ready tasks, insertion order is kept.
func (g *Graph) Order() ([]Task, error) {
	index := make(map[string]int, len(g.tasks))
	for i, t := range g.tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task %d has no name", i)
		}

		if _, dup := index[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task %q", t.Name)
		}

		index[t.Name] = i
	}

	pending := make([]int, len(g.tasks))
	dependents := make([][]int, len(g.tasks))

	for i, t := range g.tasks {
		for _, need := range t.Needs {
			j, ok := index[need]
			if !ok {
				return nil, fmt.Errorf("task %q needs unknown task %q", t.Name, need)
			}

			pending[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(g.tasks))
	order := make([]Task, 0, len(g.tasks))

	for len(order) < len(g.tasks) {
		next := -1
		for i := range g.tasks {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}

		if next < 0 {
			return nil, fmt.Errorf("tasks have a dependency cycle")
		}

		done[next] = true
		order = append(order, g.tasks[next])

		for _, d := range dependents[next] {
			pending[d]--
		}
	}

	return order, nil
}

// Run executes the tasks one at a time. The first failing task stops the run.
func (g *Graph) Run(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	order, err := g.Order()
	if err != nil {
		return err
	}

	for _, t := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		logger.Info("Starting task", zap.String("task", t.Name))
		start := time.Now()

		if err := t.Run(ctx); err != nil {
			logger.Error("Task failed", zap.String("task", t.Name), zap.Error(err))
			return fmt.Errorf("task %s: %w", t.Name, err)
		}

		logger.Info("Task finished", zap.String("task", t.Name), zap.Duration("duration", time.Since(start)))
	}

	return nil
}
