// Package workflows runs the multi-step operations of the tool as
// go-taskflow graphs.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	flow "github.com/noneback/go-taskflow"
)

// TaskFlow wraps go-taskflow's TaskFlow and collects the errors of its
// steps. Once a step fails every step that starts afterwards is skipped.
type TaskFlow struct {
	*flow.TaskFlow

	name string
	ctx  context.Context

	mu      sync.Mutex
	errs    []error
	skipped []string
}

// NewTaskFlow creates a new custom TaskFlow
func NewTaskFlow(ctx context.Context, name string) *TaskFlow {
	return &TaskFlow{
		TaskFlow: flow.NewTaskFlow(name),
		name:     name,
		ctx:      ctx,
	}
}

// Context returns the context steps run with.
func (tf *TaskFlow) Context() context.Context {
	return tf.ctx
}

func (tf *TaskFlow) fail(name string, err error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	tf.errs = append(tf.errs, fmt.Errorf("%s: %w", name, err))
}

// Failed reports whether any step has failed so far.
func (tf *TaskFlow) Failed() bool {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return len(tf.errs) > 0
}

// Skipped returns the names of steps that did not run.
func (tf *TaskFlow) Skipped() []string {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return append([]string(nil), tf.skipped...)
}

func (tf *TaskFlow) step(name string, fn func(context.Context) error) func() {
	return func() {
		if tf.Failed() || tf.ctx.Err() != nil {
			tf.mu.Lock()
			tf.skipped = append(tf.skipped, name)
			tf.mu.Unlock()
			log.Debug("skipping step", "name", name)
			return
		}

		log.Debug("running step", "name", name)
		if err := fn(tf.ctx); err != nil {
			log.Error("step failed", "name", name, "error", err)
			tf.fail(name, err)
		}
	}
}

// NewStep adds a task that runs fn unless an earlier step failed.
func (tf *TaskFlow) NewStep(name string, fn func(context.Context) error) *flow.Task {
	return tf.NewTask(name, tf.step(name, fn))
}

// NewParallelSteps adds a subflow running one step per entry of steps,
// with no ordering between them.
func (tf *TaskFlow) NewParallelSteps(name string, steps map[string]func(context.Context) error) *flow.Task {
	return tf.NewSubflow(name, func(sf *flow.Subflow) {
		for stepName, fn := range steps {
			sf.NewTask(stepName, tf.step(stepName, fn))
		}
	})
}

// Run executes the flow and returns the errors of every failed step.
func (tf *TaskFlow) Run(concurrency uint) error {
	flow.NewExecutor(concurrency).Run(tf.TaskFlow).Wait()

	if err := tf.ctx.Err(); err != nil {
		tf.fail(tf.name, err)
	}

	tf.mu.Lock()
	defer tf.mu.Unlock()
	return errors.Join(tf.errs...)
}
