// Package pipeline compiles the context an agent sees on one invocation.
//
// A Compiler runs an ordered list of processors over a CompiledContext.
// Each processor works on a private clone under a timeout; its result is
// committed only on success. Failures of optional stages are recorded and
// skipped, failures of required stages fail the compilation.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/model"
)

// Processor is one pipeline stage. Process mutates cc in place and
// reports what it changed.
type Processor interface {
	ID() string
	Process(ctx context.Context, cc *model.CompiledContext) (map[string]int, error)
}

// ProcessorFunc adapts a function into a Processor.
type ProcessorFunc struct {
	Name string
	Fn   func(ctx context.Context, cc *model.CompiledContext) (map[string]int, error)
}

func (p ProcessorFunc) ID() string { return p.Name }

func (p ProcessorFunc) Process(ctx context.Context, cc *model.CompiledContext) (map[string]int, error) {
	return p.Fn(ctx, cc)
}

// IsRequired reports whether id names a stage whose failure fails the
// compilation.
func IsRequired(id string) bool {
	for _, r := range config.RequiredProcessors {
		if r == id {
			return true
		}
	}
	return false
}

// ordered returns the enabled processor configs by ascending order.
// Configs sharing an order keep their declaration order.
func ordered(cfg *config.Config) []config.ProcessorConfig {
	var out []config.ProcessorConfig
	for _, p := range cfg.Pipeline.Processors {
		if p.Enabled || IsRequired(p.ID) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

type outcome struct {
	mods map[string]int
	err  error
}

// runWithTimeout runs p on a clone of cc. On success it returns the
// mutated clone. A stage that outlives timeout is abandoned and its
// clone discarded.
func runWithTimeout(ctx context.Context, timeout time.Duration, p Processor, cc *model.CompiledContext) (*model.CompiledContext, map[string]int, error) {
	work := cc.Clone()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		mods, err := p.Process(ctx, work)
		done <- outcome{mods: mods, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, nil, o.err
		}
		return work, o.mods, nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("abandoned after %s: %w", timeout, ctx.Err())
	}
}
