package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Compiled is a validated, executable graph. It is safe for concurrent use by
// runs on different threads.
type Compiled[S, U, C any] struct {
	name         string
	reducer      Reducer[S, U]
	nodes        map[string]NodeFunc[S, U, C]
	edges        map[string]string
	conditionals map[string]conditional[S, C]
	entry        string
	interrupts   map[string]bool
	opts         options
}

// Result is the outcome of Invoke or Resume.
type Result[S any] struct {
	State S
	// Interrupted is set when the run paused before NextNode.
	Interrupted bool
	NextNode    string
	Steps       int
}

// Snapshot is a decoded checkpoint.
type Snapshot[S any] struct {
	Checkpoint Checkpoint
	State      S
}

// Name returns the graph name.
func (c *Compiled[S, U, C]) Name() string { return c.name }

// Invoke runs the graph from its entry point.
func (c *Compiled[S, U, C]) Invoke(ctx context.Context, s S, cfg RunConfig[C]) (Result[S], error) {
	c.opts.logger.Info("starting run %s at %s", cfg.ThreadID, c.entry)
	return c.run(ctx, s, cfg, c.entry, 0, false)
}

// Resume continues a checkpointed run. When update is non-nil it is merged
// into the saved state first. The node the run was interrupted before is
// executed without interrupting again.
func (c *Compiled[S, U, C]) Resume(ctx context.Context, cfg RunConfig[C], update *U) (Result[S], error) {
	snap, ok, err := c.Snapshot(ctx, cfg.ThreadID)
	if err != nil {
		return Result[S]{}, err
	}
	if !ok {
		return Result[S]{}, fmt.Errorf("%w %s", ErrNoCheckpoint, cfg.ThreadID)
	}

	s := snap.State
	if update != nil {
		if s, err = c.reducer(s, *update); err != nil {
			return Result[S]{State: snap.State}, fmt.Errorf("apply resume update: %w", err)
		}
	}
	if snap.Checkpoint.Done() {
		return Result[S]{State: s, NextNode: END, Steps: snap.Checkpoint.Step}, nil
	}

	c.opts.logger.Info("resuming run %s at %s (step %d)", cfg.ThreadID, snap.Checkpoint.NextNode, snap.Checkpoint.Step)
	return c.run(ctx, s, cfg, snap.Checkpoint.NextNode, snap.Checkpoint.Step, true)
}

// Snapshot loads and decodes the latest checkpoint for threadID.
func (c *Compiled[S, U, C]) Snapshot(ctx context.Context, threadID string) (Snapshot[S], bool, error) {
	if c.opts.checkpointer == nil {
		return Snapshot[S]{}, false, fmt.Errorf("graph %s has no checkpointer", c.name)
	}
	cp, ok, err := c.opts.checkpointer.Load(ctx, threadID)
	if err != nil {
		return Snapshot[S]{}, false, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	if !ok {
		return Snapshot[S]{}, false, nil
	}
	var s S
	if err := json.Unmarshal(cp.State, &s); err != nil {
		return Snapshot[S]{}, false, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return Snapshot[S]{Checkpoint: cp, State: s}, true, nil
}

func (c *Compiled[S, U, C]) run(ctx context.Context, s S, cfg RunConfig[C], node string, step int, resumed bool) (Result[S], error) {
	executed := 0
	for {
		if node == END {
			c.notify(Event{Kind: Finished, Node: END, Step: step}, cfg)
			return Result[S]{State: s, NextNode: END, Steps: step}, nil
		}

		if err := ctx.Err(); err != nil {
			return Result[S]{State: s, NextNode: node, Steps: step}, fmt.Errorf("run %s cancelled before %s: %w", cfg.ThreadID, node, err)
		}

		if c.interrupts[node] && !resumed {
			if err := c.save(ctx, cfg.ThreadID, node, step, true, s); err != nil {
				return Result[S]{State: s, NextNode: node, Steps: step}, err
			}
			c.opts.logger.Info("run %s interrupted before %s", cfg.ThreadID, node)
			c.notify(Event{Kind: Interrupted, Node: node, Step: step}, cfg)
			return Result[S]{State: s, Interrupted: true, NextNode: node, Steps: step}, nil
		}
		resumed = false

		if executed >= c.opts.maxSteps {
			return Result[S]{State: s, NextNode: node, Steps: step}, fmt.Errorf("%w (%d) in %s", ErrMaxSteps, c.opts.maxSteps, c.name)
		}

		c.notify(Event{Kind: NodeStarted, Node: node, Step: step}, cfg)
		start := time.Now()
		update, err := c.nodes[node](ctx, s, cfg)
		if err == nil {
			var next S
			if next, err = c.reducer(s, update); err == nil {
				s = next
			}
		}
		elapsed := time.Since(start)
		if err != nil {
			c.opts.logger.Error("node %s failed after %s: %v", node, elapsed.Round(time.Millisecond), err)
			c.notify(Event{Kind: NodeFailed, Node: node, Step: step, Duration: elapsed, Err: err}, cfg)
			return Result[S]{State: s, NextNode: node, Steps: step}, &NodeError{Node: node, Err: err}
		}
		step++
		executed++
		c.opts.logger.Debug("node %s completed in %s", node, elapsed.Round(time.Millisecond))
		c.notify(Event{Kind: NodeCompleted, Node: node, Step: step, Duration: elapsed}, cfg)

		next, err := c.next(node, s, cfg.Config)
		if err != nil {
			return Result[S]{State: s, NextNode: node, Steps: step}, err
		}
		if err := c.save(ctx, cfg.ThreadID, next, step, false, s); err != nil {
			return Result[S]{State: s, NextNode: next, Steps: step}, err
		}
		node = next
	}
}

func (c *Compiled[S, U, C]) next(node string, s S, cfg C) (string, error) {
	if to, ok := c.edges[node]; ok {
		return to, nil
	}
	cond := c.conditionals[node]
	label := cond.router.Route(s, cfg)
	to, ok := cond.mapping[label]
	if !ok {
		return "", fmt.Errorf("%w: node %s routed to %q", ErrUnknownRoute, node, label)
	}
	c.opts.logger.Debug("route %s --%s--> %s", node, label, to)
	return to, nil
}

func (c *Compiled[S, U, C]) save(ctx context.Context, threadID, next string, step int, interrupted bool, s S) error {
	if c.opts.checkpointer == nil || threadID == "" {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	cp := Checkpoint{
		ThreadID:    threadID,
		Graph:       c.name,
		NextNode:    next,
		Step:        step,
		Interrupted: interrupted,
		State:       raw,
		UpdatedAt:   time.Now().UTC(),
	}
	// Detached from cancellation so the last good position is recorded.
	if err := c.opts.checkpointer.Save(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", threadID, err)
	}
	return nil
}

func (c *Compiled[S, U, C]) notify(e Event, cfg RunConfig[C]) {
	if c.opts.observer == nil {
		return
	}
	e.Graph = c.name
	e.ThreadID = cfg.ThreadID
	c.opts.observer(e)
}
