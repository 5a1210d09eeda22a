package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lyzr/workflowcore/internal/taskctx"
)

// EventEnvelope is the minimal shape RunFromEvent needs from the event
// store's wire envelope to seed a run's identity and payload.
type EventEnvelope struct {
	EventID   string
	EventData interface{}
}

// Run executes the workflow against eventData to completion, returning
// the final merged TaskContext.
func (w *Workflow) Run(ctx context.Context, eventData interface{}) (*taskctx.TaskContext, error) {
	tc := taskctx.New(w.workflowType, eventData)
	return w.execute(ctx, tc)
}

// RunFromEvent executes the workflow seeding the run's event_id from an
// already-persisted envelope, so the resulting TaskContext correlates 1:1
// with the triggering EventEnvelope.
func (w *Workflow) RunFromEvent(ctx context.Context, envelope EventEnvelope) (*taskctx.TaskContext, error) {
	tc := taskctx.New(w.workflowType, envelope.EventData)
	if id, err := uuid.Parse(envelope.EventID); err == nil {
		tc.EventID = id
	}
	return w.execute(ctx, tc)
}

// pendingHandoff carries one node's output toward a chosen successor,
// tagged with the producing node's name so converging branches can be
// ordered deterministically.
type pendingHandoff struct {
	from string
	tc   *taskctx.TaskContext
}

// execute runs the compiled graph level by level, per the level
// assignment computed at build time. A node dispatches exactly once, at
// its own level; since every predecessor sits at a strictly lower level,
// all the handoffs a node will ever receive have accumulated by then, and
// they are merged into a single input before dispatch. Nodes within a
// level run concurrently via an errgroup; any single node error aborts
// the whole run (no partial retries at this layer).
func (w *Workflow) execute(ctx context.Context, initial *taskctx.TaskContext) (*taskctx.TaskContext, error) {
	pending := map[string][]pendingHandoff{w.start: {{from: "", tc: initial}}}
	var final *taskctx.TaskContext

	for _, level := range w.levels {
		// A level member with no handoffs sits on a path a router pruned;
		// it does not run.
		names := make([]string, 0, len(level))
		for _, name := range level {
			if len(pending[name]) > 0 {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)

		inputs := make(map[string]*taskctx.TaskContext, len(names))
		for _, name := range names {
			incoming := pending[name]
			delete(pending, name)
			sortHandoffs(incoming)
			if len(incoming) == 1 {
				inputs[name] = incoming[0].tc
				continue
			}
			base := incoming[0].tc
			branches := make(map[string]*taskctx.TaskContext, len(incoming)-1)
			for _, p := range incoming[1:] {
				branches[p.from] = p.tc
			}
			merged, warnings, patch, err := taskctx.Merge(base, branches)
			if err != nil {
				return nil, &RunError{Kind: "ProcessingError", Node: name, Err: err}
			}
			recordMerge(merged, warnings, patch)
			inputs[name] = merged
		}

		type result struct {
			name    string
			out     *taskctx.TaskContext
			nextSel []string
		}
		results := make([]result, len(names))

		g, gctx := errgroup.WithContext(ctx)
		for i, name := range names {
			i, name := i, name
			cn, ok := w.nodes[name]
			if !ok {
				return nil, &RunError{Kind: "NodeNotFound", Node: name}
			}
			input := inputs[name]
			g.Go(func() error {
				out, err := cn.instance.Process(gctx, input.Clone())
				if err != nil {
					return &RunError{Kind: "ProcessingError", Node: name, Err: err}
				}
				if out == nil {
					out = input
				}

				var nextSel []string
				if cn.IsRouter {
					router, ok := cn.instance.(Router)
					if !ok {
						return &RunError{Kind: "ProcessingError", Node: name, Err: fmt.Errorf("node marked is_router does not implement Router")}
					}
					selected, err := router.SelectSuccessors(gctx, out, cn.Successors)
					if err != nil {
						return &RunError{Kind: "ProcessingError", Node: name, Err: err}
					}
					nextSel = selected
				} else {
					nextSel = cn.Successors
				}

				results[i] = result{name: name, out: out, nextSel: nextSel}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var terminals []pendingHandoff
		for _, r := range results {
			if len(r.nextSel) == 0 {
				terminals = append(terminals, pendingHandoff{from: r.name, tc: r.out})
				continue
			}
			for _, succ := range r.nextSel {
				pending[succ] = append(pending[succ], pendingHandoff{from: r.name, tc: r.out})
			}
		}

		sortHandoffs(terminals)
		for _, t := range terminals {
			if final == nil {
				final = t.tc
				continue
			}
			merged, warnings, patch, err := taskctx.Merge(final, map[string]*taskctx.TaskContext{t.from: t.tc})
			if err != nil {
				return nil, &RunError{Kind: "ProcessingError", Node: t.from, Err: err}
			}
			recordMerge(merged, warnings, patch)
			final = merged
		}
	}

	if final == nil {
		final = initial
	}
	return final, nil
}

func sortHandoffs(items []pendingHandoff) {
	sort.Slice(items, func(i, j int) bool { return items[i].from < items[j].from })
}

// recordMerge attaches collision warnings and the audit patch of a
// branch join to the merged context's metadata.
func recordMerge(tc *taskctx.TaskContext, warnings []taskctx.MergeWarning, patch []byte) {
	if len(warnings) > 0 {
		existing, _ := tc.Metadata["merge_warnings"].([]taskctx.MergeWarning)
		tc.Metadata["merge_warnings"] = append(existing, warnings...)
	}
	if len(patch) > 0 {
		tc.Metadata["last_merge_patch"] = json.RawMessage(patch)
	}
}
