package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wehubfusion/Arbor/pkg/engine/logging"
	"github.com/wehubfusion/Arbor/pkg/tree"
)

// Run aligns the named input trees, decomposes them into invocations for
// the selected topology, drives the transform over every invocation, and
// assembles the results into one output tree per result channel, sorted by
// channel name.
//
// The engine holds no state between calls; Run is safe to invoke
// concurrently from independent call sites. Cancellation is observed at
// every invocation boundary and reported as ErrRunCancelled without any
// partial output. A transform error aborts the run and surfaces as an
// *InvocationError identifying the failing invocation.
func Run[TIn, TOut any](ctx context.Context, trees []tree.Named[TIn], transform Transform[TIn, TOut], opts Options, cfg RunConfig[TIn]) ([]tree.Named[TOut], error) {
	if transform == nil {
		return nil, fmt.Errorf("%w: transform is nil", ErrInvalidConfiguration)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalize()

	plan, err := buildPlan(trees, opts, cfg.Keyer)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Debug("run planned",
		logging.String("topology", string(opts.Topology)),
		logging.Int("aligned_paths", plan.groups),
		logging.Int("invocations", len(plan.invocations)))

	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}

	var results []map[string][]TOut
	if cfg.MaxConcurrent > 1 && len(plan.invocations) > 1 {
		results, err = executeConcurrent(ctx, plan.invocations, transform, cfg)
	} else {
		results, err = executeSequential(ctx, plan.invocations, transform, cfg)
	}
	if err != nil {
		return nil, err
	}

	channels := assemble(plan, results, opts)
	replicate(channels, plan.dedup)

	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	output := make([]tree.Named[TOut], 0, len(names))
	for _, name := range names {
		output = append(output, tree.NewNamed(name, channels[name]))
	}
	cfg.Logger.Debug("run assembled",
		logging.Int("channels", len(output)),
		logging.Int("invocations", len(plan.invocations)))
	return output, nil
}

// executeSequential drives invocations one at a time in dispatch order,
// failing fast on the first transform error.
func executeSequential[TIn, TOut any](ctx context.Context, invocations []Invocation[TIn], transform Transform[TIn, TOut], cfg RunConfig[TIn]) ([]map[string][]TOut, error) {
	results := make([]map[string][]TOut, len(invocations))
	total := len(invocations)

	for i, inv := range invocations {
		if err := ctx.Err(); err != nil {
			return nil, cancelledError(err)
		}
		out, err := transform(ctx, inv)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, cancelledError(ctxErr)
			}
			return nil, newInvocationError(inv.Path, inv.ItemIndex, inv.Sequence, err)
		}
		results[i] = out
		if cfg.Progress != nil {
			cfg.Progress(i+1, total)
		}
	}
	return results, nil
}

// executeConcurrent drives invocations through a bounded set of workers.
// Results are keyed by invocation index, so assembly order matches the
// sequential case exactly; only wall-clock interleaving differs. The first
// failing invocation (lowest sequence among observed failures) aborts the
// run and cancels the remaining workers.
func executeConcurrent[TIn, TOut any](ctx context.Context, invocations []Invocation[TIn], transform Transform[TIn, TOut], cfg RunConfig[TIn]) ([]map[string][]TOut, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstErr  *InvocationError
		completed int
	)
	sem := make(chan struct{}, cfg.MaxConcurrent)
	results := make([]map[string][]TOut, len(invocations))
	total := len(invocations)

	for i, inv := range invocations {
		if runCtx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, inv Invocation[TIn]) {
			defer wg.Done()
			defer func() { <-sem }()

			if runCtx.Err() != nil {
				return
			}
			out, err := transform(runCtx, inv)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil || inv.Sequence < firstErr.Sequence {
					firstErr = newInvocationError(inv.Path, inv.ItemIndex, inv.Sequence, err)
				}
				cancel()
				return
			}
			results[i] = out
			completed++
			if cfg.Progress != nil {
				cfg.Progress(completed, total)
			}
		}(i, inv)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// assemble merges per-invocation channel outputs into one tree per channel
// at the path each topology dictates. Iterating invocations in dispatch
// order makes per-item concatenation land in item order.
func assemble[TIn, TOut any](plan runPlan[TIn], results []map[string][]TOut, opts Options) map[string]*tree.Tree[TOut] {
	channels := make(map[string]*tree.Tree[TOut])
	for i, inv := range plan.invocations {
		for name, items := range results[i] {
			ch, ok := channels[name]
			if !ok {
				ch = tree.New[TOut]()
				channels[name] = ch
			}
			switch opts.Topology {
			case ItemGraft:
				_ = ch.Set(inv.Path.Child(inv.ItemIndex), items)
			case BranchFlatten:
				_ = ch.Set(tree.NewPath(0), items)
			default:
				_ = ch.Append(inv.Path, items...)
			}
		}
	}
	return channels
}

// replicate copies each representative's assembled results onto every
// member path of its content group: the branch at the representative path
// itself plus, under grafting, the branches at its direct children.
func replicate[TOut any](channels map[string]*tree.Tree[TOut], dedup []dedupGroup) {
	type copyTarget struct {
		src, dst tree.Path
	}
	for _, ch := range channels {
		for _, grp := range dedup {
			if len(grp.members) == 0 {
				continue
			}
			var targets []copyTarget
			ch.Walk(func(p tree.Path, _ []TOut) bool {
				switch {
				case grp.representative.Equal(p):
					for _, m := range grp.members {
						targets = append(targets, copyTarget{src: p.Clone(), dst: m})
					}
				case grp.representative.IsAncestorOf(p) && p.Len() == grp.representative.Len()+1:
					idx := p[p.Len()-1]
					for _, m := range grp.members {
						targets = append(targets, copyTarget{src: p.Clone(), dst: m.Child(idx)})
					}
				}
				return true
			})
			for _, tgt := range targets {
				branch, _ := ch.Branch(tgt.src)
				_ = ch.Set(tgt.dst, branch)
			}
		}
	}
}

// cancelledError classifies a context error as the cancelled run outcome.
func cancelledError(cause error) error {
	return fmt.Errorf("%w: %w", ErrRunCancelled, cause)
}
