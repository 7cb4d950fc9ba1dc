package hierarchy

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// compensationTimeout bounds the rollback of a failed cascade. Rollback runs
// detached from the caller's context so cancellation cannot interrupt it.
const compensationTimeout = 30 * time.Second

// tree is a subtree listed level by level.
type tree struct {
	root     *Node
	children map[string][]*Node // sorted, filtered
	levels   [][]*Node          // levels[0] is {root}
}

// preorder returns the nodes depth-first, parent before children, siblings
// in name order.
func (t *tree) preorder() []*Node {
	out := make([]*Node, 0, len(t.children)+1)
	stack := []*Node{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n)
		kids := t.children[n.ID]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

// descendOptions controls descend.
type descendOptions struct {
	// includeInactive keeps inactive nodes and their descendants.
	includeInactive bool

	// fresh reads child lists from persistence even when the cache is on.
	fresh bool
}

// descend lists the subtree under root one level at a time, fetching each
// level's child lists concurrently. Unless opts.includeInactive is set,
// inactive nodes are dropped together with everything below them.
func (s *Service) descend(ctx context.Context, root *Node, opts descendOptions) (*tree, error) {
	t := &tree{
		root:     root,
		children: make(map[string][]*Node),
		levels:   [][]*Node{{root}},
	}
	seen := map[string]struct{}{root.ID: {}}

	frontier := []*Node{root}
	for len(frontier) > 0 {
		lists := make([][]*Node, len(frontier))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.config.Concurrency)
		for i, n := range frontier {
			g.Go(func() error {
				kids, err := s.children(gctx, n.ID, opts.fresh)
				if err != nil {
					return err
				}
				lists[i] = kids
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var next []*Node
		for i, n := range frontier {
			var kept []*Node
			for _, c := range lists[i] {
				if !opts.includeInactive && !c.IsActive {
					continue
				}
				if _, dup := seen[c.ID]; dup {
					continue
				}
				seen[c.ID] = struct{}{}
				kept = append(kept, c)
			}
			t.children[n.ID] = kept
			next = append(next, kept...)
		}
		if len(next) > 0 {
			t.levels = append(t.levels, next)
		}
		frontier = next
	}
	return t, nil
}

// deactivationTargets returns the ids a cascading deactivation of t.root
// must change: active descendants deepest level first, then the root.
// The root goes last so an interrupted cascade leaves it active and a retry
// starts over.
func deactivationTargets(t *tree, includeRoot bool) []string {
	var ids []string
	for i := len(t.levels) - 1; i >= 1; i-- {
		for _, n := range t.levels[i] {
			if n.IsActive {
				ids = append(ids, n.ID)
			}
		}
	}
	root := t.root
	if includeRoot && (root.IsActive || root.CascadeRoot != root.ID) {
		ids = append(ids, root.ID)
	}
	return ids
}

// reactivationTargets returns the inactive nodes that t.root's own cascade
// deactivated, root first. Nodes deactivated on their own stay inactive.
func reactivationTargets(t *tree, includeRoot bool) []string {
	var ids []string
	if includeRoot && !t.root.IsActive {
		ids = append(ids, t.root.ID)
	}
	for _, level := range t.levels[1:] {
		for _, n := range level {
			if !n.IsActive && n.CascadeRoot == t.root.ID {
				ids = append(ids, n.ID)
			}
		}
	}
	return ids
}

// applyActive writes change for ids in BatchLimit-sized chunks. If a chunk
// fails, or ctx is cancelled between chunks, the chunks already written are
// reverted and the original error is returned.
func (s *Service) applyActive(ctx context.Context, rootID string, ids []string, active bool, by string) error {
	if len(ids) == 0 {
		return nil
	}
	cascadeRoot := ""
	if !active {
		cascadeRoot = rootID
	}
	at := s.now()

	var applied [][]string
	for _, batch := range chunk(ids, s.store.BatchLimit()) {
		err := ctx.Err()
		if err == nil {
			err = s.store.SetActive(ctx, ActiveChange{
				IDs:         batch,
				Active:      active,
				CascadeRoot: cascadeRoot,
				By:          by,
				At:          at,
			})
		}
		if err != nil {
			s.compensate(ctx, rootID, applied, active, by)
			return err
		}
		applied = append(applied, batch)
	}
	cascadeSize.Observe(float64(len(ids)))
	return nil
}

// compensate reverts applied batches, newest first.
func (s *Service) compensate(ctx context.Context, rootID string, applied [][]string, active bool, by string) {
	if len(applied) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	revert := ActiveChange{Active: !active, By: by, At: s.now()}
	if active {
		// Undoing a reactivation puts the cascade marker back.
		revert.CascadeRoot = rootID
	}

	reverted := 0
	for i := len(applied) - 1; i >= 0; i-- {
		revert.IDs = applied[i]
		if err := s.store.SetActive(ctx, revert); err != nil {
			s.log.Error().Err(err).
				Str("root_id", rootID).
				Strs("ids", applied[i]).
				Bool("active", !active).
				Msg("cascade compensation failed; retry the cascade to converge")
			return
		}
		reverted += len(applied[i])
	}
	s.log.Warn().
		Str("root_id", rootID).
		Int("reverted", reverted).
		Msg("cascade rolled back")
}

// chunk splits ids into slices of at most size. size <= 0 means one chunk.
func chunk(ids []string, size int) [][]string {
	if size <= 0 || len(ids) <= size {
		return [][]string{ids}
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}

// parentsOf returns the distinct parent ids of nodes, for cache invalidation.
func parentsOf(nodes ...*Node) []string {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.ParentID]; ok {
			continue
		}
		seen[n.ParentID] = struct{}{}
		out = append(out, n.ParentID)
	}
	return out
}
