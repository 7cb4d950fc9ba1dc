package hierarchy

import (
	"context"
	"errors"
	"fmt"
)

// walkUp follows parent pointers from startID toward its root, returning the
// visited nodes starting with startID itself. The walk stops early, with
// hit=true, when it reaches stopID.
//
// Revisiting a node means the stored chain is already corrupt and is
// reported as a cycle. A positive limit caps the number of nodes visited;
// going past it fails with ErrDepthLimit.
func (s *Service) walkUp(ctx context.Context, startID, stopID string, limit int) (chain []*Node, hit bool, err error) {
	seen := make(map[string]struct{})
	for cur := startID; cur != ""; {
		if cur == stopID {
			return chain, true, nil
		}
		if _, dup := seen[cur]; dup {
			return chain, false, fmt.Errorf("%w: parent chain revisits %s", ErrCycleDetected, cur)
		}
		if limit > 0 && len(chain) >= limit {
			return chain, false, fmt.Errorf("%w: parent chain of %s exceeds %d levels", ErrDepthLimit, startID, limit)
		}
		if err := ctx.Err(); err != nil {
			return chain, false, err
		}

		n, err := s.get(ctx, cur)
		if err != nil {
			return chain, false, err
		}
		seen[cur] = struct{}{}
		chain = append(chain, n)
		cur = n.ParentID
	}
	return chain, false, nil
}

// checkMove verifies node may be placed under newParentID and returns the
// new parent's ancestry (parent first). Callers pin these versions so the
// check and the write commit together.
func (s *Service) checkMove(ctx context.Context, op, nodeID, newParentID string) ([]*Node, error) {
	if newParentID == nodeID {
		return nil, newError(op, nodeID, ConstraintNoSelfParent, newParentID, ErrCycleDetected)
	}

	chain, hit, err := s.walkUp(ctx, newParentID, nodeID, s.config.MaxDepth)
	switch {
	case errors.Is(err, ErrNodeNotFound):
		return nil, newError(op, nodeID, ConstraintParentExists, newParentID, ErrParentNotFound)
	case errors.Is(err, ErrDepthLimit):
		return nil, newError(op, nodeID, ConstraintMaxDepth, newParentID, err)
	case err != nil:
		return nil, wrap(op, nodeID, newParentID, err)
	case hit:
		return nil, newError(op, nodeID, ConstraintNoCycle, newParentID,
			fmt.Errorf("%w: %s is a descendant of %s", ErrCycleDetected, newParentID, nodeID))
	}
	return chain, nil
}

// guardsFor pins the versions of nodes.
func guardsFor(nodes []*Node) []Guard {
	guards := make([]Guard, len(nodes))
	for i, n := range nodes {
		guards[i] = Guard{ID: n.ID, Version: n.Version}
	}
	return guards
}
