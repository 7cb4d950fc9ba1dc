package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacentio/gachar/internal/logging"
)

// Service is the location hierarchy. It is safe for concurrent use; create
// one per process and share it.
type Service struct {
	store  Persistence
	config Config
	access AccessControl
	audit  AuditSink
	log    zerolog.Logger
	now    func() time.Time
	cache  *childrenCache

	// moveMu serializes reparents in this process. Across processes the
	// version guards passed to Persistence.Update do the same job.
	moveMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithAccessControl sets the authorizer. Without one every mutation is
// rejected with ErrUnauthorized.
func WithAccessControl(ac AccessControl) Option {
	return func(s *Service) { s.access = ac }
}

// WithAuditSink sets where committed changes are reported.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) { s.audit = sink }
}

// WithLogger replaces the default component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service over p.
func New(p Persistence, cfg Config, opts ...Option) (*Service, error) {
	if p == nil {
		return nil, errors.New("hierarchy: persistence is required")
	}
	cfg.validate()

	s := &Service{
		store:  p,
		config: cfg,
		log:    logging.WithComponent("hierarchy"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.CacheSize > 0 {
		c, err := newChildrenCache(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: children cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

// Close releases the children cache.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.close()
	}
}

// Create inserts a new active node.
func (s *Service) Create(ctx context.Context, caller Caller, in CreateInput) (n *Node, err error) {
	const op = "create"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	if err := s.authorize(ctx, op, caller, ActionCreate, ""); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, wrap(op, "", in.Name, err)
	}
	typ, err := ParseNodeType(in.Type)
	if err != nil {
		return nil, wrap(op, "", in.Type, err)
	}
	if in.ParentID != "" {
		if _, err := s.get(ctx, in.ParentID); err != nil {
			return nil, parentError(op, "", in.ParentID, err)
		}
	}
	if err := s.checkNameFree(ctx, op, "", in.Name); err != nil {
		return nil, err
	}

	now := s.now()
	n = &Node{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Type:        typ,
		Description: in.Description,
		Address:     in.Address,
		IsActive:    true,
		ParentID:    in.ParentID,
		Version:     1,
		UpdatedBy:   caller.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, n); err != nil {
		value := in.Name
		if errors.Is(err, ErrParentNotFound) {
			value = in.ParentID
		}
		return nil, wrap(op, n.ID, value, err)
	}
	s.invalidate(n.ParentID)

	s.record(ctx, caller, string(ActionCreate), n, map[string]any{
		"name":      n.Name,
		"type":      string(n.Type),
		"parent_id": n.ParentID,
	})
	return n.Clone(), nil
}

// Reparent moves nodeID under newParentID, or to the root level when
// newParentID is empty. Moving a node to its current parent is a no-op.
//
// The new parent's ancestor chain is walked and pinned by version, so a
// concurrent move that would close a loop makes this write fail with
// ErrConcurrentModification instead of committing a cycle.
func (s *Service) Reparent(ctx context.Context, caller Caller, nodeID, newParentID string) (n *Node, err error) {
	const op = "reparent"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	if err := s.authorize(ctx, op, caller, ActionReparent, nodeID); err != nil {
		return nil, err
	}

	s.moveMu.Lock()
	defer s.moveMu.Unlock()

	n, err = s.get(ctx, nodeID)
	if err != nil {
		return nil, wrap(op, nodeID, nodeID, err)
	}
	if n.ParentID == newParentID {
		return n, nil
	}

	var guards []Guard
	if newParentID != "" {
		chain, err := s.checkMove(ctx, op, nodeID, newParentID)
		if err != nil {
			return nil, err
		}
		guards = guardsFor(chain)
	}

	oldParentID := n.ParentID
	expected := n.Version
	n.ParentID = newParentID
	n.UpdatedAt = s.now()
	n.UpdatedBy = caller.ID
	if err := s.store.Update(ctx, n, expected, guards); err != nil {
		return nil, wrap(op, nodeID, newParentID, err)
	}
	s.invalidate(oldParentID, newParentID)

	s.record(ctx, caller, string(ActionReparent), n, map[string]any{
		"from_parent_id": oldParentID,
		"to_parent_id":   newParentID,
	})
	return n.Clone(), nil
}

// Update changes the editable fields set in in. Fields left nil are kept.
func (s *Service) Update(ctx context.Context, caller Caller, nodeID string, in UpdateInput) (n *Node, err error) {
	const op = "update"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	if err := s.authorize(ctx, op, caller, ActionUpdate, nodeID); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, wrap(op, nodeID, "", err)
	}

	n, err = s.get(ctx, nodeID)
	if err != nil {
		return nil, wrap(op, nodeID, nodeID, err)
	}
	expected := n.Version

	changes := make(map[string]any)
	if in.Name != nil && *in.Name != n.Name {
		if err := s.checkNameFree(ctx, op, nodeID, *in.Name); err != nil {
			return nil, err
		}
		changes["previous_name"] = n.Name
		changes["name"] = *in.Name
		n.Name = *in.Name
	}
	if in.Type != nil {
		// An empty type only means "default" on create.
		if *in.Type == "" {
			return nil, newError(op, nodeID, ConstraintNodeType, "",
				fmt.Errorf("%w: type must not be empty", ErrInvalidType))
		}
		typ, err := ParseNodeType(*in.Type)
		if err != nil {
			return nil, wrap(op, nodeID, *in.Type, err)
		}
		if typ != n.Type {
			changes["type"] = string(typ)
			n.Type = typ
		}
	}
	if in.Description != nil && *in.Description != n.Description {
		changes["description"] = *in.Description
		n.Description = *in.Description
	}
	if in.Address != nil && *in.Address != n.Address {
		changes["address"] = *in.Address
		n.Address = *in.Address
	}
	if len(changes) == 0 {
		return n, nil
	}

	n.UpdatedAt = s.now()
	n.UpdatedBy = caller.ID
	if err := s.store.Update(ctx, n, expected, nil); err != nil {
		return nil, wrap(op, nodeID, n.Name, err)
	}
	s.invalidate(n.ParentID)

	s.record(ctx, caller, string(ActionUpdate), n, changes)
	return n.Clone(), nil
}

// Deactivate marks nodeID inactive. With cascade, every descendant is
// deactivated too, all or nothing: if a batch fails or ctx is cancelled, the
// batches already written are reverted before the error is returned.
// Deactivating an inactive node again is a no-op, and repeating a cascade
// converges on the same final state.
func (s *Service) Deactivate(ctx context.Context, caller Caller, nodeID string, cascade bool) (err error) {
	const op = "deactivate"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	if err := s.authorize(ctx, op, caller, ActionDeactivate, nodeID); err != nil {
		return err
	}
	n, err := s.get(ctx, nodeID)
	if err != nil {
		return wrap(op, nodeID, nodeID, err)
	}

	if !cascade {
		if !n.IsActive {
			return nil
		}
		change := ActiveChange{IDs: []string{nodeID}, By: caller.ID, At: s.now()}
		if err := s.store.SetActive(ctx, change); err != nil {
			return wrap(op, nodeID, "", err)
		}
		s.invalidate(n.ParentID)
		s.record(ctx, caller, string(ActionDeactivate), n, map[string]any{"cascade": false})
		return nil
	}

	count, err := s.cascade(ctx, n, false, true, caller.ID)
	if err != nil {
		return wrap(op, nodeID, "", err)
	}
	if count > 0 {
		s.record(ctx, caller, string(ActionDeactivate), n, map[string]any{
			"cascade": true,
			"count":   count,
		})
	}
	return nil
}

// Reactivate marks nodeID active again. With cascade, descendants that were
// deactivated by nodeID's own cascade are restored as well; descendants
// deactivated individually, or by another node's cascade, stay inactive.
func (s *Service) Reactivate(ctx context.Context, caller Caller, nodeID string, cascade bool) (err error) {
	const op = "reactivate"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	if err := s.authorize(ctx, op, caller, ActionReactivate, nodeID); err != nil {
		return err
	}
	n, err := s.get(ctx, nodeID)
	if err != nil {
		return wrap(op, nodeID, nodeID, err)
	}

	if !cascade {
		if n.IsActive {
			return nil
		}
		change := ActiveChange{IDs: []string{nodeID}, Active: true, By: caller.ID, At: s.now()}
		if err := s.store.SetActive(ctx, change); err != nil {
			return wrap(op, nodeID, "", err)
		}
		s.invalidate(n.ParentID)
		s.record(ctx, caller, string(ActionReactivate), n, map[string]any{"cascade": false})
		return nil
	}

	count, err := s.cascade(ctx, n, true, true, caller.ID)
	if err != nil {
		return wrap(op, nodeID, "", err)
	}
	if count > 0 {
		s.record(ctx, caller, string(ActionReactivate), n, map[string]any{
			"cascade": true,
			"count":   count,
		})
	}
	return nil
}

// CompleteCascade finishes a cascading deactivation of rootID by deactivating
// descendants that are still active, such as children created while the
// cascade ran. It does nothing unless rootID is inactive by its own cascade.
// It is an infrastructure operation and skips access control.
func (s *Service) CompleteCascade(ctx context.Context, rootID string) (count int, err error) {
	const op = "complete_cascade"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	n, err := s.get(ctx, rootID)
	if err != nil {
		return 0, wrap(op, rootID, rootID, err)
	}
	if n.IsActive || n.CascadeRoot != n.ID {
		return 0, nil
	}
	count, err = s.cascade(ctx, n, false, false, SystemCaller.ID)
	if err != nil {
		return 0, wrap(op, rootID, "", err)
	}
	if count > 0 {
		logging.Ctx(ctx, s.log).Info().
			Str("root_id", rootID).
			Int("count", count).
			Msg("completed cascade")
	}
	return count, nil
}

// cascade flips root's subtree to active and returns how many nodes changed.
func (s *Service) cascade(ctx context.Context, root *Node, active, includeRoot bool, by string) (int, error) {
	t, err := s.descend(ctx, root, descendOptions{includeInactive: true, fresh: true})
	if err != nil {
		return 0, err
	}

	var ids []string
	if active {
		ids = reactivationTargets(t, includeRoot)
	} else {
		ids = deactivationTargets(t, includeRoot)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// Batches may have been written and reverted even on failure.
	defer s.invalidate(parentsOf(t.preorder()...)...)

	if err := s.applyActive(ctx, root.ID, ids, active, by); err != nil {
		return 0, err
	}
	logging.Ctx(ctx, s.log).Debug().
		Str("root_id", root.ID).
		Bool("active", active).
		Int("count", len(ids)).
		Msg("cascade applied")
	return len(ids), nil
}

// Get returns the node with id.
func (s *Service) Get(ctx context.Context, id string) (n *Node, err error) {
	const op = "get"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	n, err = s.get(ctx, id)
	if err != nil {
		return nil, wrap(op, id, id, err)
	}
	return n, nil
}

// FindByName returns the node with exactly this name.
func (s *Service) FindByName(ctx context.Context, name string) (n *Node, err error) {
	const op = "find_by_name"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	n, err = retryRead(ctx, s.config, func() (*Node, error) {
		return s.store.GetByName(ctx, name)
	})
	if err != nil {
		return nil, wrap(op, "", name, err)
	}
	return n, nil
}

// ListChildren returns the children of parentID, or the roots when parentID
// is empty, ordered by name with ties broken by id.
func (s *Service) ListChildren(ctx context.Context, parentID string, opts ListOptions) (nodes []*Node, err error) {
	const op = "list_children"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	if parentID != "" {
		if _, err := s.get(ctx, parentID); err != nil {
			return nil, wrap(op, parentID, parentID, err)
		}
	}
	kids, err := s.children(ctx, parentID, false)
	if err != nil {
		return nil, wrap(op, parentID, "", err)
	}
	if opts.IncludeInactive {
		return kids, nil
	}
	return slices.DeleteFunc(kids, func(n *Node) bool { return !n.IsActive }), nil
}

// Subtree returns id and its descendants depth-first, each parent before its
// children and siblings by name. Inactive nodes are left out together with
// their descendants unless opts.IncludeInactive is set; an inactive id
// yields an empty result.
func (s *Service) Subtree(ctx context.Context, id string, opts ListOptions) (nodes []*Node, err error) {
	const op = "subtree"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	root, err := s.get(ctx, id)
	if err != nil {
		return nil, wrap(op, id, id, err)
	}
	if !root.IsActive && !opts.IncludeInactive {
		return []*Node{}, nil
	}
	t, err := s.descend(ctx, root, descendOptions{includeInactive: opts.IncludeInactive})
	if err != nil {
		return nil, wrap(op, id, "", err)
	}
	return t.preorder(), nil
}

// Ancestors returns the path from the root down to id, inclusive.
func (s *Service) Ancestors(ctx context.Context, id string) (nodes []*Node, err error) {
	const op = "ancestors"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	chain, _, err := s.walkUp(ctx, id, "", 0)
	if err != nil {
		return nil, wrap(op, id, id, err)
	}
	slices.Reverse(chain)
	return chain, nil
}

func (s *Service) get(ctx context.Context, id string) (*Node, error) {
	return retryRead(ctx, s.config, func() (*Node, error) {
		return s.store.Get(ctx, id)
	})
}

// children returns every child of parentID, sorted. Unless fresh is set the
// listing may come from the cache.
func (s *Service) children(ctx context.Context, parentID string, fresh bool) ([]*Node, error) {
	fetch := func(ctx context.Context) ([]*Node, error) {
		nodes, err := retryRead(ctx, s.config, func() ([]*Node, error) {
			return s.store.ListByParent(ctx, parentID)
		})
		if err != nil {
			return nil, err
		}
		sortNodes(nodes)
		return nodes, nil
	}
	if s.cache == nil || fresh {
		return fetch(ctx)
	}
	return s.cache.load(ctx, parentID, fetch)
}

func (s *Service) invalidate(parentIDs ...string) {
	if s.cache != nil {
		s.cache.invalidate(parentIDs...)
	}
}

func (s *Service) authorize(ctx context.Context, op string, caller Caller, action Action, nodeID string) error {
	if s.access == nil {
		return newError(op, nodeID, ConstraintPermission, string(action),
			fmt.Errorf("%w: no access control configured", ErrUnauthorized))
	}
	ok, err := s.access.IsAuthorized(ctx, caller, action)
	if err != nil {
		return newError(op, nodeID, ConstraintPermission, string(action),
			fmt.Errorf("%w: %v", ErrUnauthorized, err))
	}
	if !ok {
		return newError(op, nodeID, ConstraintPermission, string(action),
			fmt.Errorf("%w: %q may not %s", ErrUnauthorized, caller.ID, action))
	}
	return nil
}

// checkNameFree fails with ErrDuplicateName if a node other than selfID
// already has name. Persistence enforces the same rule atomically; this only
// reports the conflict before any write.
func (s *Service) checkNameFree(ctx context.Context, op, selfID, name string) error {
	other, err := retryRead(ctx, s.config, func() (*Node, error) {
		return s.store.GetByName(ctx, name)
	})
	switch {
	case errors.Is(err, ErrNodeNotFound):
		return nil
	case err != nil:
		return wrap(op, selfID, name, err)
	case other.ID != selfID:
		return newError(op, selfID, ConstraintNameUnique, name,
			fmt.Errorf("%w: held by %s", ErrDuplicateName, other.ID))
	}
	return nil
}

// record reports a committed change. Sink failures are logged and dropped.
func (s *Service) record(ctx context.Context, caller Caller, action string, n *Node, details map[string]any) {
	if s.audit == nil {
		return
	}
	entry := AuditEntry{
		Action:      action,
		EntityType:  EntityTypeLocation,
		EntityID:    n.ID,
		PerformedBy: caller.ID,
		Details:     details,
		At:          s.now(),
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		auditFailures.Inc()
		logging.Ctx(ctx, s.log).Warn().Err(err).
			Str("action", action).
			Str("node_id", n.ID).
			Msg("audit record failed")
	}
}

func parentError(op, nodeID, parentID string, err error) error {
	if errors.Is(err, ErrNodeNotFound) {
		return newError(op, nodeID, ConstraintParentExists, parentID, ErrParentNotFound)
	}
	return wrap(op, nodeID, parentID, err)
}

func sortNodes(nodes []*Node) {
	slices.SortFunc(nodes, func(a, b *Node) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
