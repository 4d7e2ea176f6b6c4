// Package tx provides multi-resource transactions over a primary backend:
// staged writes, conditional operations, local reference resolution and a
// choice of optimistic or pessimistic concurrency control. Nothing is
// persisted before Commit, and Commit is all-or-nothing.
package tx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/config"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
	"github.com/google/uuid"
)

// LockingMode selects the concurrency control of a transaction.
type LockingMode string

const (
	// LockingOptimistic records versions when resources are staged and
	// verifies them at commit. Drift fails the commit with the conflicting
	// resources named.
	LockingOptimistic LockingMode = "optimistic"
	// LockingPessimistic acquires per-resource locks as resources are
	// touched and holds them until commit or rollback.
	LockingPessimistic LockingMode = "pessimistic"
)

// Options configure one transaction.
type Options struct {
	Locking LockingMode
	// Timeout bounds the whole transaction. Zero falls back to the policy
	// default.
	Timeout   time.Duration
	Isolation capabilities.IsolationLevel
}

// Primary is what the manager needs from the backend of record.
type Primary interface {
	capabilities.VersionProvider
	capabilities.Backend
	capabilities.AtomicApplier
}

// Searcher resolves conditional operation selectors.
type Searcher interface {
	Search(ctx context.Context, tc tenant.Context, q search.Query) (search.Result, error)
}

// Manager creates transactions over a primary backend.
type Manager struct {
	primary  Primary
	searcher Searcher
	policy   config.Policy
	log      zerolog.Logger
}

// NewManager creates a transaction manager. The searcher resolves
// conditional selectors; it is typically the router over the same primary.
func NewManager(primary Primary, searcher Searcher, policy config.Policy, log zerolog.Logger) *Manager {
	return &Manager{primary: primary, searcher: searcher, policy: policy, log: log}
}

// State is the lifecycle state of a transaction.
type State string

const (
	StateActive     State = "active"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled-back"
)

type opKind int

const (
	opCreate opKind = iota
	opUpdate
	opPatch
	opDelete
	opRead
	opConditionalDelete
)

// Entry is the per-operation handle returned by staging methods. Its result
// fields are populated by Commit.
type Entry struct {
	// Resource is the persisted resource after commit (the read result for
	// read operations, the tombstone for deletes).
	Resource model.Resource
	// Created reports whether the operation created a new resource.
	Created bool
	// NoOp reports a conditional operation that matched existing state and
	// changed nothing.
	NoOp bool
}

type operation struct {
	kind     opKind
	entry    *Entry
	resource model.Resource
	// localID is the urn:uuid placeholder other staged resources may use to
	// reference this one.
	localID string
	// selector drives conditional operations, resolved at commit.
	selector *search.Query
	// expectedVersion guards the write. Filled at staging time under
	// optimistic locking, or supplied explicitly by the caller.
	expectedVersion string
	patch           map[string]any
}

// Transaction is a staged unit of work. It is not safe for concurrent use.
type Transaction struct {
	m     *Manager
	tc    tenant.Context
	opts  Options
	state State

	ctx    context.Context
	cancel context.CancelFunc

	ops      []operation
	staged   map[model.Identity]bool
	releases []func()
}

// Begin starts a transaction. The returned transaction must be finished
// with Commit or Rollback; the deadline covers staging and commit together.
func (m *Manager) Begin(ctx context.Context, tc tenant.Context, opts Options) (*Transaction, error) {
	if !tc.IsValid() {
		return nil, &outcome.ValidationError{Detail: "transaction without tenant context"}
	}
	if opts.Locking == "" {
		opts.Locking = LockingOptimistic
	}
	if opts.Timeout == 0 {
		opts.Timeout = m.policy.TransactionTimeout.Std()
	}
	if opts.Isolation == "" {
		opts.Isolation = m.policy.Isolation
	}

	caps, err := m.primary.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Isolation != "" && !caps.SupportsIsolation(opts.Isolation) {
		return nil, &outcome.UnsupportedFeatureError{
			Feature:    fmt.Sprintf("isolation level %s on backend %s", opts.Isolation, m.primary.Name()),
			Suggestion: "request a level the backend advertises",
		}
	}
	if opts.Locking == LockingPessimistic {
		if _, ok := m.primary.(capabilities.Locker); !ok {
			return nil, &outcome.UnsupportedFeatureError{
				Feature:    "pessimistic locking on backend " + m.primary.Name(),
				Suggestion: "use optimistic locking",
			}
		}
	}

	txCtx := ctx
	cancel := context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		txCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	return &Transaction{
		m:      m,
		tc:     tc,
		opts:   opts,
		state:  StateActive,
		ctx:    txCtx,
		cancel: cancel,
		staged: make(map[model.Identity]bool),
	}, nil
}

func (t *Transaction) State() State {
	return t.state
}

// Create stages a resource creation. localID may carry a urn:uuid
// placeholder that other staged resources use to reference this one; it is
// rewritten to the assigned identity at commit.
func (t *Transaction) Create(resource model.Resource, localID string) (*Entry, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if resource.Type == "" {
		return nil, t.abortStaging(&outcome.ValidationError{Detail: "resource without type"})
	}
	entry := &Entry{}
	t.ops = append(t.ops, operation{kind: opCreate, entry: entry, resource: resource, localID: localID})
	return entry, nil
}

// CreateIfNoneExist stages a conditional create. At commit the selector is
// evaluated: zero matches create, one match is an idempotent no-op
// returning the existing resource, several matches abort.
func (t *Transaction) CreateIfNoneExist(resource model.Resource, localID string, selector search.Query) (*Entry, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if resource.Type == "" {
		return nil, t.abortStaging(&outcome.ValidationError{Detail: "resource without type"})
	}
	entry := &Entry{}
	t.ops = append(t.ops, operation{kind: opCreate, entry: entry, resource: resource, localID: localID, selector: &selector})
	return entry, nil
}

// Update stages a full-resource update. Under optimistic locking the current
// version is recorded now and verified at commit.
func (t *Transaction) Update(resource model.Resource) (*Entry, error) {
	return t.update(resource, "")
}

// UpdateWithMatch stages an update guarded by an explicit expected version.
func (t *Transaction) UpdateWithMatch(resource model.Resource, expectedVersion string) (*Entry, error) {
	return t.update(resource, expectedVersion)
}

func (t *Transaction) update(resource model.Resource, expectedVersion string) (*Entry, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if resource.Type == "" || resource.ID == "" {
		return nil, t.abortStaging(&outcome.ValidationError{Detail: "update requires type and id"})
	}
	if err := t.touch(resource.Identity()); err != nil {
		return nil, err
	}
	if expectedVersion == "" && t.opts.Locking == LockingOptimistic {
		version, err := t.observeVersion(resource.Identity())
		if err != nil {
			return nil, err
		}
		expectedVersion = version
	}
	entry := &Entry{}
	t.ops = append(t.ops, operation{kind: opUpdate, entry: entry, resource: resource, expectedVersion: expectedVersion})
	return entry, nil
}

// ConditionalUpdate stages an update whose target is picked by a selector at
// commit: one match updates it, zero matches create, several abort.
func (t *Transaction) ConditionalUpdate(resource model.Resource, selector search.Query) (*Entry, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if resource.Type == "" {
		return nil, t.abortStaging(&outcome.ValidationError{Detail: "resource without type"})
	}
	entry := &Entry{}
	t.ops = append(t.ops, operation{kind: opUpdate, entry: entry, resource: resource, selector: &selector})
	return entry, nil
}

// Patch stages a JSON merge patch against the current version of a
// resource. The base version is read at commit and guards the write.
func (t *Transaction) Patch(resourceType, id string, patch map[string]any) (*Entry, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if resourceType == "" || id == "" {
		return nil, t.abortStaging(&outcome.ValidationError{Detail: "patch requires type and id"})
	}
	identity := model.Identity{Type: resourceType, ID: id}
	if err := t.touch(identity); err != nil {
		return nil, err
	}
	entry := &Entry{}
	t.ops = append(t.ops, operation{
		kind:     opPatch,
		entry:    entry,
		resource: model.Resource{Type: resourceType, ID: id},
		patch:    patch,
	})
	return entry, nil
}

// Delete stages a deletion.
func (t *Transaction) Delete(resourceType, id string) (*Entry, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	identity := model.Identity{Type: resourceType, ID: id}
	if err := t.touch(identity); err != nil {
		return nil, err
	}
	entry := &Entry{}
	t.ops = append(t.ops, operation{kind: opDelete, entry: entry, resource: model.Resource{Type: resourceType, ID: id}})
	return entry, nil
}

// ConditionalDelete stages a deletion selected at commit. Zero matches is a
// no-op, one match deletes, several matches abort unless the backend
// advertises multi-match deletes.
func (t *Transaction) ConditionalDelete(selector search.Query) (*Entry, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	entry := &Entry{}
	t.ops = append(t.ops, operation{
		kind:     opConditionalDelete,
		entry:    entry,
		resource: model.Resource{Type: selector.ResourceType},
		selector: &selector,
	})
	return entry, nil
}

// Read stages a read. Reads execute after all writes of the transaction, so
// they observe the committed state.
func (t *Transaction) Read(resourceType, id string) (*Entry, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	entry := &Entry{}
	t.ops = append(t.ops, operation{kind: opRead, entry: entry, resource: model.Resource{Type: resourceType, ID: id}})
	return entry, nil
}

func (t *Transaction) active() error {
	if t.state != StateActive {
		return &outcome.ValidationError{Detail: fmt.Sprintf("transaction is %s", t.state)}
	}
	if err := t.ctx.Err(); err != nil {
		t.finish(StateRolledBack)
		return &outcome.TransactionAbortedError{Reason: "deadline exceeded", Err: err}
	}
	return nil
}

// touch registers an identity, rejecting duplicates, and acquires its lock
// under pessimistic locking.
func (t *Transaction) touch(identity model.Identity) error {
	if t.staged[identity] {
		return t.abortStaging(&outcome.ValidationError{
			Detail: fmt.Sprintf("duplicate resource %s/%s in transaction", identity.Type, identity.ID),
		})
	}
	t.staged[identity] = true

	if t.opts.Locking != LockingPessimistic {
		return nil
	}
	locker := t.m.primary.(capabilities.Locker)
	release, err := locker.Lock(t.ctx, t.tc, identity)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			t.finish(StateRolledBack)
			return &outcome.TransactionAbortedError{Reason: "lock acquisition timed out", Err: err}
		}
		return err
	}
	t.releases = append(t.releases, release)
	return nil
}

// observeVersion records the current version of a resource for optimistic
// verification. Absent resources observe the empty version, so a concurrent
// create is detected too.
func (t *Transaction) observeVersion(identity model.Identity) (string, error) {
	current, err := t.m.primary.Read(t.ctx, t.tc, identity.Type, identity.ID)
	if outcome.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return current.VersionID, nil
}

// abortStaging rolls the transaction back after a staging error. A
// transaction with a rejected operation can only be retried whole.
func (t *Transaction) abortStaging(err error) error {
	t.finish(StateRolledBack)
	return err
}

// Rollback discards all staged operations and releases any held locks. It
// is a no-op on a finished transaction.
func (t *Transaction) Rollback() {
	if t.state != StateActive {
		return
	}
	t.finish(StateRolledBack)
}

func (t *Transaction) finish(state State) {
	for _, release := range t.releases {
		release()
	}
	t.releases = nil
	t.state = state
	t.cancel()
}

// Commit applies all staged operations atomically. Operations execute in
// normalized order (deletes, creates, updates and patches, then reads)
// regardless of staging order. On any failure nothing is persisted and the
// transaction is rolled back.
func (t *Transaction) Commit() error {
	if t.state != StateActive {
		return &outcome.ValidationError{Detail: fmt.Sprintf("transaction is %s", t.state)}
	}

	err := t.commit()
	if err != nil {
		t.finish(StateRolledBack)
		var aborted *outcome.TransactionAbortedError
		var lock *outcome.OptimisticLockError
		if errors.As(err, &aborted) || errors.As(err, &lock) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &outcome.TransactionAbortedError{Reason: "deadline exceeded", Err: err}
		}
		return &outcome.TransactionAbortedError{Reason: "operation failed", Err: err}
	}
	t.finish(StateCommitted)
	return nil
}

func (t *Transaction) commit() error {
	ctx := t.ctx

	resolved, reads, err := t.resolve(ctx)
	if err != nil {
		return err
	}

	// assign identities first so staged bodies can be rewritten from
	// urn:uuid placeholders to real references before anything is written
	locals := make(map[string]string)
	for i := range resolved {
		op := &resolved[i]
		if op.kind == opCreate && op.resource.ID == "" {
			op.resource.ID = uuid.NewString()
		}
		if op.localID != "" {
			locals[op.localID] = op.resource.Type + "/" + op.resource.ID
		}
	}
	if len(locals) > 0 {
		for i := range resolved {
			op := &resolved[i]
			if op.kind == opDelete || op.kind == opConditionalDelete {
				continue
			}
			op.resource.Body = rewriteReferences(op.resource.Body, locals)
		}
	}

	writes := make([]capabilities.StagedWrite, 0, len(resolved))
	for _, op := range resolved {
		writes = append(writes, capabilities.StagedWrite{
			Resource:        op.resource,
			Delete:          op.kind == opDelete || op.kind == opConditionalDelete,
			ExpectedVersion: op.expectedVersion,
		})
	}

	applied, err := t.m.primary.ApplyAll(ctx, t.tc, writes)
	if err != nil {
		var conflict *outcome.VersionConflictError
		if errors.As(err, &conflict) && t.opts.Locking == LockingOptimistic {
			return &outcome.OptimisticLockError{Conflicts: []outcome.Conflict{{
				ResourceType: conflict.ResourceType,
				ID:           conflict.ID,
				Expected:     conflict.Expected,
				Actual:       conflict.Actual,
			}}}
		}
		return err
	}

	for i, op := range resolved {
		op.entry.Resource = applied[i]
		op.entry.Created = op.kind == opCreate
	}

	for _, op := range reads {
		read, err := t.m.primary.Read(ctx, t.tc, op.resource.Type, op.resource.ID)
		if err != nil {
			return err
		}
		op.entry.Resource = read
	}

	t.m.log.Debug().
		Str("tenant", t.tc.ID()).
		Int("writes", len(writes)).
		Int("reads", len(reads)).
		Msg("transaction committed")
	return nil
}

// resolve turns the staged operations into concrete writes: conditional
// selectors are evaluated now, so their match sets reflect commit time, and
// operations are reordered into deletes, creates, then updates. Reads are
// returned separately for execution after the writes.
func (t *Transaction) resolve(ctx context.Context) (writes []operation, reads []operation, err error) {
	caps, err := t.m.primary.Capabilities(ctx)
	if err != nil {
		return nil, nil, err
	}

	var deletes, creates, updates []operation
	for _, op := range t.ops {
		switch op.kind {
		case opRead:
			reads = append(reads, op)
		case opDelete:
			deletes = append(deletes, op)
		case opConditionalDelete:
			resolvedDeletes, err := t.resolveConditionalDelete(ctx, op, caps)
			if err != nil {
				return nil, nil, err
			}
			deletes = append(deletes, resolvedDeletes...)
		case opCreate:
			resolvedCreate, skip, err := t.resolveCreate(ctx, op)
			if err != nil {
				return nil, nil, err
			}
			if !skip {
				creates = append(creates, resolvedCreate)
			}
		case opUpdate:
			resolvedUpdate, err := t.resolveUpdate(ctx, op)
			if err != nil {
				return nil, nil, err
			}
			if resolvedUpdate.kind == opCreate {
				creates = append(creates, resolvedUpdate)
			} else {
				updates = append(updates, resolvedUpdate)
			}
		case opPatch:
			patched, err := t.resolvePatch(ctx, op)
			if err != nil {
				return nil, nil, err
			}
			updates = append(updates, patched)
		}
	}

	writes = append(writes, deletes...)
	writes = append(writes, creates...)
	writes = append(writes, updates...)
	return writes, reads, nil
}

func (t *Transaction) resolveCreate(ctx context.Context, op operation) (operation, bool, error) {
	if op.selector == nil {
		if op.resource.ID != "" {
			if err := t.touch(op.resource.Identity()); err != nil {
				return operation{}, false, err
			}
		}
		return op, false, nil
	}
	matches, err := t.selectorMatches(ctx, *op.selector)
	if err != nil {
		return operation{}, false, err
	}
	switch len(matches) {
	case 0:
		return op, false, nil
	case 1:
		// idempotent: the resource already exists, nothing is written
		op.entry.Resource = matches[0]
		op.entry.NoOp = true
		return operation{}, true, nil
	default:
		return operation{}, false, &outcome.PreconditionError{
			Detail:  fmt.Sprintf("conditional create of %s matched %d resources", op.resource.Type, len(matches)),
			Matches: len(matches),
		}
	}
}

func (t *Transaction) resolveUpdate(ctx context.Context, op operation) (operation, error) {
	if op.selector == nil {
		return op, nil
	}
	matches, err := t.selectorMatches(ctx, *op.selector)
	if err != nil {
		return operation{}, err
	}
	switch len(matches) {
	case 0:
		op.kind = opCreate
		return op, nil
	case 1:
		op.resource.ID = matches[0].ID
		if t.opts.Locking == LockingOptimistic {
			op.expectedVersion = matches[0].VersionID
		}
		if err := t.touch(op.resource.Identity()); err != nil {
			return operation{}, err
		}
		return op, nil
	default:
		return operation{}, &outcome.PreconditionError{
			Detail:  fmt.Sprintf("conditional update of %s matched %d resources", op.resource.Type, len(matches)),
			Matches: len(matches),
		}
	}
}

func (t *Transaction) resolveConditionalDelete(ctx context.Context, op operation, caps capabilities.Capabilities) ([]operation, error) {
	matches, err := t.selectorMatches(ctx, *op.selector)
	if err != nil {
		return nil, err
	}
	switch {
	case len(matches) == 0:
		// zero matches is success, not an error
		op.entry.NoOp = true
		return nil, nil
	case len(matches) == 1 || caps.MultiMatchDelete:
		ops := make([]operation, 0, len(matches))
		for _, match := range matches {
			if err := t.touch(match.Identity()); err != nil {
				return nil, err
			}
			ops = append(ops, operation{
				kind:     opDelete,
				entry:    op.entry,
				resource: model.Resource{Type: match.Type, ID: match.ID},
			})
		}
		return ops, nil
	default:
		return nil, &outcome.PreconditionError{
			Detail:  fmt.Sprintf("conditional delete of %s matched %d resources", op.resource.Type, len(matches)),
			Matches: len(matches),
		}
	}
}

func (t *Transaction) resolvePatch(ctx context.Context, op operation) (operation, error) {
	current, err := t.m.primary.Read(ctx, t.tc, op.resource.Type, op.resource.ID)
	if err != nil {
		return operation{}, err
	}
	if current.Deleted {
		return operation{}, &outcome.NotFoundError{ResourceType: op.resource.Type, ID: op.resource.ID}
	}
	op.resource.Body = mergePatch(current.Body, op.patch)
	if t.opts.Locking == LockingOptimistic {
		op.expectedVersion = current.VersionID
	}
	return op, nil
}

func (t *Transaction) selectorMatches(ctx context.Context, selector search.Query) ([]model.Resource, error) {
	selector.Count = 0
	selector.Cursor = ""
	result, err := t.m.searcher.Search(ctx, t.tc, selector)
	if err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// rewriteReferences replaces urn:uuid placeholders with the identities
// assigned to staged creates, recursively through the whole body.
func rewriteReferences(node map[string]any, locals map[string]string) map[string]any {
	if node == nil {
		return nil
	}
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = rewriteValue(v, locals)
	}
	return out
}

func rewriteValue(v any, locals map[string]string) any {
	switch v := v.(type) {
	case string:
		if strings.HasPrefix(v, "urn:uuid:") {
			if target, ok := locals[v]; ok {
				return target
			}
		}
		return v
	case map[string]any:
		return rewriteReferences(v, locals)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = rewriteValue(item, locals)
		}
		return out
	default:
		return v
	}
}

// mergePatch applies an RFC 7386 style merge patch: null removes a member,
// objects merge recursively, everything else replaces.
func mergePatch(base, patch map[string]any) map[string]any {
	out := model.CloneBody(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		if patchObj, ok := v.(map[string]any); ok {
			if baseObj, ok := out[k].(map[string]any); ok {
				out[k] = mergePatch(baseObj, patchObj)
				continue
			}
		}
		out[k] = v
	}
	return out
}
