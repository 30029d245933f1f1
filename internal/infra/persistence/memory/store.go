// Package memory provides an in-memory implementation of the core persistence
// store used for dry runs, tests, and as the transactional layer of the SQL stores.
package memory

import (
	"aquasim/pkg/domain"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Cohort aliases domain.Cohort.
	Cohort = domain.Cohort
	// Container aliases domain.Container.
	Container = domain.Container
	// Assignment aliases domain.Assignment.
	Assignment = domain.Assignment
	// Transfer aliases domain.Transfer.
	Transfer = domain.Transfer
	// FeedPurchase aliases domain.FeedPurchase.
	FeedPurchase = domain.FeedPurchase
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// CommitHook runs after rules pass and before the new state becomes visible.
// Returning an error aborts the commit.
type CommitHook func(ctx context.Context, changes []Change) error

type memoryState struct {
	cohorts     map[string]Cohort
	containers  map[string]Container
	assignments map[string]Assignment
	transfers   map[string]Transfer
	purchases   map[string]FeedPurchase
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Cohorts     map[string]Cohort       `json:"cohorts"`
	Containers  map[string]Container    `json:"containers"`
	Assignments map[string]Assignment   `json:"assignments"`
	Transfers   map[string]Transfer     `json:"transfers"`
	Purchases   map[string]FeedPurchase `json:"purchases"`
}

func newMemoryState() memoryState {
	return memoryState{
		cohorts:     make(map[string]Cohort),
		containers:  make(map[string]Container),
		assignments: make(map[string]Assignment),
		transfers:   make(map[string]Transfer),
		purchases:   make(map[string]FeedPurchase),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		cohorts:     make(map[string]Cohort, len(s.cohorts)),
		containers:  make(map[string]Container, len(s.containers)),
		assignments: make(map[string]Assignment, len(s.assignments)),
		transfers:   make(map[string]Transfer, len(s.transfers)),
		purchases:   make(map[string]FeedPurchase, len(s.purchases)),
	}
	for k, v := range s.cohorts {
		out.cohorts[k] = cloneCohort(v)
	}
	for k, v := range s.containers {
		out.containers[k] = v
	}
	for k, v := range s.assignments {
		out.assignments[k] = cloneAssignment(v)
	}
	for k, v := range s.transfers {
		out.transfers[k] = v
	}
	for k, v := range s.purchases {
		out.purchases[k] = v
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Cohorts:     c.cohorts,
		Containers:  c.containers,
		Assignments: c.assignments,
		Transfers:   c.transfers,
		Purchases:   c.purchases,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Cohorts {
		state.cohorts[k] = cloneCohort(v)
	}
	for k, v := range s.Containers {
		state.containers[k] = v
	}
	for k, v := range s.Assignments {
		state.assignments[k] = cloneAssignment(v)
	}
	for k, v := range s.Transfers {
		state.transfers[k] = v
	}
	for k, v := range s.Purchases {
		state.purchases[k] = v
	}
	return state
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneCohort(c Cohort) Cohort {
	c.StalledSince = cloneTime(c.StalledSince)
	return c
}

func cloneAssignment(a Assignment) Assignment {
	a.EndDate = cloneTime(a.EndDate)
	return a
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	hooks  []CommitHook

	facts       *factLog
	checkpoints map[string]map[int]domain.Checkpoint
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:       newMemoryState(),
		engine:      engine,
		nowFn:       func() time.Time { return time.Now().UTC() },
		facts:       newFactLog(),
		checkpoints: make(map[string]map[int]domain.Checkpoint),
	}
}

func (s *Store) newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// OnCommit registers a hook invoked with the change set of every successful
// transaction and rewind.
func (s *Store) OnCommit(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// SetNowFunc overrides the clock used for CreatedAt/UpdatedAt stamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func sortedValues[T any](m map[string]T, clone func(T) T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, clone(m[k]))
	}
	return out
}

func identity[T any](v T) T { return v }

// ListCohorts returns all cohorts ordered by id.
func (v transactionView) ListCohorts() []Cohort { return sortedValues(v.state.cohorts, cloneCohort) }

// ListContainers returns all containers ordered by id.
func (v transactionView) ListContainers() []Container {
	return sortedValues(v.state.containers, identity[Container])
}

// ListAssignments returns all assignments ordered by id.
func (v transactionView) ListAssignments() []Assignment {
	return sortedValues(v.state.assignments, cloneAssignment)
}

// ListTransfers returns all transfers ordered by id.
func (v transactionView) ListTransfers() []Transfer {
	return sortedValues(v.state.transfers, identity[Transfer])
}

// ListPurchases returns all feed purchases ordered by id.
func (v transactionView) ListPurchases() []FeedPurchase {
	return sortedValues(v.state.purchases, identity[FeedPurchase])
}

func (v transactionView) FindCohort(id string) (Cohort, bool) {
	c, ok := v.state.cohorts[id]
	return cloneCohort(c), ok
}

func (v transactionView) FindContainer(id string) (Container, bool) {
	c, ok := v.state.containers[id]
	return c, ok
}

func (v transactionView) FindAssignment(id string) (Assignment, bool) {
	a, ok := v.state.assignments[id]
	return cloneAssignment(a), ok
}

// OpenAssignments returns the open assignments hosted by containerID ordered by id.
func (v transactionView) OpenAssignments(containerID string) []Assignment {
	return openIn(v.state, containerID)
}

func openIn(state *memoryState, containerID string) []Assignment {
	var out []Assignment
	for _, a := range state.assignments {
		if a.ContainerID == containerID && a.IsOpen() {
			out = append(out, cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if err := s.runHooks(ctx, tx.changes); err != nil {
		return result, err
	}
	s.state = tx.state
	return result, nil
}

func (s *Store) runHooks(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	for _, hook := range s.hooks {
		if err := hook(ctx, changes); err != nil {
			return fmt.Errorf("commit hook: %w", err)
		}
	}
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) FindCohort(id string) (Cohort, bool) {
	c, ok := tx.state.cohorts[id]
	return cloneCohort(c), ok
}

func (tx *transaction) FindContainer(id string) (Container, bool) {
	c, ok := tx.state.containers[id]
	return c, ok
}

func (tx *transaction) FindAssignment(id string) (Assignment, bool) {
	a, ok := tx.state.assignments[id]
	return cloneAssignment(a), ok
}

// CreateCohort stores a new cohort.
func (tx *transaction) CreateCohort(c Cohort) (Cohort, error) {
	if c.ID == "" {
		c.ID = tx.store.newID()
	}
	if _, exists := tx.state.cohorts[c.ID]; exists {
		return Cohort{}, fmt.Errorf("cohort %q already exists", c.ID)
	}
	if c.Status == "" {
		c.Status = domain.CohortActive
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.cohorts[c.ID] = cloneCohort(c)
	tx.recordChange(Change{Entity: domain.EntityCohort, Action: domain.ActionCreate, After: cloneCohort(c)})
	return cloneCohort(c), nil
}

// UpdateCohort mutates an existing cohort.
func (tx *transaction) UpdateCohort(id string, mutator func(*Cohort) error) (Cohort, error) {
	current, ok := tx.state.cohorts[id]
	if !ok {
		return Cohort{}, domain.NotFoundError{Entity: domain.EntityCohort, ID: id}
	}
	before := cloneCohort(current)
	if err := mutator(&current); err != nil {
		return Cohort{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.cohorts[id] = cloneCohort(current)
	tx.recordChange(Change{Entity: domain.EntityCohort, Action: domain.ActionUpdate, Before: before, After: cloneCohort(current)})
	return cloneCohort(current), nil
}

// CreateContainer registers a catalog container.
func (tx *transaction) CreateContainer(c Container) (Container, error) {
	if c.ID == "" {
		return Container{}, fmt.Errorf("container id required")
	}
	if _, exists := tx.state.containers[c.ID]; exists {
		return Container{}, fmt.Errorf("container %q already exists", c.ID)
	}
	if c.Capacity <= 0 {
		return Container{}, fmt.Errorf("container %q capacity must be positive", c.ID)
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.containers[c.ID] = c
	tx.recordChange(Change{Entity: domain.EntityContainer, Action: domain.ActionCreate, After: c})
	return c, nil
}

// CreateAssignment stores a new assignment.
func (tx *transaction) CreateAssignment(a Assignment) (Assignment, error) {
	if a.ID == "" {
		a.ID = tx.store.newID()
	}
	if _, exists := tx.state.assignments[a.ID]; exists {
		return Assignment{}, fmt.Errorf("assignment %q already exists", a.ID)
	}
	if _, ok := tx.state.cohorts[a.CohortID]; !ok {
		return Assignment{}, domain.NotFoundError{Entity: domain.EntityCohort, ID: a.CohortID}
	}
	if _, ok := tx.state.containers[a.ContainerID]; !ok {
		return Assignment{}, domain.NotFoundError{Entity: domain.EntityContainer, ID: a.ContainerID}
	}
	a.StartDate = domain.Day(a.StartDate)
	a.CreatedAt = tx.now
	a.UpdatedAt = tx.now
	tx.state.assignments[a.ID] = cloneAssignment(a)
	tx.recordChange(Change{Entity: domain.EntityAssignment, Action: domain.ActionCreate, After: cloneAssignment(a)})
	return cloneAssignment(a), nil
}

// UpdateAssignment mutates an existing assignment.
func (tx *transaction) UpdateAssignment(id string, mutator func(*Assignment) error) (Assignment, error) {
	current, ok := tx.state.assignments[id]
	if !ok {
		return Assignment{}, domain.NotFoundError{Entity: domain.EntityAssignment, ID: id}
	}
	before := cloneAssignment(current)
	if err := mutator(&current); err != nil {
		return Assignment{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.assignments[id] = cloneAssignment(current)
	tx.recordChange(Change{Entity: domain.EntityAssignment, Action: domain.ActionUpdate, Before: before, After: cloneAssignment(current)})
	return cloneAssignment(current), nil
}

// CreateTransfer stores a transfer record.
func (tx *transaction) CreateTransfer(t Transfer) (Transfer, error) {
	if t.ID == "" {
		t.ID = tx.store.newID()
	}
	if _, exists := tx.state.transfers[t.ID]; exists {
		return Transfer{}, fmt.Errorf("transfer %q already exists", t.ID)
	}
	if _, ok := tx.state.assignments[t.SourceAssignmentID]; !ok {
		return Transfer{}, domain.NotFoundError{Entity: domain.EntityAssignment, ID: t.SourceAssignmentID}
	}
	if t.DestinationAssignmentID != "" {
		if _, ok := tx.state.assignments[t.DestinationAssignmentID]; !ok {
			return Transfer{}, domain.NotFoundError{Entity: domain.EntityAssignment, ID: t.DestinationAssignmentID}
		}
	}
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.transfers[t.ID] = t
	tx.recordChange(Change{Entity: domain.EntityTransfer, Action: domain.ActionCreate, After: t})
	return t, nil
}

// CreatePurchase stores a feed purchase.
func (tx *transaction) CreatePurchase(p FeedPurchase) (FeedPurchase, error) {
	if p.ID == "" {
		p.ID = tx.store.newID()
	}
	if _, exists := tx.state.purchases[p.ID]; exists {
		return FeedPurchase{}, fmt.Errorf("feed purchase %q already exists", p.ID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.purchases[p.ID] = p
	tx.recordChange(Change{Entity: domain.EntityPurchase, Action: domain.ActionCreate, After: p})
	return p, nil
}

// GetCohort returns a cohort by id.
func (s *Store) GetCohort(id string) (Cohort, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.cohorts[id]
	return cloneCohort(c), ok
}

// ListCohorts returns all cohorts ordered by id.
func (s *Store) ListCohorts() []Cohort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.state.cohorts, cloneCohort)
}

// GetContainer returns a container by id.
func (s *Store) GetContainer(id string) (Container, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.containers[id]
	return c, ok
}

// ListContainers returns all containers ordered by id.
func (s *Store) ListContainers() []Container {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.state.containers, identity[Container])
}

// GetAssignment returns an assignment by id.
func (s *Store) GetAssignment(id string) (Assignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.assignments[id]
	return cloneAssignment(a), ok
}

// ListAssignments returns all assignments ordered by id.
func (s *Store) ListAssignments() []Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.state.assignments, cloneAssignment)
}

// ListTransfers returns all transfers ordered by id.
func (s *Store) ListTransfers() []Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.state.transfers, identity[Transfer])
}

// ListPurchases returns all feed purchases ordered by id.
func (s *Store) ListPurchases() []FeedPurchase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.state.purchases, identity[FeedPurchase])
}

// AssignmentIDsForCohorts resolves the assignments belonging to the given cohorts.
func (s *Store) AssignmentIDsForCohorts(cohortIDs []string) []string {
	if len(cohortIDs) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(cohortIDs))
	for _, id := range cohortIDs {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, a := range s.state.assignments {
		if _, ok := want[a.CohortID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
