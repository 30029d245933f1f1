package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateCohort(Cohort) (Cohort, error)
	UpdateCohort(id string, mutator func(*Cohort) error) (Cohort, error)
	CreateContainer(Container) (Container, error)
	CreateAssignment(Assignment) (Assignment, error)
	UpdateAssignment(id string, mutator func(*Assignment) error) (Assignment, error)
	CreateTransfer(Transfer) (Transfer, error)
	CreatePurchase(FeedPurchase) (FeedPurchase, error)
	FindCohort(id string) (Cohort, bool)
	FindContainer(id string) (Container, bool)
	FindAssignment(id string) (Assignment, bool)
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	RuleView
	ListPurchases() []FeedPurchase
	// OpenAssignments returns the open assignments hosted by a container.
	OpenAssignments(containerID string) []Assignment
}

// PersistentStore is the durable sink the engine writes to. Entity state is
// transactional and rule-checked; facts are append-only and bypass the rules
// engine so that tens of thousands of rows per day stay cheap.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetCohort(id string) (Cohort, bool)
	ListCohorts() []Cohort
	GetContainer(id string) (Container, bool)
	ListContainers() []Container
	GetAssignment(id string) (Assignment, bool)
	ListAssignments() []Assignment
	ListTransfers() []Transfer
	ListPurchases() []FeedPurchase

	// AppendFacts inserts facts, ignoring ids that already exist.
	AppendFacts(ctx context.Context, facts []Fact) error
	ListFacts(ctx context.Context, filter FactFilter) ([]Fact, error)
	FactStats(ctx context.Context, filter FactFilter) (FactStats, error)
	DeleteFacts(ctx context.Context, filter FactFilter) (int64, error)

	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID string) (Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context, runID string) ([]CheckpointInfo, error)

	// Rewind discards everything the run wrote after cp.Date and restores
	// the cohorts and open assignments captured in cp.
	Rewind(ctx context.Context, cp Checkpoint) error
	Close() error
}
