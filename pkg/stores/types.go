package stores

import (
	"context"
	"errors"
	"time"

	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/progress"
)

// ErrNotFound is returned when a run or installation does not exist.
var ErrNotFound = errors.New("not found")

// Run is the stored summary of one installation run.
type Run struct {
	ID          string            `json:"id"`
	Environment string            `json:"environment"`
	Status      engine.RunStatus  `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"duration"`
	Interrupted bool              `json:"interrupted"`
	Summary     engine.RunSummary `json:"summary"`
	Order       []string          `json:"order"`
}

// Installation is the stored final status of one package in one run.
type Installation struct {
	RunID     string        `json:"run_id"`
	Position  int           `json:"position"`
	Package   string        `json:"package"`
	Version   string        `json:"version"`
	Phase     engine.Phase  `json:"phase"`
	Reason    string        `json:"reason,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration"`

	// RunStartedAt is filled by LastInstallation.
	RunStartedAt time.Time `json:"run_started_at,omitempty"`
}

// Status returns the installation status the row was recorded with.
func (i *Installation) Status() engine.InstallationStatus {
	return engine.InstallationStatus{Phase: i.Phase, Reason: i.Reason}
}

// Message is a stored progress message.
type Message struct {
	RunID     string            `json:"run_id"`
	Seq       int               `json:"seq"`
	Package   string            `json:"package,omitempty"`
	Kind      progress.Kind     `json:"kind"`
	Severity  progress.Severity `json:"severity"`
	Phase     string            `json:"phase,omitempty"`
	Stream    string            `json:"stream,omitempty"`
	Text      string            `json:"text"`
	CreatedAt time.Time         `json:"created_at"`
}

// HistoryStore persists installation history.
type HistoryStore interface {
	engine.RunRecorder
	progress.Sink

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	ListInstallations(ctx context.Context, runID string) ([]*Installation, error)
	ListMessages(ctx context.Context, runID string) ([]*Message, error)
	LastInstallation(ctx context.Context, pkg string) (*Installation, error)
	PruneRuns(ctx context.Context, keep int) (int64, error)
}
