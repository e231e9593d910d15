package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/progress"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file. Parent directories are created on Init.
	Path string

	// MaxMessagesPerRun bounds the progress messages buffered and stored for
	// one run. Later messages are dropped.
	MaxMessagesPerRun int

	// MinSeverity drops messages below it.
	MinSeverity progress.Severity

	Logger zerolog.Logger
}

// SQLiteStore keeps installation history in SQLite. It is also a
// progress.Sink: messages are buffered per run and written by RecordRun.
type SQLiteStore struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string][]progress.Message
}

var _ HistoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxMessagesPerRun == 0 {
		cfg.MaxMessagesPerRun = 10000
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = progress.SeverityInfo
	}

	return &SQLiteStore{
		config:  cfg,
		logger:  cfg.Logger.With().Str("component", "history").Logger(),
		pending: make(map[string][]progress.Message),
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	path := s.config.Path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database, and the CLI
	// never writes concurrently.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Emit buffers msg until the run it belongs to is recorded.
func (s *SQLiteStore) Emit(msg progress.Message) {
	if msg.RunID == "" || !msg.Severity.AtLeast(s.config.MinSeverity) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending[msg.RunID]) >= s.config.MaxMessagesPerRun {
		return
	}
	s.pending[msg.RunID] = append(s.pending[msg.RunID], msg)
}

func (s *SQLiteStore) takePending(runID string) []progress.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.pending[runID]
	delete(s.pending, runID)
	return msgs
}

// RecordRun implements engine.RunRecorder. The run, its installations and
// its buffered messages are written in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.RunReport) error {
	if report == nil {
		return fmt.Errorf("report is nil")
	}
	messages := s.takePending(report.ID)

	order, err := json.Marshal(report.Order)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, environment, status, started_at, completed_at, duration_ms, interrupted,
			total, complete, already_installed, failed, skipped, install_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.ID,
		report.Environment,
		string(report.Status),
		report.StartedAt.UTC(),
		nullTime(report.CompletedAt),
		report.Duration.Milliseconds(),
		report.Interrupted,
		report.Summary.Total,
		report.Summary.Complete,
		report.Summary.AlreadyInstalled,
		report.Summary.Failed,
		report.Summary.Skipped,
		string(order),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for pos, inst := range report.Packages {
		var exitCode sql.NullInt64
		if out := lastOutcome(inst); out != nil {
			exitCode = sql.NullInt64{Int64: int64(out.ExitCode), Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO installations (
				run_id, position, package, version, phase, reason, exit_code, started_at, duration_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.ID,
			pos,
			inst.Name,
			inst.Version,
			string(inst.Status.Phase),
			inst.Status.Reason,
			exitCode,
			nullTime(inst.StartedAt),
			inst.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert installation %s: %w", inst.Name, err)
		}
	}

	for seq, msg := range messages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (run_id, seq, package, kind, severity, phase, stream, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.ID,
			seq,
			msg.Package,
			string(msg.Kind),
			string(msg.Severity),
			msg.Phase,
			msg.Stream,
			msg.Text,
			msg.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Debug().
		Str("run_id", report.ID).
		Int("packages", len(report.Packages)).
		Int("messages", len(messages)).
		Msg("Run recorded")

	return nil
}

// lastOutcome returns the install outcome, or the check outcome when the
// install never ran.
func lastOutcome(inst *engine.PackageInstallation) *engine.CommandOutcome {
	if inst.Install != nil {
		return inst.Install
	}
	return inst.Check
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

const runColumns = `id, environment, status, started_at, completed_at, duration_ms, interrupted,
	total, complete, already_installed, failed, skipped, install_order`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run         Run
		status      string
		completedAt sql.NullTime
		durationMS  int64
		order       string
	)
	err := row.Scan(
		&run.ID,
		&run.Environment,
		&status,
		&run.StartedAt,
		&completedAt,
		&durationMS,
		&run.Interrupted,
		&run.Summary.Total,
		&run.Summary.Complete,
		&run.Summary.AlreadyInstalled,
		&run.Summary.Failed,
		&run.Summary.Skipped,
		&order,
	)
	if err != nil {
		return nil, err
	}

	run.Status = engine.RunStatus(status)
	run.CompletedAt = timePtr(completedAt)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(order), &run.Order); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID or by a unique ID prefix.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? OR id LIKE ? ESCAPE '\' ORDER BY id = ? DESC LIMIT 2`,
		id, escapeLike(id)+"%", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case runs[0].ID == id || len(runs) == 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run id prefix %s is ambiguous", id)
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListRuns lists the most recent runs, newest first. A limit of zero or
// less returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

const installationColumns = `i.run_id, i.position, i.package, i.version, i.phase, i.reason,
	i.exit_code, i.started_at, i.duration_ms, r.started_at`

func scanInstallation(row scanner) (*Installation, error) {
	var (
		inst       Installation
		phase      string
		exitCode   sql.NullInt64
		startedAt  sql.NullTime
		durationMS int64
	)
	err := row.Scan(
		&inst.RunID,
		&inst.Position,
		&inst.Package,
		&inst.Version,
		&phase,
		&inst.Reason,
		&exitCode,
		&startedAt,
		&durationMS,
		&inst.RunStartedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Phase = engine.Phase(phase)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		inst.ExitCode = &code
	}
	inst.StartedAt = timePtr(startedAt)
	inst.Duration = time.Duration(durationMS) * time.Millisecond
	return &inst, nil
}

// ListInstallations returns the packages of a run in installation order.
func (s *SQLiteStore) ListInstallations(ctx context.Context, runID string) ([]*Installation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+installationColumns+`
		FROM installations i JOIN runs r ON r.id = i.run_id
		WHERE i.run_id = ?
		ORDER BY i.position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	defer rows.Close()

	installs := []*Installation{}
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		installs = append(installs, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating installations: %w", err)
	}

	return installs, nil
}

// LastInstallation returns the most recent record of pkg that did not end
// Skipped.
func (s *SQLiteStore) LastInstallation(ctx context.Context, pkg string) (*Installation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+installationColumns+`
		FROM installations i JOIN runs r ON r.id = i.run_id
		WHERE i.package = ? AND i.phase != ?
		ORDER BY r.started_at DESC
		LIMIT 1
	`, pkg, string(engine.PhaseSkipped))

	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("installation of %s: %w", pkg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	return inst, nil
}

// ListMessages returns the stored messages of a run in emission order.
func (s *SQLiteStore) ListMessages(ctx context.Context, runID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, package, kind, severity, phase, stream, text, created_at
		FROM messages
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var (
			msg            Message
			kind, severity string
		)
		if err := rows.Scan(&msg.RunID, &msg.Seq, &msg.Package, &kind, &severity,
			&msg.Phase, &msg.Stream, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Kind = progress.Kind(kind)
		msg.Severity = progress.Severity(severity)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// PruneRuns deletes all but the keep most recent runs and returns how many
// were deleted. Installations and messages go with their run.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
