// Package ledger keeps a SQLite record of every contribution merged into a
// job's composite, one row per (run, worker).
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fieldweaver/internal/coord"
	"fieldweaver/internal/field"
)

//go:embed schema.sql
var schema string

// Entry is one stored contribution.
type Entry struct {
	ID             int64
	RunID          string
	Job            string
	WorkerID       int
	Role           field.TaskRole
	Weight         float64
	Particles      int
	DescriptorHash field.DescriptorHash
	CreatedAt      time.Time
}

// RunSummary aggregates the contributions of one run.
type RunSummary struct {
	RunID         string
	Job           string
	Contributions int
	Particles     int
	Weight        float64
	HasIdeal      bool
}

type Ledger struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{sqlDB: sqlDB}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.sqlDB == nil {
		return nil
	}
	return l.sqlDB.Close()
}

// Record stores c under runID. Recording the same worker twice for one run
// is an error.
func (l *Ledger) Record(ctx context.Context, runID string, c coord.Contribution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l == nil || l.sqlDB == nil {
		return fmt.Errorf("ledger is not open")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(c.Job) == "" {
		return fmt.Errorf("job is required")
	}
	if c.WorkerID < 0 {
		return fmt.Errorf("worker id must be >= 0")
	}
	now := time.Now().UTC()
	if l.now != nil {
		now = l.now()
	}

	_, err := l.sqlDB.ExecContext(ctx, `
INSERT INTO contributions (
	run_id,
	job,
	worker_id,
	role,
	weight,
	particles,
	descriptor_hash,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		runID,
		c.Job,
		c.WorkerID,
		string(c.Role),
		c.Weight,
		c.Particles,
		string(c.DescriptorHash),
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record contribution: %w", err)
	}
	return nil
}

// ForRun binds the ledger to one run so a Coordinator can log into it.
func (l *Ledger) ForRun(runID string) coord.ContributionLog {
	return runLog{ledger: l, runID: runID}
}

type runLog struct {
	ledger *Ledger
	runID  string
}

func (r runLog) RecordContribution(ctx context.Context, c coord.Contribution) error {
	return r.ledger.Record(ctx, r.runID, c)
}

// List returns the contributions of job ordered by run then worker id.
func (l *Ledger) List(ctx context.Context, job string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l == nil || l.sqlDB == nil {
		return nil, fmt.Errorf("ledger is not open")
	}
	rows, err := l.sqlDB.QueryContext(ctx, `
SELECT
	id,
	run_id,
	job,
	worker_id,
	role,
	weight,
	particles,
	descriptor_hash,
	created_at
FROM contributions
WHERE job = ?
ORDER BY run_id, worker_id
`, job)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var role, hash string
		var createdAt int64
		if err := rows.Scan(
			&e.ID,
			&e.RunID,
			&e.Job,
			&e.WorkerID,
			&role,
			&e.Weight,
			&e.Particles,
			&hash,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		e.Role = field.TaskRole(role)
		e.DescriptorHash = field.DescriptorHash(hash)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributions: %w", err)
	}
	return out, nil
}

// Summaries aggregates every run in the ledger, ordered by job then run id.
// The weight is summed by SQLite and is informational only.
func (l *Ledger) Summaries(ctx context.Context) ([]RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l == nil || l.sqlDB == nil {
		return nil, fmt.Errorf("ledger is not open")
	}
	rows, err := l.sqlDB.QueryContext(ctx, `
SELECT
	run_id,
	job,
	COUNT(*),
	SUM(particles),
	SUM(weight),
	MAX(CASE WHEN role = 'ideal' THEN 1 ELSE 0 END)
FROM contributions
GROUP BY job, run_id
ORDER BY job, run_id
`)
	if err != nil {
		return nil, fmt.Errorf("summarize contributions: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var ideal int
		if err := rows.Scan(&s.RunID, &s.Job, &s.Contributions, &s.Particles, &s.Weight, &ideal); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.HasIdeal = ideal == 1
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}
