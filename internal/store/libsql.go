package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// archiveSchemaVersion is stored in PRAGMA user_version once archive.sql
// has been applied. Bump it together with any change to the script.
const archiveSchemaVersion = 1

//go:embed sql/archive.sql
var archiveSchema string

// LibSQLArchive implements Archive using libSQL (embedded SQLite fork).
type LibSQLArchive struct {
	db *sql.DB
}

// NewLibSQLArchive opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/deflow.db".
func NewLibSQLArchive(dbPath string) (*LibSQLArchive, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLArchive{db: db}, nil
}

// Close closes the database.
func (a *LibSQLArchive) Close() error { return a.db.Close() }

// Migrate creates the archive tables when the database predates
// archiveSchemaVersion. A database written by a newer build is rejected.
func (a *LibSQLArchive) Migrate(ctx context.Context) error {
	var current int
	if err := a.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read archive schema version: %w", err)
	}
	switch {
	case current == archiveSchemaVersion:
		return nil
	case current > archiveSchemaVersion:
		return schema.NewErrorf(schema.ErrCodeStore,
			"archive schema version %d is newer than supported version %d", current, archiveSchemaVersion)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive schema: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaStatements(archiveSchema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply archive schema: %w", err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", archiveSchemaVersion)); err != nil {
		return fmt.Errorf("record archive schema version: %w", err)
	}
	return tx.Commit()
}

// schemaStatements drops "--" comment lines from script and returns its
// non-empty ";"-terminated statements.
func schemaStatements(script string) []string {
	var b strings.Builder
	for line := range strings.Lines(script) {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
	}
	var stmts []string
	for stmt := range strings.SplitSeq(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// Save writes exec and its logs, replacing any previous copy.
func (a *LibSQLArchive) Save(ctx context.Context, exec *schema.WorkflowExecution, logs []schema.ExecutionLog) error {
	metadata, err := marshalMetadata(exec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin archive", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM execution_logs WHERE execution_id = ?`,
		`DELETE FROM node_executions WHERE execution_id = ?`,
		`DELETE FROM executions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, exec.ID); err != nil {
			return storeError("clear previous archive", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, user_id, status, started_at, completed_at, duration_ms, error_message, trigger_data, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, nullStr(exec.UserID), string(exec.Status),
		exec.StartedAt.UTC(), nullTime(exec.CompletedAt), exec.Duration,
		nullStr(exec.ErrorMessage), nullRaw(exec.TriggerData), metadata,
	); err != nil {
		return storeError("insert execution", err)
	}

	for i, ne := range exec.NodeExecutions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_executions (id, execution_id, seq, node_id, node_type, status, started_at, completed_at, input_data, output_data, error_message, duration_ms, execution_fee, degraded)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ne.ID, exec.ID, i, ne.NodeID, ne.NodeType, string(ne.Status),
			ne.StartedAt.UTC(), nullTime(ne.CompletedAt), nullRaw(ne.InputData), nullRaw(ne.OutputData),
			nullStr(ne.ErrorMessage), ne.Duration, ne.Fee, boolInt(ne.Degraded),
		); err != nil {
			return storeError("insert node execution", err)
		}
	}

	for i, l := range logs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO execution_logs (execution_id, seq, timestamp, level, message, node_id, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			exec.ID, i, l.Timestamp.UTC(), string(l.Level), l.Message, nullStr(l.NodeID), nullRaw(l.Data),
		); err != nil {
			return storeError("insert log", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit archive", err)
	}
	return nil
}

func (a *LibSQLArchive) Get(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	rows, err := a.db.QueryContext(ctx, selectExecutions+` WHERE id = ?`, id)
	if err != nil {
		return nil, storeError("query execution", err)
	}
	execs, err := a.scanExecutions(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, storeNotFound("execution", id)
	}
	return execs[0], nil
}

func (a *LibSQLArchive) ListByWorkflow(ctx context.Context, workflowID string) ([]*schema.WorkflowExecution, error) {
	rows, err := a.db.QueryContext(ctx, selectExecutions+` WHERE workflow_id = ? ORDER BY started_at, id`, workflowID)
	if err != nil {
		return nil, storeError("query executions", err)
	}
	return a.scanExecutions(ctx, rows)
}

func (a *LibSQLArchive) Logs(ctx context.Context, id string) ([]schema.ExecutionLog, error) {
	var exists int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM executions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, storeError("query execution", err)
	}
	if exists == 0 {
		return nil, storeNotFound("execution", id)
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT timestamp, level, message, node_id, data FROM execution_logs WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, storeError("query logs", err)
	}
	defer rows.Close()

	logs := []schema.ExecutionLog{}
	for rows.Next() {
		var (
			l      schema.ExecutionLog
			level  string
			nodeID sql.NullString
			data   sql.NullString
		)
		if err := rows.Scan(&l.Timestamp, &level, &l.Message, &nodeID, &data); err != nil {
			return nil, storeError("scan log", err)
		}
		l.Level = schema.LogLevel(level)
		l.NodeID = nodeID.String
		l.Data = rawOrNil(data)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (a *LibSQLArchive) Clear(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM execution_logs`,
		`DELETE FROM node_executions`,
		`DELETE FROM executions`,
	} {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return storeError("clear archive", err)
		}
	}
	return nil
}

// Vacuum runs VACUUM on the database.
func (a *LibSQLArchive) Vacuum(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, "VACUUM")
	return err
}

const selectExecutions = `SELECT id, workflow_id, user_id, status, started_at, completed_at, duration_ms, error_message, trigger_data, metadata FROM executions`

func (a *LibSQLArchive) scanExecutions(ctx context.Context, rows *sql.Rows) ([]*schema.WorkflowExecution, error) {
	var execs []*schema.WorkflowExecution
	for rows.Next() {
		var (
			e                     schema.WorkflowExecution
			status                string
			userID, errMsg        sql.NullString
			triggerData, metadata sql.NullString
			completedAt           sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.WorkflowID, &userID, &status, &e.StartedAt, &completedAt,
			&e.Duration, &errMsg, &triggerData, &metadata); err != nil {
			rows.Close()
			return nil, storeError("scan execution", err)
		}
		e.Status = schema.ExecutionStatus(status)
		e.UserID = userID.String
		e.ErrorMessage = errMsg.String
		e.TriggerData = rawOrNil(triggerData)
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		if metadata.Valid && metadata.String != "" {
			if err := xjson.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				rows.Close()
				return nil, storeError("decode metadata", err)
			}
		}
		execs = append(execs, &e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storeError("iterate executions", err)
	}
	rows.Close()

	for _, e := range execs {
		nodes, err := a.nodeExecutions(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		e.NodeExecutions = nodes
	}
	return execs, nil
}

func (a *LibSQLArchive) nodeExecutions(ctx context.Context, executionID string) ([]*schema.NodeExecution, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, node_id, node_type, status, started_at, completed_at, input_data, output_data, error_message, duration_ms, execution_fee, degraded
		 FROM node_executions WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, storeError("query node executions", err)
	}
	defer rows.Close()

	out := []*schema.NodeExecution{}
	for rows.Next() {
		var (
			ne            schema.NodeExecution
			status        string
			completedAt   sql.NullTime
			input, output sql.NullString
			errMsg        sql.NullString
			degraded      int
		)
		if err := rows.Scan(&ne.ID, &ne.NodeID, &ne.NodeType, &status, &ne.StartedAt, &completedAt,
			&input, &output, &errMsg, &ne.Duration, &ne.Fee, &degraded); err != nil {
			return nil, storeError("scan node execution", err)
		}
		ne.ExecutionID = executionID
		ne.Status = schema.ExecutionStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			ne.CompletedAt = &t
		}
		ne.InputData = rawOrNil(input)
		ne.OutputData = rawOrNil(output)
		ne.ErrorMessage = errMsg.String
		ne.Degraded = degraded != 0
		out = append(out, &ne)
	}
	return out, rows.Err()
}

func storeError(op string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := xjson.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Archive = (*LibSQLArchive)(nil)
