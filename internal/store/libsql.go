package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/execgraph/pkg/schema"
)

// nodePageSize bounds how many node executions are held in memory per page.
const nodePageSize = 500

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db      *sql.DB
	replica *sql.DB
	now     func() time.Time
}

// Option configures a LibSQLStore.
type Option func(*LibSQLStore) error

// WithReadReplica opens a second handle used for secondary reads.
func WithReadReplica(dbPath string) Option {
	return func(s *LibSQLStore) error {
		db, err := openLibSQL(dbPath)
		if err != nil {
			return fmt.Errorf("open replica: %w", err)
		}
		s.replica = db
		return nil
	}
}

// WithClock overrides the wall clock used for cache expiry and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *LibSQLStore) error {
		s.now = now
		return nil
	}
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string, opts ...Option) (*LibSQLStore, error) {
	db, err := openLibSQL(dbPath)
	if err != nil {
		return nil, err
	}
	s := &LibSQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func openLibSQL(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which the event log relies on.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return db, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. lock leases).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database and the replica handle, if any.
func (s *LibSQLStore) Close() error {
	if s.replica != nil {
		_ = s.replica.Close()
	}
	return s.db.Close()
}

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *LibSQLStore) reader() *sql.DB {
	if s.replica != nil {
		return s.replica
	}
	return s.db
}

func (s *LibSQLStore) nowMillis() int64 { return s.now().UnixMilli() }

// --- Orchestration event log ---

// AppendEvent stores the event with a creation time strictly greater than the
// previous entry of the same execution. A preset CreatedAt is honored when it
// already satisfies that constraint.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *OrchestrationEventLog) error {
	if event.PlanExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event requires a plan execution id")
	}
	if !event.EventType.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown event type %q", event.EventType)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM orchestration_event_logs WHERE plan_execution_id = ?`,
		event.PlanExecutionID,
	).Scan(&last); err != nil {
		return fmt.Errorf("read last created_at: %w", err)
	}

	ts := event.CreatedAt
	if ts == 0 {
		ts = s.nowMillis()
	}
	if ts <= last {
		ts = last + 1
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO orchestration_event_logs (plan_execution_id, node_execution_id, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.PlanExecutionID, nullStr(event.NodeExecutionID), string(event.EventType), nullRaw(event.Payload), ts,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.ID = id
	event.CreatedAt = ts
	return nil
}

func (s *LibSQLStore) FindUnprocessedEvents(ctx context.Context, planExecutionID string, since int64, limit int) ([]*OrchestrationEventLog, error) {
	query := `SELECT id, plan_execution_id, node_execution_id, event_type, payload, created_at
		 FROM orchestration_event_logs WHERE plan_execution_id = ? AND created_at > ? ORDER BY created_at ASC`
	args := []any{planExecutionID, since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*OrchestrationEventLog
	for rows.Next() {
		e := &OrchestrationEventLog{}
		var nodeID, payload sql.NullString
		var eventType string
		if err := rows.Scan(&e.ID, &e.PlanExecutionID, &nodeID, &eventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.NodeExecutionID = nodeID.String
		e.EventType = schema.EventType(eventType)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *LibSQLStore) CheckIfAnyUnprocessedEvents(ctx context.Context, planExecutionID string, since int64) (bool, error) {
	var exists int
	err := s.reader().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM orchestration_event_logs WHERE plan_execution_id = ? AND created_at > ?)`,
		planExecutionID, since,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}

func (s *LibSQLStore) DeleteAllOrchestrationLogEvents(ctx context.Context, planExecutionIDs []string) error {
	if len(planExecutionIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM orchestration_event_logs WHERE plan_execution_id IN (`+placeholders(len(planExecutionIDs))+`)`,
		stringArgs(planExecutionIDs)...,
	)
	return err
}

// --- Node executions ---

func (s *LibSQLStore) UpsertNodeExecution(ctx context.Context, node *schema.NodeExecution) error {
	if node.ID == "" || node.PlanExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "node execution requires id and plan execution id")
	}
	body, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, plan_execution_id, parent_id, previous_id, setup_node_id, old_retry, start_ts, body, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET parent_id=excluded.parent_id, previous_id=excluded.previous_id,
		   setup_node_id=excluded.setup_node_id, old_retry=excluded.old_retry, start_ts=excluded.start_ts,
		   body=excluded.body, updated_at=CURRENT_TIMESTAMP`,
		node.ID, node.PlanExecutionID, nullStr(node.ParentID), nullStr(node.PreviousID), nullStr(node.SetupNodeID),
		boolInt(node.OldRetry), node.StartTs, string(body),
	)
	return err
}

func (s *LibSQLStore) GetNodeExecution(ctx context.Context, id string) (*schema.NodeExecution, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM node_executions WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node execution", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeNode(body)
}

// FetchNodeExecutionsWithoutOldRetries pages by id. Each page is read fully
// before yielding so the single connection is free while the caller works.
func (s *LibSQLStore) FetchNodeExecutionsWithoutOldRetries(ctx context.Context, planExecutionID string) iter.Seq2[*schema.NodeExecution, error] {
	return func(yield func(*schema.NodeExecution, error) bool) {
		after := ""
		for {
			page, err := s.nodePage(ctx, planExecutionID, after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, n := range page {
				if !yield(n, nil) {
					return
				}
			}
			if len(page) < nodePageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *LibSQLStore) nodePage(ctx context.Context, planExecutionID, after string) ([]*schema.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM node_executions
		 WHERE plan_execution_id = ? AND old_retry = 0 AND id > ?
		 ORDER BY id LIMIT ?`,
		planExecutionID, after, nodePageSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *LibSQLStore) FindNodeExecutionsBySetupID(ctx context.Context, planExecutionID, setupNodeID string) ([]*schema.NodeExecution, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT body FROM node_executions
		 WHERE plan_execution_id = ? AND setup_node_id = ? AND old_retry = 0 ORDER BY start_ts, id`,
		planExecutionID, setupNodeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]*schema.NodeExecution, error) {
	var nodes []*schema.NodeExecution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		n, err := decodeNode(body)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func decodeNode(body string) (*schema.NodeExecution, error) {
	n := &schema.NodeExecution{}
	if err := json.Unmarshal([]byte(body), n); err != nil {
		return nil, fmt.Errorf("unmarshal node execution: %w", err)
	}
	return n, nil
}

// --- Plan executions ---

func (s *LibSQLStore) UpsertPlanExecution(ctx context.Context, plan *PlanExecution) error {
	if plan.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "plan execution requires an id")
	}
	lastUpdated := plan.LastUpdatedAt
	if lastUpdated == 0 {
		lastUpdated = s.nowMillis()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_executions (id, pipeline_identifier, status, start_ts, end_ts, last_updated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET pipeline_identifier=excluded.pipeline_identifier, status=excluded.status,
		   start_ts=excluded.start_ts, end_ts=excluded.end_ts, last_updated_at=excluded.last_updated_at`,
		plan.ID, nullStr(plan.PipelineIdentifier), string(plan.Status), plan.StartTs, plan.EndTs, lastUpdated,
		timeOrNow(plan.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error) {
	p := &PlanExecution{}
	var pipeline sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_identifier, status, start_ts, end_ts, last_updated_at, created_at FROM plan_executions WHERE id = ?`, id,
	).Scan(&p.ID, &pipeline, &status, &p.StartTs, &p.EndTs, &p.LastUpdatedAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plan execution", id)
	}
	if err != nil {
		return nil, err
	}
	p.PipelineIdentifier = pipeline.String
	p.Status = schema.Status(status)
	return p, nil
}

// --- Graph cache ---

func (s *LibSQLStore) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	return s.getCacheEntry(ctx, s.db, key)
}

func (s *LibSQLStore) GetCacheEntryFromSecondary(ctx context.Context, key string) (*CacheEntry, error) {
	return s.getCacheEntry(ctx, s.reader(), key)
}

func (s *LibSQLStore) getCacheEntry(ctx context.Context, db *sql.DB, key string) (*CacheEntry, error) {
	e := &CacheEntry{Key: key}
	var expires, updated int64
	err := db.QueryRowContext(ctx,
		`SELECT value, watermark, expires_at, updated_at FROM graph_cache WHERE cache_key = ? AND expires_at > ?`,
		key, s.nowMillis(),
	).Scan(&e.Value, &e.Watermark, &expires, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.ExpiresAt = time.UnixMilli(expires)
	e.UpdatedAt = time.UnixMilli(updated)
	return e, nil
}

func (s *LibSQLStore) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO graph_cache (cache_key, value, watermark, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET value=excluded.value, watermark=excluded.watermark,
		   expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		entry.Key, entry.Value, entry.Watermark, entry.ExpiresAt.UnixMilli(), s.nowMillis(),
	)
	return err
}

// PutCacheEntryIfNewer treats an expired row as absent.
func (s *LibSQLStore) PutCacheEntryIfNewer(ctx context.Context, entry *CacheEntry) (bool, error) {
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO graph_cache (cache_key, value, watermark, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET value=excluded.value, watermark=excluded.watermark,
		   expires_at=excluded.expires_at, updated_at=excluded.updated_at
		 WHERE graph_cache.watermark <= excluded.watermark OR graph_cache.expires_at <= ?`,
		entry.Key, entry.Value, entry.Watermark, entry.ExpiresAt.UnixMilli(), now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) DeleteCacheEntries(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM graph_cache WHERE cache_key IN (`+placeholders(len(keys))+`)`,
		stringArgs(keys)...,
	)
	return err
}

// --- Execution summaries ---

func (s *LibSQLStore) CreateSummary(ctx context.Context, summary *PipelineExecutionSummary) error {
	if summary.PlanExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "summary requires a plan execution id")
	}
	summary.CreatedAt = timeOrNow(summary.CreatedAt)
	if summary.InternalStatus != "" {
		summary.Status = schema.ExecutionStatusFor(summary.InternalStatus)
	}
	doc, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_summaries (plan_execution_id, pipeline_identifier, internal_status, status, start_ts, end_ts, doc, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.PlanExecutionID, nullStr(summary.PipelineIdentifier), nullStr(string(summary.InternalStatus)),
		nullStr(string(summary.Status)), summary.StartTs, summary.EndTs, string(doc), summary.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "summary %q already exists", summary.PlanExecutionID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetSummary(ctx context.Context, planExecutionID string) (*PipelineExecutionSummary, error) {
	var doc string
	err := s.reader().QueryRowContext(ctx,
		`SELECT doc FROM execution_summaries WHERE plan_execution_id = ?`, planExecutionID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution summary", planExecutionID)
	}
	if err != nil {
		return nil, err
	}
	return decodeSummary(doc)
}

// UpdateSummary applies the assignments to the stored document inside one
// transaction. Only the assigned paths change; the mirror columns follow.
func (s *LibSQLStore) UpdateSummary(ctx context.Context, planExecutionID string, update *SummaryUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM execution_summaries WHERE plan_execution_id = ?`, planExecutionID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return storeNotFound("execution summary", planExecutionID)
	}
	if err != nil {
		return err
	}

	doc := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("unmarshal summary doc: %w", err)
	}
	var applyErr error
	update.each(func(path []string, value any) {
		if applyErr == nil {
			applyErr = setPath(doc, path, value)
		}
	})
	if applyErr != nil {
		return applyErr
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal summary doc: %w", err)
	}
	summary, err := decodeSummary(string(out))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE execution_summaries SET doc = ?, internal_status = ?, status = ?, start_ts = ?, end_ts = ?,
		   pipeline_identifier = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE plan_execution_id = ?`,
		string(out), nullStr(string(summary.InternalStatus)), nullStr(string(summary.EffectiveStatus())),
		summary.StartTs, summary.EndTs, nullStr(summary.PipelineIdentifier), planExecutionID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListSummaries(ctx context.Context, filter SummaryFilter) ([]*PipelineExecutionSummary, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PipelineIdentifier != "" {
		where = append(where, "pipeline_identifier = ?")
		args = append(args, filter.PipelineIdentifier)
	}
	if filter.NonFinalOnly {
		finals := finalExecutionStatuses()
		where = append(where, "(status IS NULL OR status NOT IN ("+placeholders(len(finals))+"))")
		args = append(args, stringArgs(finals)...)
	}
	if filter.EndedBefore > 0 {
		where = append(where, "end_ts > 0 AND end_ts < ?")
		args = append(args, filter.EndedBefore)
	}
	if filter.EndedAfter > 0 {
		where = append(where, "end_ts >= ?")
		args = append(args, filter.EndedAfter)
	}

	query := "SELECT doc FROM execution_summaries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_ts DESC, plan_execution_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*PipelineExecutionSummary
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		sum, err := decodeSummary(doc)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

func decodeSummary(doc string) (*PipelineExecutionSummary, error) {
	sum := &PipelineExecutionSummary{}
	if err := json.Unmarshal([]byte(doc), sum); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return sum, nil
}

func finalExecutionStatuses() []string {
	var out []string
	for _, st := range []schema.Status{
		schema.StatusSucceeded, schema.StatusFailed, schema.StatusErrored, schema.StatusAborted,
		schema.StatusExpired, schema.StatusSkipped, schema.StatusIgnoreFailed, schema.StatusSuspended,
		schema.StatusApprovalRejected,
	} {
		out = append(out, string(schema.ExecutionStatusFor(st)))
	}
	return out
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.GraphError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
