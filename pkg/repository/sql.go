package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/device"
)

// SQL is a Repository backed by database/sql. Complex fields are stored
// as JSON text columns; the dialect only affects placeholders and
// upsert syntax.
type SQL struct {
	db      *sql.DB
	dialect string
}

const (
	createDevicesTableSQL = `
CREATE TABLE IF NOT EXISTS devices (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    kind VARCHAR(255),
    endpoint_json TEXT NOT NULL,
    tools_json TEXT,
    keywords_json TEXT,
    system_prompt TEXT,
    liveness VARCHAR(16) NOT NULL,
    last_seen TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(255) PRIMARY KEY,
    context_id VARCHAR(255) NOT NULL,
    state VARCHAR(32) NOT NULL,
    status_json TEXT NOT NULL,
    history_json TEXT,
    artifacts_json TEXT,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	createTasksContextIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_context_id ON tasks(context_id)`

	createTasksUpdatedIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at)`

	createPushConfigsTableSQL = `
CREATE TABLE IF NOT EXISTS push_configs (
    task_id VARCHAR(255) NOT NULL,
    config_id VARCHAR(255) NOT NULL,
    config_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (task_id, config_id)
)`

	createWatermarksTableSQL = `
CREATE TABLE IF NOT EXISTS scan_watermarks (
    device_id VARCHAR(255) PRIMARY KEY,
    seq BIGINT NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	createEndpointsTableSQL = `
CREATE TABLE IF NOT EXISTS agent_endpoints (
    agent_id VARCHAR(255) PRIMARY KEY,
    url TEXT NOT NULL,
    tags_json TEXT,
    auth_ref VARCHAR(255),
    enabled BOOLEAN NOT NULL,
    last_success TIMESTAMP NULL
)`
)

// NewSQL opens a SQL repository and initializes its schema.
func NewSQL(dialect, dsn string) (*SQL, error) {
	normalized := dialect
	if dialect == "sqlite" {
		normalized = "sqlite3"
	}
	switch normalized {
	case "sqlite3", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}

	db, err := sql.Open(normalized, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQL{db: db, dialect: normalized}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQL) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Separate statements for SQLite compatibility.
	statements := []string{
		createDevicesTableSQL,
		createTasksTableSQL,
		createTasksContextIndexSQL,
		createTasksUpdatedIndexSQL,
		createPushConfigsTableSQL,
		createWatermarksTableSQL,
		createEndpointsTableSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// upsert builds an insert statement that updates the given columns on
// primary key conflict.
func (s *SQL) upsert(table string, columns []string, conflictKeys []string, updateColumns []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)

	var b strings.Builder
	b.WriteString(insert)
	switch s.dialect {
	case "mysql":
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		for i, col := range updateColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = VALUES(%s)", col, col)
		}
	default:
		// sqlite (3.24+) and postgres share ON CONFLICT syntax
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(conflictKeys, ", "))
		for i, col := range updateColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = excluded.%s", col, col)
		}
	}
	return s.rebind(b.String())
}

// ----------------------------------------------------------------------------
// Devices
// ----------------------------------------------------------------------------

func (s *SQL) SaveDevice(ctx context.Context, d *device.Device) error {
	endpointJSON, err := json.Marshal(d.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint: %w", err)
	}
	toolsJSON, err := json.Marshal(d.Tools)
	if err != nil {
		return fmt.Errorf("failed to marshal tools: %w", err)
	}
	keywordsJSON, err := json.Marshal(d.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	query := s.upsert("devices",
		[]string{"id", "name", "kind", "endpoint_json", "tools_json", "keywords_json", "system_prompt", "liveness", "last_seen", "created_at", "updated_at"},
		[]string{"id"},
		[]string{"name", "kind", "endpoint_json", "tools_json", "keywords_json", "system_prompt", "liveness", "last_seen", "updated_at"},
	)
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.Name, d.Kind, string(endpointJSON), string(toolsJSON), string(keywordsJSON),
		d.SystemPrompt, string(d.Liveness), d.LastSeen, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

func (s *SQL) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	query := s.rebind(`
SELECT id, name, kind, endpoint_json, tools_json, keywords_json, system_prompt, liveness, last_seen, created_at, updated_at
FROM devices WHERE id = ?`)

	d, err := scanDevice(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return d, nil
}

func (s *SQL) ListDevices(ctx context.Context) ([]*device.Device, error) {
	query := `
SELECT id, name, kind, endpoint_json, tools_json, keywords_json, system_prompt, liveness, last_seen, created_at, updated_at
FROM devices ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var out []*device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteDevice(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM devices WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*device.Device, error) {
	var d device.Device
	var endpointJSON, toolsJSON, keywordsJSON, liveness string
	if err := row.Scan(&d.ID, &d.Name, &d.Kind, &endpointJSON, &toolsJSON, &keywordsJSON,
		&d.SystemPrompt, &liveness, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(endpointJSON), &d.Endpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal endpoint: %w", err)
	}
	if toolsJSON != "" {
		if err := json.Unmarshal([]byte(toolsJSON), &d.Tools); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
		}
	}
	if keywordsJSON != "" {
		if err := json.Unmarshal([]byte(keywordsJSON), &d.Keywords); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keywords: %w", err)
		}
	}
	d.Liveness = device.Liveness(liveness)
	return &d, nil
}

// ----------------------------------------------------------------------------
// Tasks
// ----------------------------------------------------------------------------

func (s *SQL) SaveTask(ctx context.Context, t *a2a.Task) error {
	statusJSON, err := json.Marshal(t.Status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	historyJSON, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	artifactsJSON, err := json.Marshal(t.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	query := s.upsert("tasks",
		[]string{"id", "context_id", "state", "status_json", "history_json", "artifacts_json", "metadata_json", "created_at", "updated_at"},
		[]string{"id"},
		[]string{"context_id", "state", "status_json", "history_json", "artifacts_json", "metadata_json", "updated_at"},
	)
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.ContextID, string(t.Status.State), string(statusJSON), string(historyJSON),
		string(artifactsJSON), string(metadataJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *SQL) GetTask(ctx context.Context, id string) (*a2a.Task, error) {
	query := s.rebind(`
SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json
FROM tasks WHERE id = ?`)

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

func (s *SQL) ListTasks(ctx context.Context, filter TaskFilter) ([]*a2a.Task, error) {
	query := `
SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json
FROM tasks`
	var conds []string
	var args []any
	if filter.ContextID != "" {
		conds = append(conds, "context_id = ?")
		args = append(args, filter.ContextID)
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []*a2a.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*a2a.Task, error) {
	t := &a2a.Task{Kind: a2a.KindTask}
	var statusJSON, historyJSON, artifactsJSON, metadataJSON string
	if err := row.Scan(&t.ID, &t.ContextID, &statusJSON, &historyJSON, &artifactsJSON, &metadataJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(statusJSON), &t.Status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	if historyJSON != "" && historyJSON != "null" {
		if err := json.Unmarshal([]byte(historyJSON), &t.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}
	if artifactsJSON != "" && artifactsJSON != "null" {
		if err := json.Unmarshal([]byte(artifactsJSON), &t.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	if metadataJSON != "" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return t, nil
}

// ----------------------------------------------------------------------------
// Push configs
// ----------------------------------------------------------------------------

func (s *SQL) SavePushConfig(ctx context.Context, taskID string, cfg a2a.PushNotificationConfig) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal push config: %w", err)
	}

	query := s.upsert("push_configs",
		[]string{"task_id", "config_id", "config_json", "created_at"},
		[]string{"task_id", "config_id"},
		[]string{"config_json"},
	)
	if _, err := s.db.ExecContext(ctx, query, taskID, cfg.ID, string(configJSON), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save push config: %w", err)
	}
	return nil
}

func (s *SQL) GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.PushNotificationConfig, error) {
	query := s.rebind(`SELECT config_json FROM push_configs WHERE task_id = ? AND config_id = ?`)

	var configJSON string
	err := s.db.QueryRowContext(ctx, query, taskID, configID).Scan(&configJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("push config %s/%s: %w", taskID, configID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query push config: %w", err)
	}

	var cfg a2a.PushNotificationConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push config: %w", err)
	}
	return &cfg, nil
}

func (s *SQL) ListPushConfigs(ctx context.Context, taskID string) ([]a2a.PushNotificationConfig, error) {
	query := s.rebind(`SELECT config_json FROM push_configs WHERE task_id = ? ORDER BY config_id`)

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query push configs: %w", err)
	}
	defer rows.Close()

	var out []a2a.PushNotificationConfig
	for rows.Next() {
		var configJSON string
		if err := rows.Scan(&configJSON); err != nil {
			return nil, fmt.Errorf("failed to scan push config: %w", err)
		}
		var cfg a2a.PushNotificationConfig
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal push config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *SQL) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	query := s.rebind(`DELETE FROM push_configs WHERE task_id = ? AND config_id = ?`)
	res, err := s.db.ExecContext(ctx, query, taskID, configID)
	if err != nil {
		return fmt.Errorf("failed to delete push config: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("push config %s/%s: %w", taskID, configID, ErrNotFound)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Scan watermarks
// ----------------------------------------------------------------------------

func (s *SQL) GetWatermark(ctx context.Context, deviceID string) (uint64, error) {
	query := s.rebind(`SELECT seq FROM scan_watermarks WHERE device_id = ?`)

	var seq uint64
	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query watermark: %w", err)
	}
	return seq, nil
}

func (s *SQL) SetWatermark(ctx context.Context, deviceID string, seq uint64) error {
	query := s.upsert("scan_watermarks",
		[]string{"device_id", "seq", "updated_at"},
		[]string{"device_id"},
		[]string{"seq", "updated_at"},
	)
	if _, err := s.db.ExecContext(ctx, query, deviceID, seq, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Agent endpoints
// ----------------------------------------------------------------------------

func (s *SQL) SaveAgentEndpoint(ctx context.Context, ep *a2a.AgentEndpoint) error {
	tagsJSON, err := json.Marshal(ep.CapabilityTags)
	if err != nil {
		return fmt.Errorf("failed to marshal capability tags: %w", err)
	}

	query := s.upsert("agent_endpoints",
		[]string{"agent_id", "url", "tags_json", "auth_ref", "enabled", "last_success"},
		[]string{"agent_id"},
		[]string{"url", "tags_json", "auth_ref", "enabled", "last_success"},
	)
	var lastSuccess any
	if !ep.LastSuccess.IsZero() {
		lastSuccess = ep.LastSuccess
	}
	if _, err := s.db.ExecContext(ctx, query, ep.AgentID, ep.URL, string(tagsJSON), ep.AuthRef, ep.Enabled, lastSuccess); err != nil {
		return fmt.Errorf("failed to save agent endpoint: %w", err)
	}
	return nil
}

func (s *SQL) ListAgentEndpoints(ctx context.Context) ([]*a2a.AgentEndpoint, error) {
	query := `SELECT agent_id, url, tags_json, auth_ref, enabled, last_success FROM agent_endpoints ORDER BY agent_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent endpoints: %w", err)
	}
	defer rows.Close()

	var out []*a2a.AgentEndpoint
	for rows.Next() {
		var ep a2a.AgentEndpoint
		var tagsJSON string
		var lastSuccess sql.NullTime
		if err := rows.Scan(&ep.AgentID, &ep.URL, &tagsJSON, &ep.AuthRef, &ep.Enabled, &lastSuccess); err != nil {
			return nil, fmt.Errorf("failed to scan agent endpoint: %w", err)
		}
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &ep.CapabilityTags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal capability tags: %w", err)
			}
		}
		if lastSuccess.Valid {
			ep.LastSuccess = lastSuccess.Time
		}
		out = append(out, &ep)
	}
	return out, rows.Err()
}

func (s *SQL) Close() error {
	return s.db.Close()
}

var _ Repository = (*SQL)(nil)
