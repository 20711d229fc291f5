package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/AaronLay10/SceneForge/internal/studio"
)

// EventRow represents an event stored in Postgres.
type EventRow struct {
	EventID   int64                  `json:"event_id"`
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   *string                `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	ProjectID *string                `json:"project_id,omitempty"`
}

// Config selects the database. Empty fields fall back to the PG* environment
// variables and then to local defaults.
type Config struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	Password string `yaml:"-"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the connection string for lib/pq.
func (c Config) DSN() string {
	host := firstNonEmpty(c.Host, os.Getenv("PGHOST"), "127.0.0.1")
	port := firstNonEmpty(c.Port, os.Getenv("PGPORT"), "5432")
	user := firstNonEmpty(c.User, os.Getenv("PGUSER"), "sceneforge")
	dbname := firstNonEmpty(c.Database, os.Getenv("PGDATABASE"), "sceneforge")
	sslmode := firstNonEmpty(c.SSLMode, os.Getenv("PGSSLMODE"), "disable")
	password := firstNonEmpty(c.Password, os.Getenv("PGPASSWORD"))

	if password != "" {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			host, port, user, password, dbname, sslmode)
	}
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		host, port, user, dbname, sslmode)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Client stores projects, scenes and the event log.
type Client struct {
	db *sql.DB
}

// New connects, pings and creates the schema.
func New(ctx context.Context, cfg Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	client := NewWithDB(db)
	if err := client.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return client, nil
}

// NewWithDB wraps an open database without touching the schema.
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

const schema = `
	CREATE TABLE IF NOT EXISTS projects (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		name            TEXT NOT NULL,
		theme           TEXT NOT NULL,
		style           TEXT NOT NULL DEFAULT '',
		constraints     TEXT NOT NULL DEFAULT '',
		scene_count     INTEGER NOT NULL,
		max_duration    INTEGER NOT NULL,
		generation_mode TEXT NOT NULL DEFAULT 'batch',
		status          TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS scenes (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		scene_order  INTEGER NOT NULL,
		script       TEXT NOT NULL DEFAULT '',
		image_prompt TEXT NOT NULL DEFAULT '',
		video_prompt TEXT NOT NULL DEFAULT '',
		image_url    TEXT NOT NULL DEFAULT '',
		image_key    TEXT NOT NULL DEFAULT '',
		video_url    TEXT NOT NULL DEFAULT '',
		video_key    TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		start_at     DOUBLE PRECISION NOT NULL DEFAULT 0,
		end_at       DOUBLE PRECISION NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_scenes_project ON scenes(project_id, scene_order);

	CREATE TABLE IF NOT EXISTS events (
		event_id   BIGSERIAL PRIMARY KEY,
		ts         TIMESTAMPTZ NOT NULL,
		level      TEXT NOT NULL,
		event      TEXT NOT NULL,
		msg        TEXT,
		fields     JSONB,
		project_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_events_project_id ON events(project_id);
`

func (c *Client) createTables(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// Ping reports whether the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// AppendEvent inserts an event into the log. It implements events.Appender.
func (c *Client) AppendEvent(ts time.Time, level, event, msg string, fields map[string]interface{}) error {
	var fieldsJSON []byte
	var err error
	if fields != nil {
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	var msgPtr *string
	if msg != "" {
		msgPtr = &msg
	}

	var projectPtr *string
	if id, ok := fields["project_id"].(string); ok && id != "" {
		projectPtr = &id
	}

	query := `
		INSERT INTO events (ts, level, event, msg, fields, project_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = c.db.Exec(query, ts, level, event, msgPtr, fieldsJSON, projectPtr)
	return err
}

// QueryEvents returns the last N events in descending order by timestamp,
// optionally limited to one project.
func (c *Client) QueryEvents(ctx context.Context, projectID string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 10000 {
		limit = 10000
	}

	query := `
		SELECT event_id, ts, level, event, msg, fields, project_id
		FROM events
		WHERE ($1 = '' OR project_id = $1)
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var fieldsJSON []byte
		var msg, project sql.NullString

		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fieldsJSON, &project); err != nil {
			return nil, err
		}

		if msg.Valid {
			e.Message = &msg.String
		}
		if project.Valid {
			e.ProjectID = &project.String
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

var _ studio.Store = (*Client)(nil)
