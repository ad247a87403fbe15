package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/pkg/checkpoint"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
	selectColumns    = "SELECT seq, id, received_ns, location, input_json, output_json, start_ts, finish_ts, metadata_json FROM checkpoints "
)

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
	now func() time.Time
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (*sqliteStore, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS checkpoints (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    received_ns INTEGER NOT NULL,
    name TEXT NOT NULL,
    location TEXT NOT NULL,
    input_json TEXT,
    output_json TEXT,
    start_ts REAL NOT NULL,
    finish_ts REAL NOT NULL,
    metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_location ON checkpoints(location);
CREATE INDEX IF NOT EXISTS idx_checkpoints_name_seq ON checkpoints(name, seq);
CREATE INDEX IF NOT EXISTS idx_checkpoints_received ON checkpoints(received_ns);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Record(ctx context.Context, rec checkpoint.Record) (stored *StoredCheckpoint, err error) {
	if strings.TrimSpace(rec.Location) == "" {
		return nil, fmt.Errorf("checkpoint location is empty")
	}
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	name := rec.Metadata.Name
	if name == "" {
		name, _ = checkpoint.Split(rec.Location)
	}
	received := s.now().UTC()
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertSQL := `INSERT INTO checkpoints (
        id, received_ns, name, location, input_json, output_json, start_ts, finish_ts, metadata_json
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := tx.ExecContext(ctx, insertSQL,
		id,
		received.UnixNano(),
		name,
		rec.Location,
		rawString(rec.Input),
		rawString(rec.Output),
		rec.StartTS,
		rec.FinishTS,
		string(metadataJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}

	if err = s.prune(ctx, tx); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return &StoredCheckpoint{ID: id, Seq: seq, ReceivedAt: received, Checkpoint: rec}, nil
}

func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.Retention > 0 {
		cutoff := s.now().Add(-s.cfg.Retention).UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE received_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM checkpoints").Scan(&count); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		if excess := count - s.cfg.MaxRecords; excess > 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE seq IN (SELECT seq FROM checkpoints ORDER BY seq ASC LIMIT ?)", excess); err != nil {
				return fmt.Errorf("prune max records: %w", err)
			}
			s.log.Debug("Pruned checkpoints", "count", excess)
		}
	}
	return nil
}

func (s *sqliteStore) List(opts ListOptions) ([]*StoredCheckpoint, int, error) {
	ctx := context.Background()
	where, args := buildFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM checkpoints "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := strings.Builder{}
	query.WriteString(selectColumns)
	query.WriteString(where)
	query.WriteString(" ORDER BY seq ASC")

	listArgs := append([]interface{}{}, args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*StoredCheckpoint
	for rows.Next() {
		item, err := scanStoredCheckpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) Iterate(opts ListOptions, fn func(*StoredCheckpoint) bool) error {
	ctx := context.Background()
	where, args := buildFilters(opts)

	rows, err := s.db.QueryContext(ctx, selectColumns+where+" ORDER BY seq ASC", args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanStoredCheckpoint(rows)
		if err != nil {
			return err
		}
		if !fn(item) {
			break
		}
	}
	return rows.Err()
}

func (s *sqliteStore) Snapshot() ([]*StoredCheckpoint, error) {
	var items []*StoredCheckpoint
	err := s.Iterate(ListOptions{}, func(item *StoredCheckpoint) bool {
		items = append(items, item)
		return true
	})
	return items, err
}

func (s *sqliteStore) Get(id string) (*StoredCheckpoint, error) {
	row := s.db.QueryRowContext(context.Background(), selectColumns+"WHERE id = ?", id)
	item, err := scanStoredCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanStoredCheckpoint(scanner interface {
	Scan(dest ...interface{}) error
}) (*StoredCheckpoint, error) {
	var (
		seq          int64
		id           string
		receivedNS   int64
		location     string
		inputJSON    sql.NullString
		outputJSON   sql.NullString
		startTS      float64
		finishTS     float64
		metadataJSON sql.NullString
	)

	if err := scanner.Scan(
		&seq,
		&id,
		&receivedNS,
		&location,
		&inputJSON,
		&outputJSON,
		&startTS,
		&finishTS,
		&metadataJSON,
	); err != nil {
		return nil, err
	}

	var meta checkpoint.Metadata
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &meta); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
		}
	}

	return &StoredCheckpoint{
		ID:         id,
		Seq:        seq,
		ReceivedAt: time.Unix(0, receivedNS).UTC(),
		Checkpoint: checkpoint.Record{
			Location: location,
			Input:    nullRaw(inputJSON),
			Output:   nullRaw(outputJSON),
			StartTS:  startTS,
			FinishTS: finishTS,
			Metadata: meta,
		},
	}, nil
}

func buildFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if name := strings.TrimSpace(opts.Name); name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, name)
	}
	if search := strings.TrimSpace(strings.ToLower(opts.Search)); search != "" {
		clauses = append(clauses, "LOWER(location) LIKE ?")
		args = append(args, fmt.Sprintf("%%%s%%", search))
	}
	if opts.AfterSeq > 0 {
		clauses = append(clauses, "seq > ?")
		args = append(args, opts.AfterSeq)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func nullRaw(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(s.String)
}
