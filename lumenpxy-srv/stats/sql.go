package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Statements are written with ? placeholders and rebound per driver.
type sqlStore struct {
	db     *sql.DB
	driver string
}

func (s *sqlStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) initSchema(ddl string) error {
	logger.Debug("Initializing %s schema", s.driver)
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Save(ctx context.Context, rec ConnectionRecord) error {
	var userAgent sql.NullString
	if rec.UserAgent != "" {
		userAgent = sql.NullString{String: rec.UserAgent, Valid: true}
	}
	var responseTime sql.NullInt64
	if rec.ResponseTimeMs != nil {
		responseTime = sql.NullInt64{Int64: *rec.ResponseTimeMs, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO connection_records (id, url, status, protocol, timestamp_ns, user_agent, response_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.URL, string(rec.Status), string(rec.Protocol), rec.Timestamp.UnixNano(), userAgent, responseTime)
	if err != nil {
		return fmt.Errorf("failed to save connection record: %w", err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context, filter Filter) (records []ConnectionRecord, err error) {
	query := `SELECT id, url, status, protocol, timestamp_ns, user_agent, response_time_ms FROM connection_records`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY timestamp_ns DESC, seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	records = []ConnectionRecord{}
	for rows.Next() {
		var (
			rec          ConnectionRecord
			status       string
			protocol     string
			timestampNs  int64
			userAgent    sql.NullString
			responseTime sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.URL, &status, &protocol, &timestampNs, &userAgent, &responseTime); err != nil {
			return nil, fmt.Errorf("failed to scan connection record: %w", err)
		}
		rec.Status = Status(status)
		rec.Protocol = Protocol(protocol)
		rec.Timestamp = time.Unix(0, timestampNs)
		rec.UserAgent = userAgent.String
		if responseTime.Valid {
			ms := responseTime.Int64
			rec.ResponseTimeMs = &ms
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connection records: %w", err)
	}
	return records, nil
}

func (s *sqlStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connection_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count connection records: %w", err)
	}
	return n, nil
}

func (s *sqlStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connection_records`); err != nil {
		return fmt.Errorf("failed to clear connection records: %w", err)
	}
	return nil
}

func (s *sqlStore) Prune(ctx context.Context, before time.Time, keep int) (int64, error) {
	var total int64
	if !before.IsZero() {
		res, err := s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM connection_records WHERE timestamp_ns < ?`), before.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("failed to prune old connection records: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if keep > 0 {
		res, err := s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM connection_records WHERE seq NOT IN (
				SELECT seq FROM connection_records ORDER BY timestamp_ns DESC, seq DESC LIMIT ?
			)`), keep)
		if err != nil {
			return total, fmt.Errorf("failed to trim connection records: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
