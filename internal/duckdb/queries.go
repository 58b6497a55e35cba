package duckdb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

// MaxQueryRows caps the rows ExecuteQuery returns.
const MaxQueryRows = 1000

// dangerousKeywordPattern matches write or escape-hatch keywords at word
// boundaries, so "RESET" does not match "SET". It runs after comment
// stripping and semicolon rejection.
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT)\b`,
)

// fileFunctionPattern matches table functions that read the filesystem.
var fileFunctionPattern = regexp.MustCompile(`(?i)\b(read_\w+|glob|parquet_scan|csv_scan)\s*\(`)

var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// stripSQLComments removes -- line comments and /* */ block comments from a query.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}

// collectionFilter returns a WHERE clause and args when collectionID is non-empty.
func collectionFilter(collectionID string) (clause string, args []any) {
	if collectionID != "" {
		return "WHERE collection_id = ?", []any{collectionID}
	}
	return "", nil
}

// TotalSampleCount returns the number of mirrored samples.
func (s *Store) TotalSampleCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples").Scan(&count)
	return count, err
}

// CounterSummaries aggregates every counter line of collectionID, or of all
// collections when it is empty, busiest lines first.
func (s *Store) CounterSummaries(collectionID string, limit int) ([]model.CounterSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, args := collectionFilter(collectionID)
	query := fmt.Sprintf(`
		SELECT collection_id, counter, instance,
			COUNT(*) AS count, SUM(value) AS total, AVG(value) AS mean,
			MIN(value) AS min, MAX(value) AS max
		FROM samples %s
		GROUP BY collection_id, counter, instance
		ORDER BY count DESC, collection_id, counter, instance
		LIMIT ?`, where)

	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.CounterSummary
	for rows.Next() {
		var cs model.CounterSummary
		if err := rows.Scan(&cs.CollectionID, &cs.Counter, &cs.Instance,
			&cs.Count, &cs.Total, &cs.Mean, &cs.Min, &cs.Max); err != nil {
			s.log.Debug("scan error", zap.String("query", "CounterSummaries"), zap.Error(err))
			continue
		}
		results = append(results, cs)
	}
	return results, rows.Err()
}

// DeleteBefore removes samples received before cutoff and returns how many
// were deleted.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM samples WHERE received < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteCollection removes the mirrored samples of one collection.
func (s *Store) DeleteCollection(collectionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM samples WHERE collection_id = ?", collectionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// checkReadOnly rejects anything but a single SELECT/WITH statement.
func checkReadOnly(query string) error {
	if strings.Contains(query, ";") {
		return fmt.Errorf("query must not contain semicolons")
	}

	// Keywords hidden in comments are still caught.
	stripped := strings.TrimSpace(stripSQLComments(query))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("only SELECT/WITH queries are allowed")
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}
	if match := fileFunctionPattern.FindStringSubmatch(stripped); match != nil {
		return fmt.Errorf("query contains disallowed function: %s", strings.ToLower(match[1]))
	}
	return nil
}

// ExecuteQuery runs a read-only SQL query and returns at most MaxQueryRows
// rows as maps. Only SELECT/WITH queries are allowed.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)
	if err := checkReadOnly(trimmed); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() && len(results) < MaxQueryRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			s.log.Debug("scan error", zap.String("query", "ExecuteQuery"), zap.Error(err))
			continue
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetSchemaDescription describes the queryable tables.
func (s *Store) GetSchemaDescription() string {
	return `Table 'samples': collection_id (VARCHAR), counter (VARCHAR, e.g. /threads/idle-rate), ` +
		`instance (VARCHAR, e.g. locality#0/pool#default/worker-thread#1), locality (VARCHAR), ` +
		`pool (VARCHAR), thread (VARCHAR), sequence (BIGINT), ts (DOUBLE, seconds since the ` +
		`application started), value (DOUBLE), unit (VARCHAR), received (TIMESTAMP).`
}

// TableRowCounts returns the row count for each queryable table.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	allowedTables := []string{"samples"}
	counts := make(map[string]int64, len(allowedTables))
	for _, table := range allowedTables {
		var count int64
		// Table names are constants, not user input.
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = count
	}
	return counts, nil
}
