package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// dbtx abstracts *sql.DB and *sql.Tx so the CRUD helpers run identically
// inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordingColumns = `id, filename, file_path, date_created, duration,
	raw_transcript, processed_text, raw_transcript_formatted,
	processed_text_formatted, original_source_identifier`

// updatableFields lists the column names update_recording accepts. Anything
// else is dropped with a warning and never interpolated into SQL.
var updatableFields = map[string]struct{}{
	"filename":                   {},
	"file_path":                  {},
	"date_created":               {},
	"duration":                   {},
	"raw_transcript":             {},
	"processed_text":             {},
	"raw_transcript_formatted":   {},
	"processed_text_formatted":   {},
	"original_source_identifier": {},
}

// createSchema creates the recordings table, its path index, and the folder
// collaborator tables. Idempotent; runs during worker startup before any
// application traffic is accepted.
func createSchema(ctx context.Context, q dbtx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL,
			file_path TEXT NOT NULL UNIQUE,
			date_created TEXT NOT NULL,
			duration TEXT,
			raw_transcript TEXT,
			processed_text TEXT,
			raw_transcript_formatted BLOB,
			processed_text_formatted BLOB,
			original_source_identifier TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_recording_filepath ON recordings (file_path);`,
		`CREATE TABLE IF NOT EXISTS folders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			parent_id INTEGER,
			created_at TEXT NOT NULL,
			FOREIGN KEY (parent_id) REFERENCES folders (id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS recording_folders (
			recording_id INTEGER NOT NULL,
			folder_id INTEGER NOT NULL,
			PRIMARY KEY (recording_id, folder_id),
			FOREIGN KEY (recording_id) REFERENCES recordings (id) ON DELETE CASCADE,
			FOREIGN KEY (folder_id) REFERENCES folders (id) ON DELETE CASCADE
		);`,
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// insertRecording creates a new recording row and returns its id.
// A unique-constraint violation on file_path surfaces as *DuplicatePathError.
func insertRecording(ctx context.Context, q dbtx, data RecordingData) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO recordings (filename, file_path, date_created, duration,
			raw_transcript, processed_text, original_source_identifier)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, data.Filename, data.FilePath, data.DateCreated, nullable(data.Duration),
		nullable(data.RawTranscript), nullable(data.ProcessedText),
		nullable(data.OriginalSourceIdentifier))
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, &DuplicatePathError{Path: data.FilePath}
		}
		return 0, fmt.Errorf("insert recording: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert recording id: %w", err)
	}
	return id, nil
}

// selectAllRecordings returns every recording, newest first.
func selectAllRecordings(ctx context.Context, q dbtx) ([]Recording, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+recordingColumns+`
		FROM recordings
		ORDER BY date_created DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// selectRecordingByID returns a single recording, or nil when absent.
func selectRecordingByID(ctx context.Context, q dbtx, id int64) (*Recording, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+recordingColumns+`
		FROM recordings
		WHERE id = ?;
	`, id)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query recording %d: %w", id, err)
	}
	return rec, nil
}

// updateRecordingFields applies a partial update. Unrecognized field names
// are dropped with a warning; if nothing valid remains, no SQL is issued and
// the returned bool is false.
func updateRecordingFields(ctx context.Context, q dbtx, logger *slog.Logger, id int64, fields map[string]any) (bool, error) {
	assignments := make([]string, 0, len(fields))
	values := make([]any, 0, len(fields)+1)
	for _, name := range sortedKeys(fields) {
		if _, ok := updatableFields[name]; !ok {
			logger.Warn("dropping unrecognized update field", "field", name, "recording_id", id)
			continue
		}
		assignments = append(assignments, name+" = ?")
		values = append(values, fields[name])
	}
	if len(assignments) == 0 {
		logger.Warn("update with no recognized fields", "recording_id", id)
		return false, nil
	}

	values = append(values, id)
	sqlText := "UPDATE recordings SET " + strings.Join(assignments, ", ") + " WHERE id = ?;"
	if _, err := q.ExecContext(ctx, sqlText, values...); err != nil {
		if isUniqueConstraint(err) {
			path, _ := fields["file_path"].(string)
			return false, &DuplicatePathError{Path: path}
		}
		return false, fmt.Errorf("update recording %d: %w", id, err)
	}
	return true, nil
}

// deleteRecordingByID removes a recording; recording_folders rows go with it
// via the foreign-key cascade.
func deleteRecordingByID(ctx context.Context, q dbtx, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete recording %d: %w", id, err)
	}
	return nil
}

// searchRecordings matches the term against filename and both transcripts,
// case-insensitively, newest first.
func searchRecordings(ctx context.Context, q dbtx, term string) ([]Recording, error) {
	pattern := "%" + term + "%"
	rows, err := q.QueryContext(ctx, `
		SELECT `+recordingColumns+`
		FROM recordings
		WHERE filename LIKE ? OR raw_transcript LIKE ? OR processed_text LIKE ?
		ORDER BY date_created DESC;
	`, pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("search recordings: %w", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// recordingExistsByPath checks for a recording with the given source path.
func recordingExistsByPath(ctx context.Context, q dbtx, filePath string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM recordings WHERE file_path = ? LIMIT 1;`, filePath).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check recording path: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (*Recording, error) {
	var rec Recording
	var duration, rawTranscript, processedText, sourceID sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.Filename, &rec.FilePath, &rec.DateCreated, &duration,
		&rawTranscript, &processedText, &rec.RawTranscriptFormatted,
		&rec.ProcessedTextFormatted, &sourceID,
	); err != nil {
		return nil, err
	}
	rec.Duration = duration.String
	rec.RawTranscript = rawTranscript.String
	rec.ProcessedText = processedText.String
	rec.OriginalSourceIdentifier = sourceID.String
	return &rec, nil
}

func scanRecordings(rows *sql.Rows) ([]Recording, error) {
	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recording rows: %w", err)
	}
	return out, nil
}

// nullable maps "" to NULL so optional text columns stay NULL until set.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic SQL makes logs and tests stable.
	sort.Strings(keys)
	return keys
}
