// Package folders organizes recordings into a user-defined folder tree.
// All reads and writes go through the database coordinator; this package
// keeps an in-memory mirror of the tree for synchronous lookups.
package folders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voxnote/voxnote/internal/persistence"
)

// Folder is one node of the tree. ParentID is nil for roots.
type Folder struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	ParentID  *int64    `json:"parent_id"`
	CreatedAt string    `json:"created_at"`
	Children  []*Folder `json:"children,omitempty"`
}

// ErrFolderExists reports a sibling name collision.
type ErrFolderExists struct {
	Name string
}

func (e *ErrFolderExists) Error() string {
	return fmt.Sprintf("a folder named %q already exists at this level", e.Name)
}

// ErrFolderNotFound reports an id with no matching folder.
type ErrFolderNotFound struct {
	ID int64
}

func (e *ErrFolderNotFound) Error() string {
	return fmt.Sprintf("folder %d not found", e.ID)
}

// Manager maintains the folder tree. Construct with New and inject the
// database manager; there is exactly one instance per database.
type Manager struct {
	db     *persistence.Manager
	logger *slog.Logger

	mu      sync.RWMutex
	byID    map[int64]*Folder
	ordered []*Folder
}

func New(db *persistence.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:     db,
		logger: logger.With("component", "folders"),
		byID:   make(map[int64]*Folder),
	}
}

// Load reads every folder row and rebuilds the in-memory tree.
func (m *Manager) Load(ctx context.Context) error {
	result, err := m.db.ExecuteQuery(ctx,
		"SELECT id, name, parent_id, created_at FROM folders ORDER BY name COLLATE NOCASE", nil, false)
	if err != nil {
		return fmt.Errorf("load folders: %w", err)
	}
	rows, _ := result.([][]any)

	byID := make(map[int64]*Folder, len(rows))
	ordered := make([]*Folder, 0, len(rows))
	for _, row := range rows {
		f := &Folder{
			ID:        asInt64(row[0]),
			Name:      asString(row[1]),
			CreatedAt: asString(row[3]),
		}
		if row[2] != nil {
			pid := asInt64(row[2])
			f.ParentID = &pid
		}
		byID[f.ID] = f
		ordered = append(ordered, f)
	}
	for _, f := range ordered {
		if f.ParentID == nil {
			continue
		}
		if parent, ok := byID[*f.ParentID]; ok {
			parent.Children = append(parent.Children, f)
		}
	}

	m.mu.Lock()
	m.byID = byID
	m.ordered = ordered
	m.mu.Unlock()

	m.logger.Info("folders loaded", "count", len(ordered))
	return nil
}

// Roots returns the top-level folders, sorted by name.
func (m *Manager) Roots() []*Folder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var roots []*Folder
	for _, f := range m.ordered {
		if f.ParentID == nil {
			roots = append(roots, f)
		}
	}
	return roots
}

// Get returns a folder by id, or nil.
func (m *Manager) Get(id int64) *Folder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// Exists reports whether a folder with this name exists under the given
// parent, ignoring excludeID (pass 0 to exclude nothing).
func (m *Manager) Exists(name string, parentID *int64, excludeID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.ordered {
		if f.ID == excludeID {
			continue
		}
		if !strings.EqualFold(f.Name, name) {
			continue
		}
		if sameParent(f.ParentID, parentID) {
			return true
		}
	}
	return false
}

// Create inserts a folder and returns its id. Sibling names are unique,
// case-insensitively.
func (m *Manager) Create(ctx context.Context, name string, parentID *int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("folder name cannot be empty")
	}
	if m.Exists(name, parentID, 0) {
		return 0, &ErrFolderExists{Name: name}
	}

	createdAt := time.Now().Format("2006-01-02 15:04:05")
	result, err := m.db.ExecuteQuery(ctx,
		"INSERT INTO folders (name, parent_id, created_at) VALUES (?, ?, ?)",
		[]any{name, nullableID(parentID), createdAt}, true)
	if err != nil {
		return 0, fmt.Errorf("create folder: %w", err)
	}
	id, ok := result.(int64)
	if !ok || id <= 0 {
		return 0, fmt.Errorf("create folder: no row id returned")
	}

	f := &Folder{ID: id, Name: name, ParentID: parentID, CreatedAt: createdAt}
	m.mu.Lock()
	m.byID[id] = f
	m.ordered = append(m.ordered, f)
	if parentID != nil {
		if parent, ok := m.byID[*parentID]; ok {
			parent.Children = append(parent.Children, f)
		}
	}
	m.mu.Unlock()

	m.logger.Info("folder created", "id", id, "name", name)
	return id, nil
}

// Rename changes a folder's name, keeping sibling names unique.
func (m *Manager) Rename(ctx context.Context, id int64, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fmt.Errorf("folder name cannot be empty")
	}
	f := m.Get(id)
	if f == nil {
		return &ErrFolderNotFound{ID: id}
	}
	if m.Exists(newName, f.ParentID, id) {
		return &ErrFolderExists{Name: newName}
	}

	if _, err := m.db.ExecuteQuery(ctx,
		"UPDATE folders SET name = ? WHERE id = ?", []any{newName, id}, false); err != nil {
		return fmt.Errorf("rename folder %d: %w", id, err)
	}

	m.mu.Lock()
	f.Name = newName
	m.mu.Unlock()
	return nil
}

// Delete removes a folder. Child folders and recording associations go with
// it through the foreign-key cascades; the cache is rebuilt afterwards.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	if m.Get(id) == nil {
		return &ErrFolderNotFound{ID: id}
	}
	if _, err := m.db.ExecuteQuery(ctx,
		"DELETE FROM folders WHERE id = ?", []any{id}, false); err != nil {
		return fmt.Errorf("delete folder %d: %w", id, err)
	}
	return m.Load(ctx)
}

// AddRecording files a recording into a folder. A recording lives in at most
// one folder, so any existing association is replaced.
func (m *Manager) AddRecording(ctx context.Context, recordingID, folderID int64) error {
	if m.Get(folderID) == nil {
		return &ErrFolderNotFound{ID: folderID}
	}

	result, err := m.db.ExecuteQuery(ctx,
		"SELECT 1 FROM recording_folders WHERE recording_id = ? AND folder_id = ?",
		[]any{recordingID, folderID}, false)
	if err != nil {
		return fmt.Errorf("check association: %w", err)
	}
	if rows, _ := result.([][]any); len(rows) > 0 {
		return nil // already filed here
	}

	if _, err := m.db.ExecuteQuery(ctx,
		"DELETE FROM recording_folders WHERE recording_id = ?", []any{recordingID}, false); err != nil {
		return fmt.Errorf("unfiling recording %d: %w", recordingID, err)
	}
	if _, err := m.db.ExecuteQuery(ctx,
		"INSERT INTO recording_folders (recording_id, folder_id) VALUES (?, ?)",
		[]any{recordingID, folderID}, false); err != nil {
		return fmt.Errorf("filing recording %d into folder %d: %w", recordingID, folderID, err)
	}

	m.logger.Debug("recording filed", "recording_id", recordingID, "folder_id", folderID)
	return nil
}

// RemoveRecording takes a recording out of a folder.
func (m *Manager) RemoveRecording(ctx context.Context, recordingID, folderID int64) error {
	if _, err := m.db.ExecuteQuery(ctx,
		"DELETE FROM recording_folders WHERE recording_id = ? AND folder_id = ?",
		[]any{recordingID, folderID}, false); err != nil {
		return fmt.Errorf("unfiling recording %d: %w", recordingID, err)
	}
	return nil
}

// RecordingsInFolder returns the recordings filed in a folder, newest first.
func (m *Manager) RecordingsInFolder(ctx context.Context, folderID int64) ([]persistence.Recording, error) {
	result, err := m.db.ExecuteQuery(ctx, `
		SELECT r.id, r.filename, r.file_path, r.date_created, r.duration,
			r.raw_transcript, r.processed_text
		FROM recordings r
		JOIN recording_folders rf ON rf.recording_id = r.id
		WHERE rf.folder_id = ?
		ORDER BY r.date_created DESC`, []any{folderID}, false)
	if err != nil {
		return nil, fmt.Errorf("recordings in folder %d: %w", folderID, err)
	}
	return recordingsFromRows(result), nil
}

// UnfiledRecordings returns recordings that belong to no folder.
func (m *Manager) UnfiledRecordings(ctx context.Context) ([]persistence.Recording, error) {
	result, err := m.db.ExecuteQuery(ctx, `
		SELECT r.id, r.filename, r.file_path, r.date_created, r.duration,
			r.raw_transcript, r.processed_text
		FROM recordings r
		WHERE NOT EXISTS (
			SELECT 1 FROM recording_folders rf WHERE rf.recording_id = r.id
		)
		ORDER BY r.date_created DESC`, nil, false)
	if err != nil {
		return nil, fmt.Errorf("unfiled recordings: %w", err)
	}
	return recordingsFromRows(result), nil
}

// FoldersForRecording returns the folders a recording is filed in.
func (m *Manager) FoldersForRecording(ctx context.Context, recordingID int64) ([]*Folder, error) {
	result, err := m.db.ExecuteQuery(ctx,
		"SELECT folder_id FROM recording_folders WHERE recording_id = ?",
		[]any{recordingID}, false)
	if err != nil {
		return nil, fmt.Errorf("folders for recording %d: %w", recordingID, err)
	}
	rows, _ := result.([][]any)

	var out []*Folder
	for _, row := range rows {
		if f := m.Get(asInt64(row[0])); f != nil {
			out = append(out, f)
		}
	}
	return out, nil
}

// RecordingCount returns how many recordings a folder holds.
func (m *Manager) RecordingCount(ctx context.Context, folderID int64) (int, error) {
	result, err := m.db.ExecuteQuery(ctx,
		"SELECT COUNT(*) FROM recording_folders WHERE folder_id = ?",
		[]any{folderID}, false)
	if err != nil {
		return 0, fmt.Errorf("count folder %d: %w", folderID, err)
	}
	rows, _ := result.([][]any)
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	return int(asInt64(rows[0][0])), nil
}

// ExportJSON serializes the flat folder list for backup or transfer.
func (m *Manager) ExportJSON() ([]byte, error) {
	m.mu.RLock()
	flat := make([]Folder, 0, len(m.ordered))
	for _, f := range m.ordered {
		flat = append(flat, Folder{ID: f.ID, Name: f.Name, ParentID: f.ParentID, CreatedAt: f.CreatedAt})
	}
	m.mu.RUnlock()

	sort.Slice(flat, func(i, j int) bool { return flat[i].ID < flat[j].ID })
	return json.MarshalIndent(flat, "", "  ")
}

// ImportJSON replaces the entire folder structure with the given export.
// Recording associations are cleared; recordings themselves are untouched.
func (m *Manager) ImportJSON(ctx context.Context, data []byte) error {
	var flat []Folder
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("parse folder export: %w", err)
	}

	if _, err := m.db.ExecuteQuery(ctx, "DELETE FROM recording_folders", nil, false); err != nil {
		return fmt.Errorf("clear associations: %w", err)
	}
	if _, err := m.db.ExecuteQuery(ctx, "DELETE FROM folders", nil, false); err != nil {
		return fmt.Errorf("clear folders: %w", err)
	}

	// Parents are inserted before children so the foreign key holds.
	sort.Slice(flat, func(i, j int) bool { return flat[i].ID < flat[j].ID })
	for _, f := range flat {
		if _, err := m.db.ExecuteQuery(ctx,
			"INSERT INTO folders (id, name, parent_id, created_at) VALUES (?, ?, ?, ?)",
			[]any{f.ID, f.Name, nullableID(f.ParentID), f.CreatedAt}, false); err != nil {
			return fmt.Errorf("import folder %q: %w", f.Name, err)
		}
	}
	return m.Load(ctx)
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func recordingsFromRows(result any) []persistence.Recording {
	rows, _ := result.([][]any)
	out := make([]persistence.Recording, 0, len(rows))
	for _, row := range rows {
		out = append(out, persistence.Recording{
			ID:            asInt64(row[0]),
			Filename:      asString(row[1]),
			FilePath:      asString(row[2]),
			DateCreated:   asString(row[3]),
			Duration:      asString(row[4]),
			RawTranscript: asString(row[5]),
			ProcessedText: asString(row[6]),
		})
	}
	return out
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
