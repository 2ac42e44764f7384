package folders_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/voxnote/voxnote/internal/bus"
	"github.com/voxnote/voxnote/internal/folders"
	"github.com/voxnote/voxnote/internal/persistence"
)

func newTestSetup(t *testing.T) (*folders.Manager, *persistence.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dbPath := filepath.Join(t.TempDir(), "voxnote.db")

	db, err := persistence.NewManager(context.Background(), dbPath, bus.New(), logger, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(db.Shutdown)

	fm := folders.New(db, logger)
	if err := fm.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return fm, db
}

func createRecording(t *testing.T, db *persistence.Manager, n int) int64 {
	t.Helper()
	id, err := db.CreateRecording(context.Background(), persistence.RecordingData{
		Filename:    "memo.wav",
		FilePath:    filepath.Join("/recordings", string(rune('a'+n))+".wav"),
		DateCreated: "2026-08-30 10:00:00",
	})
	if err != nil {
		t.Fatalf("create recording: %v", err)
	}
	return id
}

func TestFolders_CreateAndTree(t *testing.T) {
	fm, _ := newTestSetup(t)
	ctx := context.Background()

	workID, err := fm.Create(ctx, "Work", nil)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	meetingsID, err := fm.Create(ctx, "Meetings", &workID)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	roots := fm.Roots()
	if len(roots) != 1 || roots[0].Name != "Work" {
		t.Fatalf("roots = %+v", roots)
	}
	if len(roots[0].Children) != 1 || roots[0].Children[0].ID != meetingsID {
		t.Fatalf("children = %+v", roots[0].Children)
	}

	// The tree survives a reload from the database.
	if err := fm.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := fm.Get(meetingsID); got == nil || got.ParentID == nil || *got.ParentID != workID {
		t.Fatalf("reloaded child = %+v", got)
	}
}

func TestFolders_SiblingNamesUnique(t *testing.T) {
	fm, _ := newTestSetup(t)
	ctx := context.Background()

	workID, err := fm.Create(ctx, "Work", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Same name at the same level is rejected, case-insensitively.
	_, err = fm.Create(ctx, "work", nil)
	var exists *folders.ErrFolderExists
	if !errors.As(err, &exists) {
		t.Fatalf("duplicate sibling error = %v, want *ErrFolderExists", err)
	}

	// The same name under a different parent is fine.
	if _, err := fm.Create(ctx, "Work", &workID); err != nil {
		t.Fatalf("same name under different parent: %v", err)
	}
}

func TestFolders_Rename(t *testing.T) {
	fm, _ := newTestSetup(t)
	ctx := context.Background()

	aID, err := fm.Create(ctx, "Alpha", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fm.Create(ctx, "Beta", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fm.Rename(ctx, aID, "Gamma"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := fm.Get(aID); got.Name != "Gamma" {
		t.Fatalf("name after rename = %q", got.Name)
	}

	var exists *folders.ErrFolderExists
	if err := fm.Rename(ctx, aID, "Beta"); !errors.As(err, &exists) {
		t.Fatalf("rename onto sibling = %v, want *ErrFolderExists", err)
	}

	var notFound *folders.ErrFolderNotFound
	if err := fm.Rename(ctx, 9999, "X"); !errors.As(err, &notFound) {
		t.Fatalf("rename missing = %v, want *ErrFolderNotFound", err)
	}
}

func TestFolders_DeleteCascades(t *testing.T) {
	fm, db := newTestSetup(t)
	ctx := context.Background()

	workID, err := fm.Create(ctx, "Work", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	childID, err := fm.Create(ctx, "Meetings", &workID)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	recID := createRecording(t, db, 0)
	if err := fm.AddRecording(ctx, recID, childID); err != nil {
		t.Fatalf("file recording: %v", err)
	}

	if err := fm.Delete(ctx, workID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if fm.Get(workID) != nil || fm.Get(childID) != nil {
		t.Fatal("folder tree survived delete")
	}

	// The recording itself is untouched; only the association is gone.
	rec, err := db.GetRecordingByID(ctx, recID)
	if err != nil || rec == nil {
		t.Fatalf("recording after folder delete: %v, %v", rec, err)
	}
	unfiled, err := fm.UnfiledRecordings(ctx)
	if err != nil {
		t.Fatalf("unfiled: %v", err)
	}
	if len(unfiled) != 1 || unfiled[0].ID != recID {
		t.Fatalf("unfiled = %+v", unfiled)
	}
}

func TestFolders_FileRecordingExclusive(t *testing.T) {
	fm, db := newTestSetup(t)
	ctx := context.Background()

	aID, _ := fm.Create(ctx, "A", nil)
	bID, _ := fm.Create(ctx, "B", nil)
	recID := createRecording(t, db, 1)

	if err := fm.AddRecording(ctx, recID, aID); err != nil {
		t.Fatalf("file into A: %v", err)
	}
	// Filing again is a no-op, not an error.
	if err := fm.AddRecording(ctx, recID, aID); err != nil {
		t.Fatalf("refile into A: %v", err)
	}

	// Moving to B removes it from A.
	if err := fm.AddRecording(ctx, recID, bID); err != nil {
		t.Fatalf("file into B: %v", err)
	}
	inA, err := fm.RecordingsInFolder(ctx, aID)
	if err != nil {
		t.Fatalf("recordings in A: %v", err)
	}
	if len(inA) != 0 {
		t.Fatalf("recording still in A: %+v", inA)
	}
	inB, err := fm.RecordingsInFolder(ctx, bID)
	if err != nil {
		t.Fatalf("recordings in B: %v", err)
	}
	if len(inB) != 1 || inB[0].ID != recID {
		t.Fatalf("recordings in B = %+v", inB)
	}

	got, err := fm.FoldersForRecording(ctx, recID)
	if err != nil {
		t.Fatalf("folders for recording: %v", err)
	}
	if len(got) != 1 || got[0].ID != bID {
		t.Fatalf("folders for recording = %+v", got)
	}

	count, err := fm.RecordingCount(ctx, bID)
	if err != nil || count != 1 {
		t.Fatalf("count = %d, %v", count, err)
	}

	if err := fm.RemoveRecording(ctx, recID, bID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	count, err = fm.RecordingCount(ctx, bID)
	if err != nil || count != 0 {
		t.Fatalf("count after remove = %d, %v", count, err)
	}
}

func TestFolders_ExportImportRoundTrip(t *testing.T) {
	fm, _ := newTestSetup(t)
	ctx := context.Background()

	workID, _ := fm.Create(ctx, "Work", nil)
	if _, err := fm.Create(ctx, "Meetings", &workID); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fm.Create(ctx, "Personal", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	exported, err := fm.ExportJSON()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	// Wipe and restore.
	if err := fm.Delete(ctx, workID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := fm.ImportJSON(ctx, exported); err != nil {
		t.Fatalf("import: %v", err)
	}

	roots := fm.Roots()
	if len(roots) != 2 {
		t.Fatalf("roots after import = %d, want 2", len(roots))
	}
	restored := fm.Get(workID)
	if restored == nil || restored.Name != "Work" || len(restored.Children) != 1 {
		t.Fatalf("restored folder = %+v", restored)
	}
}
