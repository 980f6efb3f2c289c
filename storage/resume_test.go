package storage

import (
	"errors"
	"testing"

	"lanbeam/models"
)

func TestResumeCheckpointCRUD(t *testing.T) {
	store := newTestStore(t)
	mustSaveTask(t, store, testTask("task-cp", models.DirectionReceive, models.StatusInterrupted))

	cp := ResumeCheckpoint{
		TaskID:          "task-cp",
		Direction:       models.DirectionReceive,
		ResumeOffset:    6 * 1024 * 1024,
		NextChunk:       6,
		CompletedChunks: []byte("[0,1,2,3,4,5]"),
		FileHash:        "file-hash-cp",
		TempPath:        "/tmp/task-cp.part",
	}
	if err := store.UpsertResumeCheckpoint(cp); err != nil {
		t.Fatalf("UpsertResumeCheckpoint failed: %v", err)
	}

	got, err := store.GetResumeCheckpoint("task-cp")
	if err != nil {
		t.Fatalf("GetResumeCheckpoint failed: %v", err)
	}
	if got.NextChunk != 6 || got.ResumeOffset != cp.ResumeOffset || string(got.CompletedChunks) != "[0,1,2,3,4,5]" {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}

	cp.NextChunk = 8
	cp.ResumeOffset = 8 * 1024 * 1024
	cp.CompletedChunks = []byte("[0,1,2,3,4,5,6,7]")
	if err := store.UpsertResumeCheckpoint(cp); err != nil {
		t.Fatalf("UpsertResumeCheckpoint update failed: %v", err)
	}
	updated, err := store.GetResumeCheckpoint("task-cp")
	if err != nil {
		t.Fatalf("GetResumeCheckpoint after update failed: %v", err)
	}
	if updated.NextChunk != 8 {
		t.Fatalf("checkpoint did not advance: %+v", updated)
	}

	listed, err := store.ListResumeCheckpoints()
	if err != nil {
		t.Fatalf("ListResumeCheckpoints failed: %v", err)
	}
	if len(listed) != 1 || listed[0].TaskID != "task-cp" {
		t.Fatalf("unexpected checkpoint list: %+v", listed)
	}

	if err := store.DeleteResumeCheckpoint("task-cp"); err != nil {
		t.Fatalf("DeleteResumeCheckpoint failed: %v", err)
	}
	if _, err := store.GetResumeCheckpoint("task-cp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Idempotent: deleting again is not an error.
	if err := store.DeleteResumeCheckpoint("task-cp"); err != nil {
		t.Fatalf("second DeleteResumeCheckpoint failed: %v", err)
	}
}

func TestResumeCheckpointCascadesWithTask(t *testing.T) {
	store := newTestStore(t)
	mustSaveTask(t, store, testTask("task-cascade", models.DirectionSend, models.StatusInterrupted))

	if err := store.UpsertResumeCheckpoint(ResumeCheckpoint{
		TaskID:    "task-cascade",
		Direction: models.DirectionSend,
		FileHash:  "hash",
	}); err != nil {
		t.Fatalf("UpsertResumeCheckpoint failed: %v", err)
	}

	if err := store.DeleteTask("task-cascade"); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := store.GetResumeCheckpoint("task-cascade"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected checkpoint to cascade with task, got %v", err)
	}
}

func TestDeleteAllResumeCheckpoints(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"t1", "t2"} {
		mustSaveTask(t, store, testTask(id, models.DirectionSend, models.StatusInterrupted))
		if err := store.UpsertResumeCheckpoint(ResumeCheckpoint{
			TaskID:    id,
			Direction: models.DirectionSend,
			FileHash:  "hash-" + id,
		}); err != nil {
			t.Fatalf("UpsertResumeCheckpoint(%s) failed: %v", id, err)
		}
	}

	if err := store.DeleteAllResumeCheckpoints(); err != nil {
		t.Fatalf("DeleteAllResumeCheckpoints failed: %v", err)
	}
	listed, err := store.ListResumeCheckpoints()
	if err != nil {
		t.Fatalf("ListResumeCheckpoints failed: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty ledger, got %d entries", len(listed))
	}
}
