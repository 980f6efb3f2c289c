package storage

import (
	"errors"
	"testing"

	"lanbeam/models"
)

func TestTaskCRUD(t *testing.T) {
	store := newTestStore(t)
	task := testTask("task-1", models.DirectionSend, models.StatusPending)
	mustSaveTask(t, store, task)

	got, err := store.GetTask("task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.File.Name != task.File.Name || got.File.Size != task.File.Size {
		t.Fatalf("unexpected task row: %+v", got)
	}
	if len(got.File.Chunks) != 2 || got.File.Chunks[1].Offset != 2048 {
		t.Fatalf("chunk table did not round-trip: %+v", got.File.Chunks)
	}

	if err := store.UpdateTaskProgress("task-1", 2048, 2048); err != nil {
		t.Fatalf("UpdateTaskProgress failed: %v", err)
	}
	updated, err := store.GetTask("task-1")
	if err != nil {
		t.Fatalf("GetTask after progress failed: %v", err)
	}
	if updated.TransferredBytes != 2048 || updated.Progress != 50 {
		t.Fatalf("unexpected progress: bytes=%d progress=%d", updated.TransferredBytes, updated.Progress)
	}

	completedAt := nowUnixMilli()
	if err := store.UpdateTaskStatus("task-1", models.StatusCompleted, "", &completedAt); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}
	final, err := store.GetTask("task-1")
	if err != nil {
		t.Fatalf("GetTask after completion failed: %v", err)
	}
	if final.Status != models.StatusCompleted || final.CompletedAt == nil {
		t.Fatalf("unexpected final task: %+v", final)
	}

	if err := store.DeleteTask("task-1"); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := store.GetTask("task-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListTasksByStatus(t *testing.T) {
	store := newTestStore(t)
	mustSaveTask(t, store, testTask("task-a", models.DirectionSend, models.StatusInterrupted))
	mustSaveTask(t, store, testTask("task-b", models.DirectionReceive, models.StatusInterrupted))
	mustSaveTask(t, store, testTask("task-c", models.DirectionSend, models.StatusCompleted))

	interrupted, err := store.ListTasksByStatus(models.StatusInterrupted)
	if err != nil {
		t.Fatalf("ListTasksByStatus failed: %v", err)
	}
	if len(interrupted) != 2 {
		t.Fatalf("expected 2 interrupted tasks, got %d", len(interrupted))
	}

	all, err := store.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
}

func TestSaveTaskRejectsInvalidRows(t *testing.T) {
	store := newTestStore(t)

	bad := testTask("task-bad", "sideways", models.StatusPending)
	if err := store.SaveTask(bad); err == nil {
		t.Fatalf("expected invalid direction error")
	}

	bad = testTask("task-bad", models.DirectionSend, "paused")
	if err := store.SaveTask(bad); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestUpdateMissingTask(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpdateTaskProgress("absent", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateTaskStatus("absent", models.StatusFailed, "boom", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
