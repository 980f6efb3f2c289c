package transfer

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"lanbeam/chunker"
	"lanbeam/models"
	"lanbeam/storage"
)

// ResumableTasks lists interrupted tasks whose resume state still checks
// out: the checkpoint exists and the partial or source file is still on
// disk with the expected size.
func (e *Engine) ResumableTasks() ([]*models.TransferTask, error) {
	interrupted, err := e.store.ListTasksByStatus(models.StatusInterrupted)
	if err != nil {
		return nil, err
	}

	out := make([]*models.TransferTask, 0, len(interrupted))
	for _, task := range interrupted {
		if e.checkResumable(task) == nil {
			task.Resumable = true
			out = append(out, task)
		}
	}
	return out, nil
}

// Resume restarts an interrupted transfer from its checkpoint. Send tasks
// re-dial the peer; receive tasks only need the listener running, the
// sender's re-offer picks the checkpoint up.
func (e *Engine) Resume(taskID string) error {
	task, err := e.Task(taskID)
	if err != nil {
		return err
	}
	if task.Status != models.StatusInterrupted {
		return fmt.Errorf("resume %q in status %q: %w", taskID, task.Status, ErrInvalidState)
	}
	if err := e.checkResumable(task); err != nil {
		return err
	}

	if task.Direction == models.DirectionReceive {
		if !e.Receiving() {
			return ErrNotReceiving
		}
		return nil
	}

	// The source must still be the exact file the chunk table describes.
	hash, err := chunker.HashFile(task.File.Path)
	if err != nil {
		return fmt.Errorf("%w: source file unreadable", ErrNotResumable)
	}
	if !strings.EqualFold(hash, task.File.Hash) {
		return fmt.Errorf("%w: source file changed", ErrNotResumable)
	}

	e.startSender(task)
	e.logger.Info().Str("task", taskID).Msg("transfer resumed")
	return nil
}

// CleanupResumeInfo discards the checkpoint and partial file for a task.
// The task record stays; a later resume starts over from zero.
func (e *Engine) CleanupResumeInfo(taskID string) error {
	task, err := e.Task(taskID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	_, running := e.active[taskID]
	e.mu.Unlock()
	if running {
		return fmt.Errorf("cleanup %q while transferring: %w", taskID, ErrInvalidState)
	}

	e.cleanupTaskArtifacts(task)
	return nil
}

// CleanupAllResumeInfo discards every checkpoint and partial file that
// does not belong to an active transfer. Returns the number removed.
func (e *Engine) CleanupAllResumeInfo() (int, error) {
	checkpoints, err := e.store.ListResumeCheckpoints()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, checkpoint := range checkpoints {
		e.mu.Lock()
		_, running := e.active[checkpoint.TaskID]
		e.mu.Unlock()
		if running {
			continue
		}
		if checkpoint.TempPath != "" {
			_ = os.Remove(checkpoint.TempPath)
		}
		if err := e.store.DeleteResumeCheckpoint(checkpoint.TaskID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (e *Engine) checkResumable(task *models.TransferTask) error {
	checkpoint, err := e.store.GetResumeCheckpoint(task.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotResumable
		}
		return err
	}
	if checkpoint.FileHash != task.File.Hash {
		return fmt.Errorf("%w: checkpoint does not match file", ErrNotResumable)
	}

	switch task.Direction {
	case models.DirectionSend:
		info, err := os.Stat(task.File.Path)
		if err != nil {
			return fmt.Errorf("%w: source file missing", ErrNotResumable)
		}
		if info.Size() != task.File.Size {
			return fmt.Errorf("%w: source file size changed", ErrNotResumable)
		}
	case models.DirectionReceive:
		info, err := os.Stat(checkpoint.TempPath)
		if err != nil {
			return fmt.Errorf("%w: partial file missing", ErrNotResumable)
		}
		if info.Size() != task.File.Size {
			return fmt.Errorf("%w: partial file size changed", ErrNotResumable)
		}
	}
	return nil
}
