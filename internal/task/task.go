// Package task implements the task store and its state machine: a single
// CAS-guarded Backlog document mutated through storage.Store.AtomicUpdate
// in a load-decode-transform-encode-swap cycle. Every mutation bumps the
// backlog version; writers may pin an expected version and fail on
// conflict.
package task

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/storage"
)

const (
	backlogKey        = "backlog"
	backlogArchiveKey = "backlog_archive"
	taskIDCounterKey  = "counters:task_id"
)

type Store struct {
	store storage.Store
}

func New(store storage.Store) *Store {
	return &Store{store: store}
}

func decodeBacklog(cur string, ok bool) (model.Backlog, error) {
	if !ok || cur == "" {
		return model.Backlog{}, nil
	}
	var b model.Backlog
	if err := json.Unmarshal([]byte(cur), &b); err != nil {
		return model.Backlog{}, mascerr.ErrOperationFailed("decode_backlog", err)
	}
	return b, nil
}

func encodeBacklog(b model.Backlog) (string, error) {
	out, err := json.Marshal(b)
	if err != nil {
		return "", mascerr.ErrOperationFailed("encode_backlog", err)
	}
	return string(out), nil
}

// mutate runs fn against the decoded backlog and writes the result back
// through AtomicUpdate, incrementing Version on every successful call. If
// expectedVersion is non-nil, the write is rejected with VersionConflict
// when the stored version doesn't match.
func (s *Store) mutate(ctx context.Context, expectedVersion *int, fn func(b *model.Backlog) error) error {
	return s.store.AtomicUpdate(ctx, backlogKey, func(cur string, ok bool) (string, error) {
		b, err := decodeBacklog(cur, ok)
		if err != nil {
			return "", err
		}
		if expectedVersion != nil && b.Version != *expectedVersion {
			return "", mascerr.ErrVersionConflict(*expectedVersion, b.Version)
		}
		if err := fn(&b); err != nil {
			return "", err
		}
		b.Version++
		b.LastUpdated = time.Now().UTC()
		return encodeBacklog(b)
	})
}

func (s *Store) nextTaskID(ctx context.Context) (string, error) {
	n, err := s.store.AtomicIncrement(ctx, taskIDCounterKey)
	if err != nil {
		return "", err
	}
	return "T" + itoa(n), nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// AddTask appends a new Todo task and returns its assigned id.
func (s *Store) AddTask(ctx context.Context, title, description string, priority int, files []string) (*model.Task, error) {
	id, err := s.nextTaskID(ctx)
	if err != nil {
		return nil, err
	}
	t := model.Task{
		ID:          id,
		Title:       title,
		Description: description,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
		Files:       files,
		Status:      model.TaskStatus{State: model.TaskTodo},
	}
	err = s.mutate(ctx, nil, func(b *model.Backlog) error {
		b.Tasks = append(b.Tasks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func findTask(b *model.Backlog, id string) (*model.Task, error) {
	for i := range b.Tasks {
		if b.Tasks[i].ID == id {
			return &b.Tasks[i], nil
		}
	}
	return nil, mascerr.ErrTaskNotFound(id)
}

// Claim transitions Todo -> Claimed{assignee}.
func (s *Store) Claim(ctx context.Context, id, assignee string, expectedVersion *int) (*model.Task, error) {
	var out model.Task
	err := s.mutate(ctx, expectedVersion, func(b *model.Backlog) error {
		t, err := findTask(b, id)
		if err != nil {
			return err
		}
		if t.Status.State != model.TaskTodo {
			if t.Status.State == model.TaskClaimed || t.Status.State == model.TaskInProgress {
				return mascerr.ErrTaskAlreadyClaimed(id, t.Status.Assignee)
			}
			return mascerr.ErrTaskInvalidState(id, "task is not in Todo state")
		}
		now := time.Now().UTC()
		t.Status = model.TaskStatus{State: model.TaskClaimed, Assignee: assignee, ClaimedAt: &now}
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimNext picks the highest-priority Todo task (ties broken by earliest
// created_at) and claims it for assignee.
func (s *Store) ClaimNext(ctx context.Context, assignee string) (*model.Task, error) {
	var out *model.Task
	err := s.mutate(ctx, nil, func(b *model.Backlog) error {
		candidates := make([]*model.Task, 0)
		for i := range b.Tasks {
			if b.Tasks[i].Status.State == model.TaskTodo {
				candidates = append(candidates, &b.Tasks[i])
			}
		}
		if len(candidates) == 0 {
			return mascerr.ErrTaskNotFound("(none pending)")
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		t := candidates[0]
		now := time.Now().UTC()
		t.Status = model.TaskStatus{State: model.TaskClaimed, Assignee: assignee, ClaimedAt: &now}
		cp := *t
		out = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Start transitions Claimed -> InProgress; only the current assignee may
// start it.
func (s *Store) Start(ctx context.Context, id, assignee string, expectedVersion *int) (*model.Task, error) {
	var out model.Task
	err := s.mutate(ctx, expectedVersion, func(b *model.Backlog) error {
		t, err := findTask(b, id)
		if err != nil {
			return err
		}
		if t.Status.State != model.TaskClaimed {
			return mascerr.ErrTaskNotClaimed(id)
		}
		if t.Status.Assignee != assignee {
			return mascerr.ErrTaskAlreadyClaimed(id, t.Status.Assignee)
		}
		now := time.Now().UTC()
		t.Status = model.TaskStatus{State: model.TaskInProgress, Assignee: assignee, StartedAt: &now}
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Done transitions Claimed/InProgress -> Done.
func (s *Store) Done(ctx context.Context, id, assignee, notes string, expectedVersion *int) (*model.Task, error) {
	var out model.Task
	err := s.mutate(ctx, expectedVersion, func(b *model.Backlog) error {
		t, err := findTask(b, id)
		if err != nil {
			return err
		}
		if t.Status.State != model.TaskClaimed && t.Status.State != model.TaskInProgress {
			return mascerr.ErrTaskInvalidState(id, "task must be claimed or in progress to complete")
		}
		now := time.Now().UTC()
		t.Status = model.TaskStatus{State: model.TaskDone, Assignee: assignee, CompletedAt: &now, Notes: notes}
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel transitions any non-terminal state -> Cancelled. A Todo task may
// be cancelled by any agent; a Claimed or InProgress task only by its
// current assignee.
func (s *Store) Cancel(ctx context.Context, id, cancelledBy, reason string, expectedVersion *int) (*model.Task, error) {
	var out model.Task
	err := s.mutate(ctx, expectedVersion, func(b *model.Backlog) error {
		t, err := findTask(b, id)
		if err != nil {
			return err
		}
		switch t.Status.State {
		case model.TaskDone, model.TaskCancelled:
			return mascerr.ErrTaskInvalidState(id, "task is already terminal")
		case model.TaskClaimed, model.TaskInProgress:
			if t.Status.Assignee != cancelledBy {
				return mascerr.ErrTaskAlreadyClaimed(id, t.Status.Assignee)
			}
		}
		now := time.Now().UTC()
		t.Status = model.TaskStatus{State: model.TaskCancelled, CancelledBy: cancelledBy, CancelledAt: &now, CancelReason: reason}
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Release transitions Claimed/InProgress back to Todo; only the current
// assignee may release.
func (s *Store) Release(ctx context.Context, id, assignee string, expectedVersion *int) (*model.Task, error) {
	var out model.Task
	err := s.mutate(ctx, expectedVersion, func(b *model.Backlog) error {
		t, err := findTask(b, id)
		if err != nil {
			return err
		}
		if t.Status.State != model.TaskClaimed && t.Status.State != model.TaskInProgress {
			return mascerr.ErrTaskNotClaimed(id)
		}
		if t.Status.Assignee != assignee {
			return mascerr.ErrTaskAlreadyClaimed(id, t.Status.Assignee)
		}
		t.Status = model.TaskStatus{State: model.TaskTodo}
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePriority is unrestricted and bumps the backlog version regardless
// of the task's current state.
func (s *Store) UpdatePriority(ctx context.Context, id string, priority int, expectedVersion *int) (*model.Task, error) {
	var out model.Task
	err := s.mutate(ctx, expectedVersion, func(b *model.Backlog) error {
		t, err := findTask(b, id)
		if err != nil {
			return err
		}
		t.Priority = priority
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns a snapshot of the backlog.
func (s *Store) List(ctx context.Context) (model.Backlog, error) {
	cur, ok, err := s.store.Get(ctx, backlogKey)
	if err != nil {
		return model.Backlog{}, mascerr.ErrOperationFailed("list_tasks", err)
	}
	return decodeBacklog(cur, ok)
}

// Get returns a single task by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Task, error) {
	b, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	t, err := findTask(&b, id)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// GC archives every terminal task (Done or Cancelled) older than
// olderThan, moving it into backlog_archive. The backlog mutation and
// the archive append are two separate AtomicUpdate calls against different
// keys — never nested — since a backend's AtomicUpdate is not guaranteed
// reentrant on the same in-process lock.
func (s *Store) GC(ctx context.Context, olderThan time.Duration) (int, error) {
	var toArchive []model.Task
	err := s.mutate(ctx, nil, func(b *model.Backlog) error {
		cutoff := time.Now().UTC().Add(-olderThan)
		var keep []model.Task
		toArchive = nil
		for _, t := range b.Tasks {
			terminalAt := terminalTime(t)
			if terminalAt != nil && terminalAt.Before(cutoff) {
				toArchive = append(toArchive, t)
				continue
			}
			keep = append(keep, t)
		}
		b.Tasks = keep
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(toArchive) == 0 {
		return 0, nil
	}
	if err := s.appendArchive(ctx, toArchive); err != nil {
		return 0, err
	}
	return len(toArchive), nil
}

func terminalTime(t model.Task) *time.Time {
	if t.Status.State == model.TaskDone {
		return t.Status.CompletedAt
	}
	if t.Status.State == model.TaskCancelled {
		return t.Status.CancelledAt
	}
	return nil
}

func (s *Store) appendArchive(ctx context.Context, tasks []model.Task) error {
	return s.store.AtomicUpdate(ctx, backlogArchiveKey, func(cur string, ok bool) (string, error) {
		archive, err := decodeBacklog(cur, ok)
		if err != nil {
			return "", err
		}
		archive.Tasks = append(archive.Tasks, tasks...)
		archive.LastUpdated = time.Now().UTC()
		return encodeBacklog(archive)
	})
}
