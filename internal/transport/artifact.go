package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldweaver/internal/atomicfile"
	"fieldweaver/internal/field"
)

const (
	resultSuffix = ".json"
	taskSuffix   = ".task.json"

	DefaultPollInterval = 200 * time.Millisecond
)

// ArtifactName is the result file a worker writes: "{job}_{id}.json".
func ArtifactName(job string, workerID int) string {
	return job + "_" + strconv.Itoa(workerID) + resultSuffix
}

// TaskName is the descriptor file for a worker: "{job}_{id}.task.json".
func TaskName(job string, workerID int) string {
	return job + "_" + strconv.Itoa(workerID) + taskSuffix
}

// parseArtifactName reports the worker id encoded in a result file name for job.
func parseArtifactName(job, name string) (int, bool) {
	if strings.HasSuffix(name, taskSuffix) || !strings.HasSuffix(name, resultSuffix) {
		return 0, false
	}
	mid, ok := strings.CutPrefix(strings.TrimSuffix(name, resultSuffix), job+"_")
	if !ok || mid == "" {
		return 0, false
	}
	for _, r := range mid {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.Atoi(mid)
	if err != nil {
		return 0, false
	}
	return id, true
}

// WriteResult stores res as dir/{job}_{id}.json. The write is atomic, so a
// polling coordinator never reads a half-written artifact.
func WriteResult(dir, job string, res field.WorkerResult) error {
	path := filepath.Join(dir, ArtifactName(job, res.WorkerID))
	if err := atomicfile.WriteJSON(path, res, 0o644); err != nil {
		return &TransportError{Op: "write", WorkerID: res.WorkerID, Err: err}
	}
	return nil
}

// ReadTask loads the descriptor written for workerID by Artifact.Send.
func ReadTask(dir, job string, workerID int) (field.TaskDescriptor, error) {
	var desc field.TaskDescriptor
	if err := atomicfile.ReadJSONStrict(filepath.Join(dir, TaskName(job, workerID)), &desc); err != nil {
		return field.TaskDescriptor{}, &TransportError{Op: "read task", WorkerID: workerID, Err: err}
	}
	if desc.WorkerID != workerID {
		return field.TaskDescriptor{}, &TransportError{Op: "read task", WorkerID: workerID, Err: fmt.Errorf("descriptor addressed to worker %d", desc.WorkerID)}
	}
	return desc, nil
}

// Scan is the offline pass: every result artifact for job currently in dir,
// ordered by worker id.
func Scan(dir, job string) ([]field.WorkerResult, error) {
	ids, err := listArtifacts(dir, job)
	if err != nil {
		return nil, &TransportError{Op: "scan", WorkerID: anyWorker, Err: err}
	}
	sort.Ints(ids)
	out := make([]field.WorkerResult, 0, len(ids))
	for _, id := range ids {
		res, err := readResult(dir, job, id)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Artifact is the file binding: workers run as separate processes and leave
// their results in a shared directory.
type Artifact struct {
	Dir  string
	Job  string
	Poll time.Duration
	// WriteTasks makes Send write {job}_{id}.task.json for workers to pick up.
	WriteTasks bool
	Logger     *zap.Logger

	mu          sync.Mutex
	outstanding map[int]bool
}

func NewArtifact(dir, job string, writeTasks bool, logger *zap.Logger) (*Artifact, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artifact dir is required")
	}
	if strings.TrimSpace(job) == "" {
		return nil, errors.New("job is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Artifact{
		Dir:        dir,
		Job:        job,
		Poll:       DefaultPollInterval,
		WriteTasks: writeTasks,
		Logger:     logger,
	}, nil
}

// Send marks workerID outstanding and, with WriteTasks, publishes desc.
func (a *Artifact) Send(ctx context.Context, workerID int, desc field.TaskDescriptor) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "send", WorkerID: workerID, Err: err}
	}
	if desc.WorkerID != workerID {
		return &TransportError{Op: "send", WorkerID: workerID, Err: fmt.Errorf("descriptor addressed to worker %d", desc.WorkerID)}
	}
	if a.WriteTasks {
		path := filepath.Join(a.Dir, TaskName(a.Job, workerID))
		if err := atomicfile.WriteJSON(path, desc, 0o644); err != nil {
			return &TransportError{Op: "send", WorkerID: workerID, Err: err}
		}
	}
	a.mu.Lock()
	if a.outstanding == nil {
		a.outstanding = make(map[int]bool)
	}
	a.outstanding[workerID] = true
	a.mu.Unlock()
	a.Logger.Debug("worker outstanding", zap.String("job", a.Job), zap.Int("worker_id", workerID))
	return nil
}

// Receive polls Dir until an artifact of an outstanding worker appears and
// returns it. Each worker's artifact is returned at most once.
func (a *Artifact) Receive(ctx context.Context) (field.WorkerResult, error) {
	poll := a.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		a.mu.Lock()
		n := len(a.outstanding)
		a.mu.Unlock()
		if n == 0 {
			return field.WorkerResult{}, &TransportError{Op: "receive", WorkerID: anyWorker, Err: ErrNoOutstanding}
		}

		ids, err := listArtifacts(a.Dir, a.Job)
		if err != nil {
			return field.WorkerResult{}, &TransportError{Op: "receive", WorkerID: anyWorker, Err: err}
		}
		for _, id := range ids {
			a.mu.Lock()
			want := a.outstanding[id]
			a.mu.Unlock()
			if !want {
				continue
			}
			res, err := readResult(a.Dir, a.Job, id)
			if err != nil {
				return field.WorkerResult{}, err
			}
			a.mu.Lock()
			delete(a.outstanding, id)
			a.mu.Unlock()
			a.Logger.Debug("artifact received", zap.String("job", a.Job), zap.Int("worker_id", id))
			return res, nil
		}

		select {
		case <-ctx.Done():
			return field.WorkerResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// listArtifacts returns worker ids of result files for job, in directory
// (lexical file name) order. A missing directory holds no artifacts.
func listArtifacts(dir, job string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseArtifactName(job, e.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func readResult(dir, job string, id int) (field.WorkerResult, error) {
	var res field.WorkerResult
	if err := atomicfile.ReadJSONStrict(filepath.Join(dir, ArtifactName(job, id)), &res); err != nil {
		return field.WorkerResult{}, &TransportError{Op: "receive", WorkerID: id, Err: err}
	}
	if res.WorkerID != id {
		return field.WorkerResult{}, &TransportError{Op: "receive", WorkerID: id, Err: fmt.Errorf("artifact holds worker %d", res.WorkerID)}
	}
	return res, nil
}
