package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrJobNotFound = errors.New("archive job not found")

type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Job is an archive being built in the background.
type Job struct {
	ID       string
	Owner    uint64
	Filename string

	progress *Progress
	created  time.Time

	mu       sync.Mutex
	state    State
	artifact *Artifact
	err      error
	finished time.Time
}

// JobStatus is a point-in-time copy of a job, safe to serialise.
type JobStatus struct {
	ID         string           `json:"id"`
	Filename   string           `json:"filename"`
	State      State            `json:"state"`
	URL        string           `json:"url,omitempty"`
	Error      string           `json:"error,omitempty"`
	Progress   ProgressSnapshot `json:"progress"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := JobStatus{
		ID:        j.ID,
		Filename:  j.Filename,
		State:     j.state,
		Progress:  j.progress.Snapshot(),
		CreatedAt: j.created,
	}
	if j.artifact != nil {
		st.URL = j.artifact.URL
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	if !j.finished.IsZero() {
		finished := j.finished
		st.FinishedAt = &finished
	}
	return st
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) finish(a *Artifact, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.artifact, j.err = a, err
	j.finished = time.Now()
	if err != nil {
		j.state = StateFailed
		return
	}
	j.state = StateDone
}

func (j *Job) done() (bool, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state == StateDone || j.state == StateFailed, j.finished
}

// ObserveFunc is told about every finished build.
type ObserveFunc func(a *Artifact, elapsed time.Duration, err error)

// Jobs runs archive builds that are too large to finish inside a request.
type Jobs struct {
	builder *Builder
	log     *zap.Logger
	observe ObserveFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewJobs(builder *Builder, log *zap.Logger, observe ObserveFunc) *Jobs {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{
		builder: builder,
		log:     log,
		observe: observe,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*Job),
	}
}

// Submit starts building entries on its own goroutine.
func (js *Jobs) Submit(owner uint64, filename string, entries []Entry) *Job {
	job := &Job{
		ID:       uuid.NewString(),
		Owner:    owner,
		Filename: filename,
		progress: NewProgress(),
		created:  time.Now(),
		state:    StatePending,
	}

	js.mu.Lock()
	js.jobs[job.ID] = job
	js.mu.Unlock()

	js.wg.Add(1)
	go func() {
		defer js.wg.Done()
		job.setState(StateRunning)
		start := time.Now()
		a, err := js.builder.Build(js.ctx, entries, job.progress)
		job.finish(a, err)
		if js.observe != nil {
			js.observe(a, time.Since(start), err)
		}
		if err != nil {
			js.log.Error("archive job failed", zap.String("job", job.ID), zap.Error(err))
			return
		}
		js.log.Info("archive job done",
			zap.String("job", job.ID),
			zap.String("progress", job.progress.Snapshot().String()))
	}()
	return job
}

// Get returns the status of one of owner's jobs.
func (js *Jobs) Get(owner uint64, id string) (JobStatus, error) {
	js.mu.Lock()
	job, ok := js.jobs[id]
	js.mu.Unlock()
	if !ok || job.Owner != owner {
		return JobStatus{}, ErrJobNotFound
	}
	return job.Status(), nil
}

// Prune forgets finished jobs older than age and returns how many went.
func (js *Jobs) Prune(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	js.mu.Lock()
	defer js.mu.Unlock()
	n := 0
	for id, job := range js.jobs {
		if finished, at := job.done(); finished && at.Before(cutoff) {
			delete(js.jobs, id)
			n++
		}
	}
	return n
}

// Wait blocks until every submitted job has finished.
func (js *Jobs) Wait() {
	js.wg.Wait()
}

// Close cancels running builds and waits for them to stop.
func (js *Jobs) Close() {
	js.cancel()
	js.wg.Wait()
}
