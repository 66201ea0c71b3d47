package video

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chessbuddy/internal/domain"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// JobStatus represents the status of a background video job.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Job is one asynchronous Process call.
type Job struct {
	ID        string     `json:"job_id"`
	URL       string     `json:"video_url"`
	Force     bool       `json:"force_refresh"`
	Status    JobStatus  `json:"status"`
	Stage     string     `json:"stage,omitempty"`
	Progress  int        `json:"progress"` // 0-100
	VideoID   string     `json:"video_id,omitempty"`
	Title     string     `json:"title,omitempty"`
	Cached    bool       `json:"cached,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}

// Processor is the work a job runs.
type Processor interface {
	ProcessWithProgress(ctx context.Context, url string, force bool, progress ProgressFunc) (*domain.VideoRecord, error)
}

type JobsConfig struct {
	Processor     Processor
	MaxConcurrent int           // simultaneous downloads/transcriptions (default: 2)
	Retention     time.Duration // finished jobs are forgotten after this (default: 1h)
	Logger        *slog.Logger
}

// Jobs runs video processing in the background on a bounded pool.
type Jobs struct {
	processor Processor
	sem       *semaphore.Weighted
	retention time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewJobs(cfg JobsConfig) *Jobs {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{
		processor: cfg.Processor,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		retention: cfg.Retention,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*Job),
	}
}

// Submit queues url for processing and returns the job id immediately.
func (j *Jobs) Submit(url string, force bool) string {
	j.Clean(j.retention)

	job := &Job{
		ID:        uuid.NewString(),
		URL:       url,
		Force:     force,
		Status:    JobPending,
		CreatedAt: time.Now(),
	}
	j.mu.Lock()
	j.jobs[job.ID] = job
	j.mu.Unlock()

	j.logger.Info("video job submitted", "id", job.ID, "url", url)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.run(job)
	}()
	return job.ID
}

func (j *Jobs) run(job *Job) {
	if err := j.sem.Acquire(j.ctx, 1); err != nil {
		j.finish(job, nil, err)
		return
	}
	defer j.sem.Release(1)

	j.mu.Lock()
	job.Status = JobRunning
	j.mu.Unlock()

	rec, err := j.processor.ProcessWithProgress(j.ctx, job.URL, job.Force, func(stage string, pct int) {
		j.mu.Lock()
		job.Stage = stage
		job.Progress = pct
		j.mu.Unlock()
	})
	j.finish(job, rec, err)
}

func (j *Jobs) finish(job *Job, rec *domain.VideoRecord, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	job.DoneAt = &now
	if err != nil {
		job.Status = JobFailed
		job.Error = UserMessage(err)
		j.logger.Error("video job failed", "id", job.ID, "err", err)
		return
	}
	job.Status = JobComplete
	job.Progress = 100
	job.VideoID = rec.VideoID
	job.Title = rec.Title
	job.Cached = rec.Cached
	j.logger.Info("video job completed", "id", job.ID, "video_id", rec.VideoID)
}

// Get returns a copy of the job's current state.
func (j *Jobs) Get(id string) (Job, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	job, ok := j.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns all jobs, newest first.
func (j *Jobs) List() []Job {
	j.mu.RLock()
	result := make([]Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		result = append(result, *job)
	}
	j.mu.RUnlock()
	sort.Slice(result, func(a, b int) bool { return result[a].CreatedAt.After(result[b].CreatedAt) })
	return result
}

// ListActive returns jobs that are still running or pending.
func (j *Jobs) ListActive() []Job {
	var result []Job
	for _, job := range j.List() {
		if job.Status == JobPending || job.Status == JobRunning {
			result = append(result, job)
		}
	}
	return result
}

// Clean removes finished jobs older than maxAge.
func (j *Jobs) Clean(maxAge time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, job := range j.jobs {
		if job.DoneAt != nil && job.DoneAt.Before(cutoff) {
			delete(j.jobs, id)
			removed++
		}
	}
	return removed
}

// Close cancels running jobs and waits for them to stop.
func (j *Jobs) Close() {
	j.cancel()
	j.wg.Wait()
}

// Wait blocks until every submitted job has finished.
func (j *Jobs) Wait() {
	j.wg.Wait()
}
