// Package jobs runs synthesis requests in the background for the web UI and
// the async API. Jobs live in memory only; finished jobs are swept after the
// retention period and their audio is removed with them.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nadzzz/longspeech/internal/config"
	"github.com/nadzzz/longspeech/internal/narrate"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrNotReady = errors.New("job has no audio yet")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further events follow.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// Event is a progress or state change of one job.
type Event struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Time      time.Time `json:"time"`
}

// Snapshot is the externally visible state of a job.
type Snapshot struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	Progress     float64    `json:"progress"`
	Voice        string     `json:"voice,omitempty"`
	Chars        int        `json:"chars"`
	Chunks       int        `json:"chunks,omitempty"`
	Segments     int        `json:"segments,omitempty"`
	FallbackUsed bool       `json:"fallback_used"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Runner performs one synthesis request. *narrate.Narrator satisfies it.
type Runner interface {
	Synthesize(ctx context.Context, req narrate.Request) (*narrate.Result, error)
}

// Publisher receives every job event, e.g. to forward it to a message bus.
type Publisher interface {
	Publish(ev Event)
}

type job struct {
	id       string
	text     string
	voice    string
	status   Status
	progress float64
	result   *narrate.Result
	err      error
	created  time.Time
	finished time.Time
	cancel   context.CancelFunc
	subs     map[chan Event]struct{}
}

// Manager owns the job registry and bounds concurrent synthesis.
type Manager struct {
	runner     Runner
	sem        chan struct{}
	retention  time.Duration
	sweepEvery time.Duration
	publishers []Publisher
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

// NewManager creates a manager. Publishers see every event of every job.
func NewManager(runner Runner, cfg config.JobsConfig, publishers ...Publisher) *Manager {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:     runner,
		sem:        make(chan struct{}, limit),
		retention:  cfg.Retention,
		sweepEvery: cfg.SweepInterval,
		publishers: publishers,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]*job),
	}
}

// Submit queues a synthesis job and returns immediately.
func (m *Manager) Submit(text, voice string) (Snapshot, error) {
	if strings.TrimSpace(text) == "" {
		return Snapshot{}, &narrate.Error{Kind: narrate.KindInput, Chunk: -1, Err: narrate.ErrEmptyText}
	}
	if m.ctx.Err() != nil {
		return Snapshot{}, errors.New("job manager closed")
	}

	jctx, cancel := context.WithCancel(m.ctx)
	j := &job{
		id:      uuid.NewString(),
		text:    text,
		voice:   voice,
		status:  StatusQueued,
		created: m.now(),
		cancel:  cancel,
		subs:    make(map[chan Event]struct{}),
	}

	m.mu.Lock()
	m.jobs[j.id] = j
	snap := j.snapshot()
	m.mu.Unlock()

	slog.Info("job queued", "job_id", j.id, "chars", len([]rune(text)), "voice", voice)
	m.emit(j, Event{JobID: j.id, Status: StatusQueued, Time: j.created})

	m.wg.Add(1)
	go m.run(jctx, j)
	return snap, nil
}

func (m *Manager) run(ctx context.Context, j *job) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.finish(j, nil, &narrate.Error{Kind: narrate.KindCanceled, Chunk: -1, Err: ctx.Err()})
		return
	}
	defer func() { <-m.sem }()

	m.mu.Lock()
	j.status = StatusRunning
	m.mu.Unlock()
	m.emit(j, Event{JobID: j.id, Status: StatusRunning, Time: m.now()})

	res, err := m.runner.Synthesize(ctx, narrate.Request{
		ID:    j.id,
		Text:  j.text,
		Voice: j.voice,
		Progress: func(f float64) {
			m.mu.Lock()
			j.progress = f
			m.mu.Unlock()
			m.emit(j, Event{JobID: j.id, Status: StatusRunning, Progress: f, Time: m.now()})
		},
	})
	m.finish(j, res, err)
}

func (m *Manager) finish(j *job, res *narrate.Result, err error) {
	m.mu.Lock()
	j.finished = m.now()
	j.result = res
	j.err = err
	switch {
	case err == nil:
		j.status = StatusDone
		j.progress = 1
	case narrate.KindOf(err) == narrate.KindCanceled:
		j.status = StatusCanceled
	default:
		j.status = StatusFailed
	}
	_, registered := m.jobs[j.id]
	ev := Event{JobID: j.id, Status: j.status, Progress: j.progress, Time: j.finished}
	if err != nil {
		ev.Error = err.Error()
		ev.ErrorKind = string(narrate.KindOf(err))
	}
	m.mu.Unlock()

	if !registered && res != nil {
		// Deleted while running.
		_ = res.Cleanup()
	}
	if err != nil {
		slog.Warn("job finished with error", "job_id", j.id, "status", j.status, "error", err)
	} else {
		slog.Info("job done", "job_id", j.id, "segments", res.Segments, "fallback_used", res.FallbackUsed)
	}
	m.emit(j, ev)
}

// emit delivers ev to subscribers and publishers. Slow subscribers miss
// intermediate progress; channels are closed after the terminal event.
func (m *Manager) emit(j *job, ev Event) {
	m.mu.Lock()
	for ch := range j.subs {
		select {
		case ch <- ev:
		default:
			if ev.Status.Terminal() {
				// Make room so the final state is never lost.
				select {
				case <-ch:
				default:
				}
				ch <- ev
			}
		}
		if ev.Status.Terminal() {
			close(ch)
			delete(j.subs, ch)
		}
	}
	m.mu.Unlock()

	for _, p := range m.publishers {
		p.Publish(ev)
	}
}

// Get returns the current state of a job.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Snapshot{}, false
	}
	return j.snapshot(), true
}

// Subscribe streams events of one job. The returned channel is closed after
// the terminal event; call the returned func to stop early.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}

	ch := make(chan Event, 64)
	if j.status.Terminal() {
		ch <- j.snapshot().event()
		close(ch)
		return ch, func() {}, nil
	}
	j.subs[ch] = struct{}{}
	ch <- Event{JobID: j.id, Status: j.status, Progress: j.progress, Time: m.now()}

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := j.subs[ch]; ok {
			delete(j.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// Audio returns the MP3 path of a finished job.
func (m *Manager) Audio(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	if j.status != StatusDone || j.result == nil {
		return "", ErrNotReady
	}
	return j.result.Path, nil
}

// Delete cancels a job if it is still running and removes it with its audio.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if ok {
		delete(m.jobs, id)
	}
	var res *narrate.Result
	if ok {
		res = j.result
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	j.cancel()
	if res != nil {
		if err := res.Cleanup(); err != nil {
			slog.Warn("failed to remove job audio", "job_id", id, "error", err)
		}
	}
	slog.Info("job deleted", "job_id", id)
	return nil
}

// Run sweeps expired jobs until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.sweepEvery <= 0 || m.retention <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep removes finished jobs older than the retention period and returns
// how many were removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	var expired []*job
	for id, j := range m.jobs {
		if j.status.Terminal() && j.finished.Before(cutoff) {
			expired = append(expired, j)
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	for _, j := range expired {
		if j.result != nil {
			_ = j.result.Cleanup()
		}
		j.cancel()
	}
	if len(expired) > 0 {
		slog.Debug("swept expired jobs", "count", len(expired))
	}
	return len(expired)
}

// Close cancels running jobs, waits for them, and removes all job audio.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	all := m.jobs
	m.jobs = make(map[string]*job)
	m.mu.Unlock()

	for _, j := range all {
		if j.result != nil {
			_ = j.result.Cleanup()
		}
	}
}

func (j *job) snapshot() Snapshot {
	s := Snapshot{
		ID:        j.id,
		Status:    j.status,
		Progress:  j.progress,
		Voice:     j.voice,
		Chars:     len([]rune(j.text)),
		CreatedAt: j.created,
	}
	if j.result != nil {
		s.Voice = j.result.Voice
		s.Chunks = j.result.Chunks
		s.Segments = j.result.Segments
		s.FallbackUsed = j.result.FallbackUsed
	}
	if j.err != nil {
		s.Error = j.err.Error()
		s.ErrorKind = string(narrate.KindOf(j.err))
	}
	if !j.finished.IsZero() {
		t := j.finished
		s.FinishedAt = &t
	}
	return s
}

func (s Snapshot) event() Event {
	t := s.CreatedAt
	if s.FinishedAt != nil {
		t = *s.FinishedAt
	}
	return Event{JobID: s.ID, Status: s.Status, Progress: s.Progress, Error: s.Error, ErrorKind: s.ErrorKind, Time: t}
}
