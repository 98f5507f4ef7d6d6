package syncjob

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/realtime"
	"github.com/ehr/ehrsync/internal/provider"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*SyncJob
	err  error
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{jobs: make(map[string]*SyncJob)}
}

func (m *mockJobRepo) UpsertPending(_ context.Context, jobID, profileID, provider string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	j, ok := m.jobs[jobID]
	if !ok {
		m.jobs[jobID] = &SyncJob{JobID: jobID, ProfileID: profileID, Provider: provider, Status: StatusPending, CreatedAt: at, UpdatedAt: at}
		return nil
	}
	if j.UpdatedAt.After(at) {
		return nil
	}
	j.Status, j.StartedAt, j.CompletedAt, j.Error, j.UpdatedAt = StatusPending, nil, nil, nil, at
	return nil
}

func (m *mockJobRepo) MarkSyncing(_ context.Context, jobID, profileID, provider string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	j, ok := m.jobs[jobID]
	if !ok {
		j = &SyncJob{JobID: jobID, ProfileID: profileID, Provider: provider, CreatedAt: at}
		m.jobs[jobID] = j
	}
	started := at
	j.Status, j.StartedAt, j.CompletedAt, j.Error, j.UpdatedAt = StatusSyncing, &started, nil, nil, at
	return nil
}

func (m *mockJobRepo) MarkSuccess(_ context.Context, jobID string, at time.Time) error {
	return m.finish(jobID, StatusSuccess, nil, at)
}

func (m *mockJobRepo) MarkFailed(_ context.Context, jobID, message string, at time.Time) error {
	return m.finish(jobID, StatusFailed, &message, at)
}

func (m *mockJobRepo) finish(jobID, status string, message *string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	completed := at
	j.Status, j.Error, j.CompletedAt, j.UpdatedAt = status, message, &completed, at
	return nil
}

func (m *mockJobRepo) Get(_ context.Context, jobID string) (*SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

type mockQueue struct {
	mu       sync.Mutex
	states   map[string]string
	payloads []TaskPayload
	stateErr error
}

func newMockQueue() *mockQueue {
	return &mockQueue{states: make(map[string]string)}
}

func (q *mockQueue) Enqueue(_ context.Context, p TaskPayload) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if Running(q.states[p.JobID]) {
		return false, nil
	}
	q.states[p.JobID] = QueueStateWaiting
	q.payloads = append(q.payloads, p)
	return true, nil
}

func (q *mockQueue) State(_ context.Context, jobID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stateErr != nil {
		return QueueStateNone, q.stateErr
	}
	return q.states[jobID], nil
}

func (q *mockQueue) set(jobID, state string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[jobID] = state
}

// mockCooldown expires markers against the simulated clock.
type mockCooldown struct {
	mu      sync.Mutex
	clock   *clock
	expires map[string]time.Time
	err     error
}

func newMockCooldown(c *clock) *mockCooldown {
	return &mockCooldown{clock: c, expires: make(map[string]time.Time)}
}

func (m *mockCooldown) Set(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.expires[key] = m.clock.Now().Add(ttl)
	return nil
}

func (m *mockCooldown) Remaining(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	left := m.expires[key].Sub(m.clock.Now())
	if left <= 0 {
		return 0, nil
	}
	return left, nil
}

func (m *mockCooldown) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires = make(map[string]time.Time)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) last() (realtime.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return realtime.Event{}, false
	}
	return p.events[len(p.events)-1], true
}

type fakeAdapter struct {
	name  string
	err   error
	calls int
}

func (f *fakeAdapter) Name() string                            { return f.name }
func (f *fakeAdapter) Auth() provider.Authenticator            { return nil }
func (f *fakeAdapter) Fetch(context.Context, string) error     { return nil }
func (f *fakeAdapter) Normalize(context.Context, string) error { return nil }
func (f *fakeAdapter) Clean(context.Context, string) error     { return nil }

func (f *fakeAdapter) Sync(context.Context, string, string) error {
	f.calls++
	return f.err
}

type testEnv struct {
	clock     *clock
	repo      *mockJobRepo
	queue     *mockQueue
	cooldown  *mockCooldown
	publisher *recordingPublisher
	adapter   *fakeAdapter
	resolver  *Resolver
	svc       *Service
}

func newTestEnv() *testEnv {
	env := &testEnv{
		clock:     newClock(),
		repo:      newMockJobRepo(),
		queue:     newMockQueue(),
		publisher: &recordingPublisher{},
		adapter:   &fakeAdapter{name: "epic"},
	}
	env.cooldown = newMockCooldown(env.clock)

	registry := provider.NewRegistry()
	registry.Register("epic", env.adapter)

	env.resolver = NewResolver(env.queue, env.cooldown, env.repo, 30*time.Minute, time.Hour, zerolog.Nop())
	env.resolver.now = env.clock.Now
	env.svc = NewService(env.repo, env.queue, env.resolver, registry, env.cooldown, env.publisher, 30*time.Minute, zerolog.Nop())
	env.svc.now = env.clock.Now
	return env
}

var errProviderDown = &provider.AggregateSyncError{Failures: map[string]error{
	"Observation": &provider.TransientFetchError{ResourceType: "Observation", StatusCode: 500},
}}

var errBoom = errors.New("boom")
