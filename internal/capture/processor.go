package capture

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"siderec/internal/models"
	"siderec/internal/observability/logging"
)

// Job asks the processor to merge every recording of a meeting: one
// artifact per uploading user and, when at least two of those succeed, the
// side-by-side composition of the host and the first other user.
type Job struct {
	MeetingID string
	HostID    string
}

type ProcessorConfig struct {
	Engine    *Engine
	Workers   int
	QueueSize int
	// Delay postpones each job so trailing chunk uploads can land after the
	// meeting ends.
	Delay  time.Duration
	Logger *slog.Logger
}

// Processor runs meeting merges on a fixed worker pool. A meeting already
// being merged is not queued twice.
type Processor struct {
	engine  *Engine
	workers int
	delay   time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan Job
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultMergeWorkers   = 2
	defaultMergeQueueSize = 64
)

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultMergeWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultMergeQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		engine:   cfg.Engine,
		workers:  workers,
		delay:    cfg.Delay,
		logger:   logging.WithComponent(logger, "capture"),
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan Job, queueSize),
		inFlight: make(map[string]struct{}),
	}
}

func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue blocks until the job is queued or the processor shuts down.
func (p *Processor) Enqueue(job Job) {
	if p == nil || strings.TrimSpace(job.MeetingID) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.queue <- job:
	case <-p.ctx.Done():
	}
}

// TryEnqueue queues job only if the queue has room.
func (p *Processor) TryEnqueue(job Job) bool {
	if p == nil || strings.TrimSpace(job.MeetingID) == "" {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.queue <- job:
		return true
	default:
		return false
	}
}

// MeetingEnded queues the merge of a meeting whose host has left. It never
// waits on the queue; a full queue skips the meeting, which can still be
// merged through the API.
func (p *Processor) MeetingEnded(_ context.Context, meeting models.Meeting) {
	if p == nil {
		return
	}
	if !p.TryEnqueue(Job{MeetingID: meeting.ID, HostID: meeting.HostID}) {
		p.logger.Warn("merge queue full, automatic merge skipped", "meeting_id", meeting.ID)
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			if !p.beginWork(job.MeetingID) {
				continue
			}
			if p.wait() {
				p.process(job)
			}
			p.finishWork(job.MeetingID)
		}
	}
}

func (p *Processor) wait() bool {
	if p.delay <= 0 {
		return true
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Processor) process(job Job) {
	if p.engine == nil {
		return
	}
	users, err := p.engine.Store().Users(p.ctx, job.MeetingID)
	if err != nil {
		p.logger.Error("failed to list recording users", "meeting_id", job.MeetingID, "error", err)
		return
	}
	if len(users) == 0 {
		p.logger.Debug("no recordings to merge", "meeting_id", job.MeetingID)
		return
	}

	var merged []string
	for _, user := range users {
		if _, err := p.engine.MergeUser(p.ctx, job.MeetingID, user); err != nil {
			if errors.Is(err, ErrNotEnoughChunks) {
				p.logger.Info("skipping user merge", "meeting_id", job.MeetingID, "user_id", user, "error", err)
			}
			if p.ctx.Err() != nil {
				return
			}
			continue
		}
		merged = append(merged, user)
	}

	userA, userB, ok := composePair(job.HostID, merged)
	if !ok {
		return
	}
	if _, err := p.engine.MergeSideBySide(p.ctx, job.MeetingID, userA, userB); err != nil {
		return
	}
	p.logger.Info("meeting recording composed", "meeting_id", job.MeetingID, "left", userA, "right", userB)
}

// composePair puts the host on the left when it has an artifact, otherwise
// the first two users in order.
func composePair(hostID string, users []string) (string, string, bool) {
	if len(users) < 2 {
		return "", "", false
	}
	for i, user := range users {
		if user != hostID {
			continue
		}
		other := users[0]
		if i == 0 {
			other = users[1]
		}
		return hostID, other, true
	}
	return users[0], users[1], true
}
