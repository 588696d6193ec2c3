package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zari-lab/labdata/internal/observability"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"go.uber.org/zap"
)

// AuditService appends events to the audit trail. Record writes
// synchronously and is used where the event must exist before the caller
// continues (session transitions, versioning). LogEvent hands events to a
// worker pool for administrative events that must not slow the request.
type AuditService struct {
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	metrics     *observability.Metrics
	eventChan   chan *models.AuditEvent
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	mu          sync.RWMutex
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  1000,
		WorkerCount: 2,
	}
}

// NewAuditService creates a new AuditService instance. metrics may be nil.
func NewAuditService(auditRepo repositories.AuditRepository, logger *zap.Logger, metrics *observability.Metrics, config Config) *AuditService {
	ctx, cancel := context.WithCancel(context.Background())

	return &AuditService{
		auditRepo:   auditRepo,
		logger:      logger,
		metrics:     metrics,
		eventChan:   make(chan *models.AuditEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("audit service already stopped")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting events and waits for queued ones to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	// a stopped service cannot be restarted
	s.cancel()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.started = false
	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))
	close(s.eventChan)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record writes event synchronously
func (s *AuditService) Record(ctx context.Context, event *models.AuditEvent) error {
	if err := s.auditRepo.Insert(ctx, event); err != nil {
		s.logger.Error("failed to record audit event",
			zap.String("event_type", string(event.EventType)),
			zap.String("email", event.Email),
			zap.Error(err))
		return fmt.Errorf("failed to record %s audit event: %w", event.EventType, err)
	}
	return nil
}

// LogEvent queues event for asynchronous writing (non-blocking).
// A full buffer drops the event.
func (s *AuditService) LogEvent(event *models.AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return fmt.Errorf("audit service not started")
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.metrics.IncAuditDropped()
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("email", event.Email))
		return fmt.Errorf("audit event buffer full")
	}
}

// worker processes events from the channel
func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
				zap.String("email", event.Email))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) processEvent(event *models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Audit trail page sizes
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// List returns one page of audit events newest first. A zero limit selects
// DefaultListLimit; larger limits are capped at MaxListLimit.
func (s *AuditService) List(ctx context.Context, q repositories.AuditQuery) ([]*models.AuditEvent, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultListLimit
	case q.Limit > MaxListLimit:
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	events, err := s.auditRepo.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int  `json:"buffer_size"`
	PendingEvents int  `json:"pending_events"`
	WorkerCount   int  `json:"worker_count"`
	Started       bool `json:"started"`
}
