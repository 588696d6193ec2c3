package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zari-lab/labdata/internal/observability"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// MockAuditRepository is a mock implementation of AuditRepository
type MockAuditRepository struct {
	mock.Mock
	mu             sync.Mutex
	insertedEvents []*models.AuditEvent
}

func (m *MockAuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	args := m.Called(ctx, event)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.insertedEvents = append(m.insertedEvents, event)
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *MockAuditRepository) List(ctx context.Context, q repositories.AuditQuery) ([]*models.AuditEvent, error) {
	args := m.Called(ctx, q)
	if events := args.Get(0); events != nil {
		return events.([]*models.AuditEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) GetInsertedEvents() []*models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditEvent(nil), m.insertedEvents...)
}

func TestAuditService_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), nil, Config{BufferSize: 10, WorkerCount: 2})

	require.NoError(t, service.Start())

	stats := service.GetStats()
	assert.True(t, stats.Started)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 10, stats.BufferSize)

	// Cannot start again
	assert.Error(t, service.Start())

	require.NoError(t, service.Stop(5*time.Second))
	assert.False(t, service.GetStats().Started)

	// Second stop and restart are rejected rather than panicking
	assert.Error(t, service.Stop(time.Second))
	assert.Error(t, service.Start())
}

func TestAuditService_Record(t *testing.T) {
	ctx := context.Background()

	t.Run("writes synchronously without workers", func(t *testing.T) {
		mockRepo := new(MockAuditRepository)
		service := NewAuditService(mockRepo, zap.NewNop(), nil, DefaultConfig())
		event := models.NewAuditEvent(models.AuditEventLogin).WithEmail("ana@lab.test")

		mockRepo.On("Insert", ctx, event).Return(nil)

		require.NoError(t, service.Record(ctx, event))
		assert.Len(t, mockRepo.GetInsertedEvents(), 1)
		mockRepo.AssertExpectations(t)
	})

	t.Run("returns store failure", func(t *testing.T) {
		mockRepo := new(MockAuditRepository)
		service := NewAuditService(mockRepo, zap.NewNop(), nil, DefaultConfig())

		mockRepo.On("Insert", ctx, mock.Anything).Return(errors.New("connection refused"))

		err := service.Record(ctx, models.NewAuditEvent(models.AuditEventSessionTimeout))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session_timeout")
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestAuditService_LogEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), nil, Config{BufferSize: 100, WorkerCount: 3})
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	t.Run("rejected before start", func(t *testing.T) {
		assert.Error(t, service.LogEvent(models.NewAuditEvent(models.AuditEventUserApproved)))
	})

	require.NoError(t, service.Start())

	eventCount := 50
	for i := 0; i < eventCount; i++ {
		require.NoError(t, service.LogEvent(models.NewAuditEvent(models.AuditEventUserApproved)))
	}

	// Stop drains the queue
	require.NoError(t, service.Stop(5*time.Second))
	assert.Len(t, mockRepo.GetInsertedEvents(), eventCount)

	assert.Error(t, service.LogEvent(models.NewAuditEvent(models.AuditEventUserUpdate)), "stopped service rejects events")
}

func TestAuditService_BufferFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	mockRepo := new(MockAuditRepository)
	metrics := observability.NewMetrics()
	service := NewAuditService(mockRepo, zap.NewNop(), metrics, Config{BufferSize: 1, WorkerCount: 1})

	release := make(chan time.Time)
	mockRepo.On("Insert", mock.Anything, mock.Anything).
		WaitUntil(release).
		Return(nil)

	require.NoError(t, service.Start())

	// The first event occupies the worker, the second fills the buffer;
	// keep sending until one is dropped.
	var dropped bool
	for i := 0; i < 10 && !dropped; i++ {
		dropped = service.LogEvent(models.NewAuditEvent(models.AuditEventUserUpdate)) != nil
	}
	assert.True(t, dropped)
	assert.Equal(t, uint64(1), metrics.AuditEventsDropped.Load())

	close(release)
	require.NoError(t, service.Stop(5*time.Second))
}

func TestAuditService_PendingEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), nil, Config{BufferSize: 4, WorkerCount: 1})

	release := make(chan time.Time)
	mockRepo.On("Insert", mock.Anything, mock.Anything).
		WaitUntil(release).
		Return(nil)
	require.NoError(t, service.Start())

	// one event occupies the worker, the rest wait in the buffer
	for i := 0; i < 3; i++ {
		require.NoError(t, service.LogEvent(models.NewAuditEvent(models.AuditEventUserUpdate)))
	}
	assert.Eventually(t, func() bool { return service.GetStats().PendingEvents == 2 },
		time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, service.Stop(5*time.Second))
	assert.Zero(t, service.GetStats().PendingEvents)
}

func TestAuditService_List(t *testing.T) {
	ctx := context.Background()
	events := []*models.AuditEvent{models.NewAuditEvent(models.AuditEventLogin)}

	tests := []struct {
		name  string
		query repositories.AuditQuery
		want  repositories.AuditQuery
	}{
		{
			name:  "default page",
			query: repositories.AuditQuery{EventType: models.AuditEventLogin},
			want:  repositories.AuditQuery{EventType: models.AuditEventLogin, Limit: DefaultListLimit},
		},
		{
			name:  "capped page",
			query: repositories.AuditQuery{Limit: 10000, Offset: -4},
			want:  repositories.AuditQuery{Limit: MaxListLimit},
		},
		{
			name:  "explicit page",
			query: repositories.AuditQuery{Limit: 20, Offset: 40},
			want:  repositories.AuditQuery{Limit: 20, Offset: 40},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := new(MockAuditRepository)
			mockRepo.On("List", ctx, tt.want).Return(events, nil)
			service := NewAuditService(mockRepo, zap.NewNop(), nil, DefaultConfig())

			got, err := service.List(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, events, got)
			mockRepo.AssertExpectations(t)
		})
	}

	t.Run("store failure", func(t *testing.T) {
		mockRepo := new(MockAuditRepository)
		mockRepo.On("List", ctx, mock.Anything).Return(nil, errors.New("connection refused"))
		service := NewAuditService(mockRepo, zap.NewNop(), nil, DefaultConfig())

		_, err := service.List(ctx, repositories.AuditQuery{})
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestAuditService_ConcurrentLogging(t *testing.T) {
	defer goleak.VerifyNone(t)

	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), nil, Config{BufferSize: 1000, WorkerCount: 5})
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, service.Start())

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = service.LogEvent(models.NewAuditEvent(models.AuditEventLogin))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, service.Stop(5*time.Second))
	assert.Len(t, mockRepo.GetInsertedEvents(), 200)
}
