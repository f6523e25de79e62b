package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agis-digital/agis-api/internal/models"
	"github.com/agis-digital/agis-api/pkg/jobs"
)

type auditRepository interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// AuditService records security-relevant events. Events are dispatched to a
// background worker queue; a failure to persist an event is logged and never
// surfaces to the operation that produced it.
type AuditService struct {
	repo   auditRepository
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAuditService constructs an AuditService with its worker queue.
func NewAuditService(repo auditRepository, logger *zap.Logger, cfg jobs.QueueConfig) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AuditService{repo: repo, logger: logger}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	s.queue = jobs.NewQueue("audit", s.handle, cfg)
	return s
}

// Start launches the audit workers.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains and stops the audit workers.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// Record dispatches an audit event. It never blocks the caller on
// persistence and never returns an error.
func (s *AuditService) Record(actorID *string, action, entity string, entityID *string, metadata map[string]interface{}) {
	var payload []byte
	if metadata != nil {
		payload, _ = json.Marshal(metadata)
	}

	log := &models.AuditLog{
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Metadata:  payload,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: action, Payload: log}); err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			// The caller must never wait on audit persistence. A saturated
			// buffer means workers are stalled; dropping the event keeps the
			// primary operation moving.
			s.logger.Warn("audit queue full, event dropped", zap.String("action", action))
			return
		}
		// Queue not running (startup, shutdown, tests): write inline so the
		// event is not lost, still best-effort.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.Create(ctx, log); err != nil {
			s.logger.Warn("failed to persist audit log", zap.String("action", action), zap.Error(err))
		}
	}
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	log, ok := job.Payload.(*models.AuditLog)
	if !ok {
		s.logger.Warn("audit job carried unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	// Bounded write so a hung store cannot park a worker indefinitely.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.repo.Create(ctx, log)
}
