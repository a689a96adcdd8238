// Package session manages session lifecycle: creation with the one-active-
// per-codebase rule, spawning of the per-session external worker, and the
// end fan-out that cancels every task still bound to the session.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/appctx"
	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/events/publisher"
	"github.com/taskplane/taskplane/internal/spawner"
	"github.com/taskplane/taskplane/internal/store"
	taskservice "github.com/taskplane/taskplane/internal/task/service"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// EndReason is recorded on every task cancelled by a session ending.
const EndReason = "Session ended"

// Service implements session lifecycle on top of the store, the spawner
// driver, and the two notification routes.
type Service struct {
	store     store.Store
	tasks     *taskservice.Service
	driver    spawner.Driver
	eventBus  bus.EventBus
	publisher publisher.Publisher
	source    string
	logger    *logger.Logger
}

func NewService(st store.Store, tasks *taskservice.Service, driver spawner.Driver, eventBus bus.EventBus, pub publisher.Publisher, source string, log *logger.Logger) *Service {
	return &Service{
		store:     st,
		tasks:     tasks,
		driver:    driver,
		eventBus:  eventBus,
		publisher: pub,
		source:    source,
		logger:    log.WithFields(zap.String("component", "session-service")),
	}
}

// Create starts a session for a codebase. If the codebase already has an
// active session the existing one is returned; at most one session per
// (tenant, codebase) is active at a time.
func (s *Service) Create(ctx context.Context, req *v1.CreateSessionRequest) (*v1.Session, error) {
	if _, err := s.store.GetCodebase(ctx, req.CodebaseID); err != nil {
		return nil, err
	}

	if active, err := s.store.GetActiveSessionByCodebase(ctx, req.CodebaseID); err == nil && active != nil {
		s.logger.Debug("returning existing active session",
			zap.String("session_id", active.ID), zap.String("codebase_id", req.CodebaseID))
		return active, nil
	} else if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}

	session := &v1.Session{
		ID:         uuid.New().String(),
		CodebaseID: req.CodebaseID,
		Status:     v1.SessionStatusActive,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		// A concurrent create for the same codebase can win the store's
		// single-active constraint; treat that like the pre-check hit.
		if apperrors.IsConflict(err) {
			if active, activeErr := s.store.GetActiveSessionByCodebase(ctx, req.CodebaseID); activeErr == nil {
				return active, nil
			}
		}
		return nil, err
	}

	result, err := s.driver.CreateSessionWorker(ctx, session.ID, session.TenantID, session.CodebaseID)
	if err != nil {
		s.logger.Error("session worker spawn failed",
			zap.String("session_id", session.ID),
			zap.String("failure_class", string(spawner.Classify(err))),
			zap.Error(err))
		if _, endErr := s.store.EndSession(ctx, session.ID, time.Now().UTC()); endErr != nil {
			s.logger.Warn("failed to end session after spawn failure",
				zap.String("session_id", session.ID), zap.Error(endErr))
		}
		return nil, apperrors.Wrap(err, "failed to spawn session worker")
	}
	if !result.Disabled && result.Name != "" {
		session.ServiceName = result.Name
		if err := s.store.UpdateSession(ctx, session); err != nil {
			s.logger.Warn("failed to record session service name",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	s.notify(ctx, events.SessionCreated, session)
	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("codebase_id", session.CodebaseID),
		zap.String("service_name", session.ServiceName))
	return session, nil
}

// Get returns one session under the caller's scope.
func (s *Service) Get(ctx context.Context, id string) (*v1.Session, error) {
	return s.store.GetSession(ctx, id)
}

// List returns sessions, optionally filtered by status.
func (s *Service) List(ctx context.Context, status v1.SessionStatus) ([]*v1.Session, error) {
	return s.store.ListSessions(ctx, status)
}

// End terminates a session: every non-terminal task bound to it is
// cancelled exactly once, the external worker is torn down, and a
// session.ended event goes out on both routes. Ending an already-ended
// session is acknowledged without change.
func (s *Service) End(ctx context.Context, id string) (*v1.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == v1.SessionStatusEnded {
		return session, nil
	}

	cancelled, err := s.tasks.CancelSessionTasks(ctx, id, EndReason)
	if err != nil {
		return nil, err
	}

	session, err = s.store.EndSession(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	// The session row is committed; teardown and notification proceed even
	// if the originating request is cancelled.
	detached, release := appctx.Detached(ctx, nil, 30*time.Second)
	defer release()

	if err := s.driver.DeleteSessionWorker(detached, id); err != nil {
		// Teardown is best effort; the idle cleanup loop collects leftovers.
		s.logger.Warn("session worker teardown failed",
			zap.String("session_id", id), zap.Error(err))
	}

	s.notify(detached, events.SessionEnded, session)
	s.logger.Info("session ended",
		zap.String("session_id", id), zap.Int("tasks_cancelled", cancelled))
	return session, nil
}

// WorkerStatus reports the external worker state for a session.
func (s *Service) WorkerStatus(ctx context.Context, id string) (spawner.WorkerState, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return spawner.StateNotFound, err
	}
	return s.driver.WorkerStatus(ctx, id)
}

// notify publishes a session event on the bus and, when the outbound sink
// is enabled, as an envelope. Failures are logged, never propagated; session
// state is already committed.
func (s *Service) notify(ctx context.Context, eventType string, session *v1.Session) {
	data := sessionEventData(session)

	subject := events.BuildSessionSubject(eventType, session.ID)
	if err := s.eventBus.Publish(ctx, subject,
		bus.NewEvent(eventType, s.source, data)); err != nil {
		s.logger.Warn("session event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}

	if s.publisher.Enabled() {
		envelope := publisher.NewEnvelope(eventType, s.source, session.ID, data)
		if err := s.publisher.Publish(ctx, envelope); err != nil {
			s.logger.Warn("session envelope delivery failed",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}
}

func sessionEventData(session *v1.Session) map[string]interface{} {
	data := map[string]interface{}{
		"session_id":  session.ID,
		"codebase_id": session.CodebaseID,
		"status":      string(session.Status),
	}
	if session.ServiceName != "" {
		data["service_name"] = session.ServiceName
	}
	return data
}
