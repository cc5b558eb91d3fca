// Package notifications delivers finance events to an external webhook.
package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/crosslogic/finance-service/pkg/cache"
	"github.com/crosslogic/finance-service/pkg/events"
	"go.uber.org/zap"
)

// Service subscribes to the event bus and delivers every finance event to
// the configured webhook, retrying failed deliveries in the background.
type Service struct {
	config  Config
	cache   *cache.Cache
	webhook *WebhookAdapter
	logger  *zap.Logger
	metrics *Metrics

	retryQueue chan *deliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

type deliveryTask struct {
	event       events.Event
	retryCount  int
	lastAttempt time.Time
}

// NewService builds the notifier. A nil cache disables cross-replica
// deduplication of event ids.
func NewService(cfg Config, c *cache.Cache, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	logger = logger.Named("notifications")
	return &Service{
		config:     cfg,
		cache:      c,
		webhook:    NewWebhookAdapter(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookMethod, cfg.WebhookHeaders, logger),
		logger:     logger,
		metrics:    NewMetrics(),
		retryQueue: make(chan *deliveryTask, cfg.RetryQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Subscribe registers the service for every finance event type.
func (s *Service) Subscribe(bus *events.Bus) {
	bus.Subscribe(s.handleEvent, events.AllEventTypes...)
	s.logger.Info("subscribed to finance events", zap.Int("event_types", len(events.AllEventTypes)))
}

// Start launches the retry workers.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}
	s.logger.Info("notification service started",
		zap.Int("retry_workers", s.config.RetryWorkers),
		zap.Int("max_retries", s.config.MaxRetries),
	)
}

// Stop signals the retry workers and waits for them. Queued retries are
// dropped.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("notification service stopped")
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	if s.isDuplicate(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	task := &deliveryTask{event: event, lastAttempt: time.Now()}
	if err := s.deliver(ctx, task); err != nil {
		s.enqueueRetry(task)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, task *deliveryTask) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := s.webhook.Send(ctx, task.event)
	took := time.Since(start)

	eventType := string(task.event.Type)
	if err != nil {
		s.metrics.RecordDelivery(eventType, "failed", took)
		s.logger.Warn("notification delivery failed",
			zap.String("event_id", task.event.ID),
			zap.String("event_type", eventType),
			zap.Int("retry_count", task.retryCount),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(eventType, "success", took)
	s.logger.Debug("notification delivered",
		zap.String("event_id", task.event.ID),
		zap.String("event_type", eventType),
		zap.Duration("duration", took),
	)
	return nil
}

func (s *Service) enqueueRetry(task *deliveryTask) {
	task.retryCount++
	task.lastAttempt = time.Now()

	if task.retryCount > s.config.MaxRetries {
		s.metrics.RecordDelivery(string(task.event.Type), "dropped", 0)
		s.logger.Error("max retries exceeded, giving up",
			zap.String("event_id", task.event.ID),
			zap.String("event_type", string(task.event.Type)),
			zap.Int("retry_count", task.retryCount-1),
		)
		return
	}

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.retryCount)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.logger.Error("retry queue full, dropping event",
			zap.String("event_id", task.event.ID),
			zap.String("event_type", string(task.event.Type)),
		)
	}
}

func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			timer := time.NewTimer(s.calculateBackoff(task.retryCount))
			select {
			case <-timer.C:
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}

			if err := s.deliver(ctx, task); err != nil {
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff is base * 2^(retry-1), capped at five minutes.
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount-1))
	if maxBackoff := 5 * time.Minute; backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// isDuplicate reserves the event id in Redis. Without a cache every event
// is delivered.
func (s *Service) isDuplicate(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return false
	}
	reserved, err := s.cache.SetNX(ctx, "finance:notification:"+eventID, "1", s.config.DedupeTTL)
	if err != nil {
		s.logger.Warn("failed to check duplicate notification", zap.Error(err))
		return false
	}
	return !reserved
}
