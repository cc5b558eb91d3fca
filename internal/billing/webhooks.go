package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/crosslogic/finance-service/pkg/cache"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
)

// Metadata keys the payment provider echoes back on invoices and payments.
const (
	MetadataInvoiceID  = "invoice_id"
	MetadataUserID     = "user_id"
	MetadataProviderID = "provider_id"
	MetadataCredits    = "credits"
)

// SettlementReporter applies payment outcomes to tenant ledgers.
type SettlementReporter interface {
	ReportInvoiceState(ctx context.Context, userID, providerID, invoiceID string, state models.InvoiceState) error
	AddCredits(ctx context.Context, userID, providerID string, amount decimal.Decimal) error
}

// WebhookHandler turns Stripe events into settlement reports.
//
// invoice.paid and invoice.payment_succeeded mark the referenced invoice
// PAID. invoice.marked_uncollectible, and invoice.payment_failed once Stripe
// has no further attempt scheduled, mark it DEFAULTING.
// payment_intent.succeeded carrying a credits amount tops up a prepaid
// balance. Every event is verified against the signing secret and processed
// at most once.
type WebhookHandler struct {
	webhookSecret string
	reporter      SettlementReporter
	cache         *cache.Cache
	logger        *zap.Logger

	// processedEvents is the idempotency fallback when no cache is configured.
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler. cacheClient may be nil.
func NewWebhookHandler(webhookSecret string, reporter SettlementReporter, cacheClient *cache.Cache, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		reporter:        reporter,
		cache:           cacheClient,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook processes one Stripe delivery.
//
// 200 is returned for processed, duplicate, ignored and permanently
// unprocessable events; 400 for unreadable or unsigned bodies; 500 when a
// retry from Stripe could succeed.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	var handlerErr error
	switch event.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		handlerErr = h.handleInvoiceSettled(ctx, event, models.InvoiceStatePaid)
	case "invoice.marked_uncollectible":
		handlerErr = h.handleInvoiceSettled(ctx, event, models.InvoiceStateDefaulting)
	case "invoice.payment_failed":
		handlerErr = h.handleInvoicePaymentFailed(ctx, event)
	case "payment_intent.succeeded":
		handlerErr = h.handleCreditsPurchased(ctx, event)
	default:
		h.logger.Info("received unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	if handlerErr != nil && isPermanent(handlerErr) {
		h.logger.Warn("webhook event cannot be applied, acknowledging",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		handlerErr = nil
	}

	h.finalizeEvent(ctx, event.ID, handlerErr == nil)

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleInvoiceSettled(ctx context.Context, event stripe.Event, state models.InvoiceState) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: failed to unmarshal invoice: %v", models.ErrInvalidParameter, err)
	}
	return h.reportInvoice(ctx, invoice, state)
}

func (h *WebhookHandler) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: failed to unmarshal invoice: %v", models.ErrInvalidParameter, err)
	}

	if invoice.NextPaymentAttempt != 0 {
		h.logger.Info("invoice payment failed, retry scheduled",
			zap.String("stripe_invoice_id", invoice.ID),
			zap.Time("next_attempt", time.Unix(invoice.NextPaymentAttempt, 0)),
		)
		return nil
	}
	return h.reportInvoice(ctx, invoice, models.InvoiceStateDefaulting)
}

func (h *WebhookHandler) reportInvoice(ctx context.Context, invoice stripe.Invoice, state models.InvoiceState) error {
	invoiceID := invoice.Metadata[MetadataInvoiceID]
	userID := invoice.Metadata[MetadataUserID]
	providerID := invoice.Metadata[MetadataProviderID]
	if invoiceID == "" || userID == "" || providerID == "" {
		return fmt.Errorf("%w: stripe invoice %s lacks finance metadata", models.ErrInvalidParameter, invoice.ID)
	}

	if err := h.reporter.ReportInvoiceState(ctx, userID, providerID, invoiceID, state); err != nil {
		return err
	}

	h.logger.Info("invoice settlement applied",
		zap.String("user_id", userID),
		zap.String("provider_id", providerID),
		zap.String("invoice_id", invoiceID),
		zap.String("state", string(state)),
		zap.Int64("amount_paid", invoice.AmountPaid),
	)
	return nil
}

func (h *WebhookHandler) handleCreditsPurchased(ctx context.Context, event stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("%w: failed to unmarshal payment intent: %v", models.ErrInvalidParameter, err)
	}

	raw, ok := intent.Metadata[MetadataCredits]
	if !ok {
		h.logger.Debug("payment intent is not a credit purchase", zap.String("payment_intent_id", intent.ID))
		return nil
	}

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%w: credits %q", models.ErrInvalidParameter, raw)
	}
	userID := intent.Metadata[MetadataUserID]
	providerID := intent.Metadata[MetadataProviderID]
	if userID == "" || providerID == "" {
		return fmt.Errorf("%w: payment intent %s lacks tenant metadata", models.ErrInvalidParameter, intent.ID)
	}

	if err := h.reporter.AddCredits(ctx, userID, providerID, amount); err != nil {
		return err
	}

	h.logger.Info("credits purchased",
		zap.String("user_id", userID),
		zap.String("provider_id", providerID),
		zap.String("credits", amount.String()),
		zap.String("payment_intent_id", intent.ID),
	)
	return nil
}

// isPermanent reports errors that a redelivery of the same event cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, models.ErrInvalidParameter) ||
		errors.Is(err, models.ErrUnknownTenant) ||
		errors.Is(err, models.ErrUnknownInvoice)
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		return h.cache.SetNX(ctx, h.redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else {
			if err := h.cache.Delete(ctx, key); err != nil {
				h.logger.Warn("failed to release webhook lock",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}
