package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/eventbus"
	"github.com/annel0/classic-server/internal/logging"
)

// SignatureHeader заголовок с HMAC-SHA256 подписью тела запроса
const SignatureHeader = "X-Webhook-Signature"

const (
	defaultWebhookTimeout = 10 * time.Second
	webhookQueueSize      = 1000
)

// OutboundWebhook исходящий webhook, подписанный на типы событий шины
type OutboundWebhook struct {
	ID           uint64        `json:"id"`
	Name         string        `json:"name" binding:"required"`
	URL          string        `json:"url" binding:"required"`
	Secret       string        `json:"secret,omitempty"`
	Events       []string      `json:"events" binding:"required"` // "*" = все типы
	Active       bool          `json:"active"`
	Timeout      time.Duration `json:"timeout"`
	RetryCount   int           `json:"retry_count"`
	CreatedAt    time.Time     `json:"created_at"`
	LastUsed     *time.Time    `json:"last_used,omitempty"`
	FailureCount int           `json:"failure_count"`
}

// OutboundWebhookManager пересылает события шины на внешние URL
type OutboundWebhookManager struct {
	mu         sync.RWMutex
	webhooks   map[uint64]*OutboundWebhook
	nextID     uint64
	eventQueue chan *eventbus.Envelope
	httpClient *http.Client
	retryDelay time.Duration
	logger     *logging.Logger
	sub        eventbus.Subscription
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewOutboundWebhookManager создаёт менеджер с webhook'ами из конфигурации
func NewOutboundWebhookManager(hooks []config.WebhookConfig) *OutboundWebhookManager {
	owm := &OutboundWebhookManager{
		webhooks:   make(map[uint64]*OutboundWebhook),
		nextID:     1,
		eventQueue: make(chan *eventbus.Envelope, webhookQueueSize),
		httpClient: &http.Client{},
		retryDelay: time.Second,
		stop:       make(chan struct{}),
		logger:     logging.GetComponentLogger("webhooks"),
	}
	for _, h := range hooks {
		owm.AddWebhook(OutboundWebhook{
			Name:       h.Name,
			URL:        h.URL,
			Secret:     h.Secret,
			Events:     h.Events,
			Timeout:    h.Timeout,
			RetryCount: h.RetryCount,
		})
	}
	return owm
}

// Start подписывается на шину и запускает воркер доставки
func (owm *OutboundWebhookManager) Start(ctx context.Context, bus eventbus.EventBus) error {
	sub, err := bus.Subscribe(ctx, eventbus.Filter{}, owm.enqueue)
	if err != nil {
		return fmt.Errorf("subscribe webhooks: %w", err)
	}
	owm.sub = sub
	owm.wg.Add(1)
	go owm.eventWorker(ctx)
	return nil
}

// Stop отписывается от шины и ждёт завершения воркера
func (owm *OutboundWebhookManager) Stop() {
	if owm.sub != nil {
		owm.sub.Unsubscribe()
	}
	owm.stopOnce.Do(func() { close(owm.stop) })
	owm.wg.Wait()
}

// enqueue вызывается из рассылки шины и не должен блокировать её
func (owm *OutboundWebhookManager) enqueue(_ context.Context, ev *eventbus.Envelope) {
	if !owm.hasSubscribers(ev.EventType) {
		return
	}
	select {
	case owm.eventQueue <- ev:
	case <-owm.stop:
	default:
		owm.logger.Warn("⚠️ Очередь webhook'ов переполнена, событие %s пропущено", ev.EventType)
	}
}

// AddWebhook добавляет webhook
func (owm *OutboundWebhookManager) AddWebhook(webhook OutboundWebhook) *OutboundWebhook {
	owm.mu.Lock()
	defer owm.mu.Unlock()

	webhook.ID = owm.nextID
	owm.nextID++
	webhook.CreatedAt = time.Now()
	webhook.Active = true
	if webhook.Timeout <= 0 {
		webhook.Timeout = defaultWebhookTimeout
	}
	if webhook.RetryCount < 0 {
		webhook.RetryCount = 0
	}

	owm.webhooks[webhook.ID] = &webhook
	copied := webhook
	return &copied
}

// GetWebhooks возвращает копии всех webhook'ов по возрастанию ID
func (owm *OutboundWebhookManager) GetWebhooks() []OutboundWebhook {
	owm.mu.RLock()
	defer owm.mu.RUnlock()

	webhooks := make([]OutboundWebhook, 0, len(owm.webhooks))
	for _, webhook := range owm.webhooks {
		webhooks = append(webhooks, *webhook)
	}
	sort.Slice(webhooks, func(i, j int) bool { return webhooks[i].ID < webhooks[j].ID })
	return webhooks
}

// GetWebhook возвращает копию webhook'а по ID
func (owm *OutboundWebhookManager) GetWebhook(id uint64) (OutboundWebhook, bool) {
	owm.mu.RLock()
	defer owm.mu.RUnlock()

	webhook, exists := owm.webhooks[id]
	if !exists {
		return OutboundWebhook{}, false
	}
	return *webhook, true
}

// DeleteWebhook удаляет webhook
func (owm *OutboundWebhookManager) DeleteWebhook(id uint64) bool {
	owm.mu.Lock()
	defer owm.mu.Unlock()

	if _, exists := owm.webhooks[id]; !exists {
		return false
	}
	delete(owm.webhooks, id)
	return true
}

func (owm *OutboundWebhookManager) hasSubscribers(eventType string) bool {
	owm.mu.RLock()
	defer owm.mu.RUnlock()
	for _, webhook := range owm.webhooks {
		if webhook.Active && isSubscribedToEvent(webhook, eventType) {
			return true
		}
	}
	return false
}

// eventWorker обрабатывает события из очереди
func (owm *OutboundWebhookManager) eventWorker(ctx context.Context) {
	defer owm.wg.Done()
	for {
		select {
		case ev := <-owm.eventQueue:
			owm.processEvent(ctx, ev)
		case <-owm.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// processEvent рассылает одно событие всем подписанным webhook'ам
func (owm *OutboundWebhookManager) processEvent(ctx context.Context, ev *eventbus.Envelope) {
	owm.mu.RLock()
	var targets []OutboundWebhook
	for _, webhook := range owm.webhooks {
		if webhook.Active && isSubscribedToEvent(webhook, ev.EventType) {
			targets = append(targets, *webhook)
		}
	}
	owm.mu.RUnlock()

	body, err := json.Marshal(ev)
	if err != nil {
		owm.logger.Error("❌ Ошибка маршалинга события %s: %v", ev.EventType, err)
		return
	}
	for _, webhook := range targets {
		ok := owm.sendToWebhook(ctx, webhook, ev.EventType, body)
		owm.recordDelivery(webhook.ID, ok)
	}
}

// isSubscribedToEvent проверяет, подписан ли webhook на событие
func isSubscribedToEvent(webhook *OutboundWebhook, eventType string) bool {
	for _, subscribedEvent := range webhook.Events {
		if subscribedEvent == eventType || subscribedEvent == "*" {
			return true
		}
	}
	return false
}

// sendToWebhook отправляет тело с повторами; возвращает true при ответе 2xx
func (owm *OutboundWebhookManager) sendToWebhook(ctx context.Context, webhook OutboundWebhook, eventType string, body []byte) bool {
	for attempt := 0; attempt <= webhook.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * owm.retryDelay):
			case <-ctx.Done():
				return false
			}
		}
		status, err := owm.post(ctx, webhook, eventType, body)
		if err != nil {
			owm.logger.Warn("⚠️ Попытка %d/%d для webhook %s: %v", attempt+1, webhook.RetryCount+1, webhook.Name, err)
			continue
		}
		if status >= 200 && status < 300 {
			owm.logger.Debug("✅ Событие %s отправлено в webhook %s", eventType, webhook.Name)
			return true
		}
		owm.logger.Warn("⚠️ Webhook %s вернул статус %d на попытке %d", webhook.Name, status, attempt+1)
	}
	return false
}

func (owm *OutboundWebhookManager) post(ctx context.Context, webhook OutboundWebhook, eventType string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, webhook.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "classic-server-webhooks/1.0")
	req.Header.Set("X-Event-Type", eventType)
	if webhook.Secret != "" {
		req.Header.Set(SignatureHeader, generateSignature(body, webhook.Secret))
	}

	resp, err := owm.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (owm *OutboundWebhookManager) recordDelivery(id uint64, ok bool) {
	owm.mu.Lock()
	defer owm.mu.Unlock()
	webhook, exists := owm.webhooks[id]
	if !exists {
		return
	}
	now := time.Now()
	webhook.LastUsed = &now
	if !ok {
		webhook.FailureCount++
	}
}

// Test отправляет webhook'у тестовое событие мимо шины
func (owm *OutboundWebhookManager) Test(ctx context.Context, id uint64) error {
	webhook, ok := owm.GetWebhook(id)
	if !ok {
		return fmt.Errorf("webhook %d not found", id)
	}
	ev, err := eventbus.NewEnvelope("api", "WebhookTest", "", map[string]interface{}{
		"webhook_id":   id,
		"webhook_name": webhook.Name,
	})
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	delivered := owm.sendToWebhook(ctx, webhook, ev.EventType, body)
	owm.recordDelivery(id, delivered)
	if !delivered {
		return fmt.Errorf("webhook %s did not accept the event", webhook.Name)
	}
	return nil
}

// generateSignature генерирует HMAC подпись тела
func generateSignature(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет заголовок X-Webhook-Signature на стороне получателя
func VerifySignature(data []byte, secret, signature string) bool {
	return hmac.Equal([]byte(generateSignature(data, secret)), []byte(signature))
}
