package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/logging"
)

// ErrNoURL проверка имён включена, но публиковать соли некуда
var ErrNoURL = errors.New("heartbeat: kept_salts > 0 requires heartbeat url")

// Software значение параметра software в запросе
const Software = "classic-server"

// Response ответ сервера списка
type Response struct {
	Status   string     `json:"status"`
	Errors   [][]string `json:"errors"`
	Response string     `json:"response"`
}

// Heartbeat периодически публикует сервер в списке серверов
// и выдаёт соли для проверки имён.
type Heartbeat struct {
	cfg    config.HeartbeatConfig
	server config.ServerConfig
	salts  *SaltRing
	users  func() int
	client *http.Client
	log    *logging.Logger

	mu  sync.RWMutex
	url string
}

// New создаёт цикл публикации. users возвращает текущее число игроков.
func New(cfg config.HeartbeatConfig, server config.ServerConfig, salts *SaltRing, users func() int) (*Heartbeat, error) {
	if cfg.URL == "" && salts.Enabled() {
		return nil, ErrNoURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 45 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if users == nil {
		users = func() int { return 0 }
	}
	return &Heartbeat{
		cfg:    cfg,
		server: server,
		salts:  salts,
		users:  users,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logging.GetComponentLogger("heartbeat"),
	}, nil
}

// ServerURL возвращает адрес сервера в списке из первого успешного ответа
func (h *Heartbeat) ServerURL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.url
}

// Run выполняет пинги до отмены ctx. Первый пинг отправляется сразу.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.log.Warn("Heartbeat: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Beat выпускает новую соль и отправляет один пинг.
// Без URL только обновляет соль.
func (h *Heartbeat) Beat(ctx context.Context) error {
	salt, err := h.salts.Rotate()
	if err != nil {
		return fmt.Errorf("генерация соли: %w", err)
	}
	if h.cfg.URL == "" {
		return nil
	}

	req, err := h.buildRequest(ctx, salt)
	if err != nil {
		return fmt.Errorf("некорректный heartbeat url: %w", err)
	}
	h.log.Trace("Heartbeat: GET %s", req.URL.Redacted())

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("отправка пинга: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("сервер списка вернул %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("чтение ответа: %w", err)
	}

	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("ответ не JSON: %q", body)
	}

	if r.Status != "success" {
		return fmt.Errorf("пинг отклонён: %v", flatten(r.Errors))
	}
	for _, warn := range flatten(r.Errors) {
		h.log.Warn("Heartbeat: предупреждение: %s", warn)
	}

	h.mu.Lock()
	if h.url == "" && r.Response != "" {
		h.url = r.Response
		h.log.Info("Heartbeat: сервер опубликован: %s", r.Response)
	}
	h.mu.Unlock()
	return nil
}

func (h *Heartbeat) buildRequest(ctx context.Context, salt string) (*http.Request, error) {
	u, err := url.Parse(h.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("port", strconv.Itoa(h.server.GetTCPPort()))
	q.Set("max", strconv.Itoa(h.server.MaxPlayers))
	q.Set("name", h.server.Name)
	q.Set("public", strconv.FormatBool(h.server.Public))
	q.Set("version", "7")
	q.Set("salt", salt)
	q.Set("users", strconv.Itoa(h.users()))
	q.Set("software", Software)
	q.Set("json", "true")
	u.RawQuery = q.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

func flatten(errs [][]string) []string {
	var out []string
	for _, group := range errs {
		out = append(out, group...)
	}
	return out
}
