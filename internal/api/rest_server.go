// Package api реализует REST API администрирования сервера.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/eventbus"
	"github.com/annel0/classic-server/internal/logging"
	"github.com/annel0/classic-server/internal/middleware"
	"github.com/annel0/classic-server/internal/network"
	"github.com/annel0/classic-server/internal/world"
)

// GameServer операции игрового сервера, доступные API
type GameServer interface {
	Players() []network.PlayerInfo
	PlayerCount() int
	Kick(name, reason string) bool
	Message(name, text string) bool
	SetOperator(name string, op bool) bool
	Broadcast(text string)
}

// RestServer представляет REST API сервер
type RestServer struct {
	router   *gin.Engine
	http     *http.Server
	info     config.ServerConfig
	game     GameServer
	worlds   *world.Manager
	perms    auth.PermissionStore
	auth     *auth.Authenticator
	events   *eventbus.Publisher
	webhooks *OutboundWebhookManager
	metrics  *ServerMetrics
	logger   *logging.Logger
}

// Config содержит зависимости REST сервера
type Config struct {
	Port        int
	Server      config.ServerConfig
	Game        GameServer
	Worlds      *world.Manager
	Permissions auth.PermissionStore
	Auth        *auth.Authenticator
	Events      *eventbus.Publisher
	Webhooks    *OutboundWebhookManager // nil = без управления webhook'ами
	Registry    *prometheus.Registry    // nil = собственный реестр
	WebSocket   http.Handler            // nil = без /ws
}

// NewRestServer создаёт REST API сервер
func NewRestServer(cfg Config) *RestServer {
	if cfg.Port == 0 {
		cfg.Port = 8088
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	// === Observability middleware ===
	router.Use(otelgin.Middleware("rest_api"))
	router.Use(middleware.NewRequestLogger().Handler())

	promMw := middleware.NewPrometheusMiddleware("rest_api", cfg.Registry)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, cfg.Registry)

	rs := &RestServer{
		router:   router,
		info:     cfg.Server,
		game:     cfg.Game,
		worlds:   cfg.Worlds,
		perms:    cfg.Permissions,
		auth:     cfg.Auth,
		events:   cfg.Events,
		webhooks: cfg.Webhooks,
		metrics:  NewServerMetrics(),
		logger:   logging.GetComponentLogger("api"),
	}
	rs.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rs.setupRoutes()
	if cfg.WebSocket != nil {
		router.GET("/ws", gin.WrapH(cfg.WebSocket))
	}
	return rs
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.Use(corsMiddleware())
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")

	// Вход без JWT
	api.POST("/auth/login", rs.handleLogin)

	protected := api.Group("/")
	protected.Use(rs.jwtMiddleware())
	{
		protected.GET("/server", rs.handleServerInfo)
		protected.GET("/stats", rs.handleStats)
		protected.GET("/players", rs.handlePlayers)
		protected.GET("/worlds", rs.handleWorlds)

		admin := protected.Group("/admin")
		admin.Use(rs.adminMiddleware())
		{
			admin.POST("/worlds/:name/save", rs.handleSaveWorld)
			admin.POST("/kick", rs.handleKick)
			admin.POST("/ban", rs.handleBan)
			admin.POST("/unban", rs.handleUnban)
			admin.POST("/op", rs.handleOp)
			admin.POST("/deop", rs.handleDeop)
			admin.GET("/bans", rs.handleBans)
			admin.GET("/operators", rs.handleOperators)

			if rs.webhooks != nil {
				admin.GET("/webhooks", rs.handleGetOutboundWebhooks)
				admin.POST("/webhooks", rs.handleCreateOutboundWebhook)
				admin.DELETE("/webhooks/:id", rs.handleDeleteOutboundWebhook)
				admin.POST("/webhooks/:id/test", rs.handleTestOutboundWebhook)
			}
		}
	}
}

// Handler возвращает корневой http.Handler (для тестов и встраивания)
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// Start запускает HTTP сервер и блокируется до Stop
func (rs *RestServer) Start() error {
	rs.logger.Info("🌐 REST API слушает %s", rs.http.Addr)
	if err := rs.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop плавно останавливает HTTP сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.http.Shutdown(ctx)
}

// LoginRequest представляет запрос на вход
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse представляет ответ на вход
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, GenericResponse{Success: true, Message: message, Data: data})
}

// handleLogin обменивает логин и пароль на JWT
func (rs *RestServer) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Message: "Неверный формат запроса"})
		return
	}

	token, user, err := rs.auth.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, LoginResponse{Message: "Неверное имя пользователя или пароль"})
		return
	}
	if err != nil {
		rs.logger.Error("Ошибка входа %s: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, LoginResponse{Message: "Внутренняя ошибка сервера"})
		return
	}

	rs.logger.Info("🔑 Вход в API: %s", user.Username)
	c.JSON(http.StatusOK, LoginResponse{
		Success: true,
		Token:   token,
		Message: "Успешная авторизация",
		IsAdmin: user.IsAdmin,
	})
}

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// handleServerInfo возвращает сведения о сервере
func (rs *RestServer) handleServerInfo(c *gin.Context) {
	uptime := rs.metrics.Uptime()
	respond(c, http.StatusOK, "Информация о сервере", gin.H{
		"name":           rs.info.Name,
		"motd":           rs.info.MOTD,
		"software":       network.Software,
		"transport":      rs.info.Transport,
		"players":        rs.game.PlayerCount(),
		"max_players":    rs.info.MaxPlayers,
		"worlds":         len(rs.worlds.Names()),
		"uptime":         FormatUptime(uptime),
		"uptime_seconds": int64(uptime.Seconds()),
	})
}

// handleStats возвращает показатели процесса, хоста и игры
func (rs *RestServer) handleStats(c *gin.Context) {
	respond(c, http.StatusOK, "Статистика получена", gin.H{
		"process":     rs.metrics.Process(),
		"host":        rs.metrics.Host(),
		"players":     rs.game.PlayerCount(),
		"server_time": time.Now().Unix(),
	})
}

// handlePlayers возвращает список игроков онлайн
func (rs *RestServer) handlePlayers(c *gin.Context) {
	players := rs.game.Players()
	respond(c, http.StatusOK, "Список игроков", gin.H{
		"players": players,
		"total":   len(players),
	})
}

// WorldInfo описание мира для API
type WorldInfo struct {
	Name    string `json:"name"`
	SizeX   int    `json:"size_x"`
	SizeY   int    `json:"size_y"`
	SizeZ   int    `json:"size_z"`
	Spawn   string `json:"spawn"`
	Players int    `json:"players"`
	Dirty   bool   `json:"dirty"`
	Default bool   `json:"default"`
}

// handleWorlds возвращает загруженные миры
func (rs *RestServer) handleWorlds(c *gin.Context) {
	def := rs.worlds.Default()
	worlds := rs.worlds.Worlds()
	out := make([]WorldInfo, 0, len(worlds))
	for _, w := range worlds {
		size := w.Size()
		out = append(out, WorldInfo{
			Name:    w.Name(),
			SizeX:   size.X,
			SizeY:   size.Y,
			SizeZ:   size.Z,
			Spawn:   w.Spawn().String(),
			Players: w.PlayerCount(),
			Dirty:   w.Dirty(),
			Default: w == def,
		})
	}
	respond(c, http.StatusOK, "Список миров", gin.H{
		"worlds": out,
		"total":  len(out),
	})
}
