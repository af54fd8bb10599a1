package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервера.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Worlds      WorldsConfig      `yaml:"worlds"`
	Chat        ChatConfig        `yaml:"chat"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Positions   PositionsConfig   `yaml:"positions"`
	EventBus    EventBusConfig    `yaml:"eventbus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Admin       AdminConfig       `yaml:"admin"`
	Blocks      BlocksConfig      `yaml:"blocks"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig настройки игрового сервера и транспорта
type ServerConfig struct {
	Name          string        `yaml:"name"`
	MOTD          string        `yaml:"motd"`
	TCPPort       int           `yaml:"port"`
	Transport     string        `yaml:"transport"` // tcp | kcp
	MaxPlayers    int           `yaml:"max_players"`
	Public        bool          `yaml:"public"`
	PacketTimeout time.Duration `yaml:"packet_timeout"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SendQueue     int           `yaml:"send_queue"`
	BannedIPs     []string      `yaml:"banned_ips"`
}

// WorldsConfig настройки миров и автосохранения
type WorldsConfig struct {
	Dir              string        `yaml:"dir"`
	Default          string        `yaml:"default"`
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
	DefaultSize      SizeConfig    `yaml:"default_size"`
	Layers           []LayerConfig `yaml:"layers"`
	BuildOpsOnly     bool          `yaml:"build_ops_only"`
	BreakOpsOnly     bool          `yaml:"break_ops_only"`
}

// SizeConfig размеры мира в блоках
type SizeConfig struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	Z int `yaml:"z"`
}

// LayerConfig слой суперплоского мира снизу вверх
type LayerConfig struct {
	Block  int `yaml:"block"`
	Height int `yaml:"height"`
}

// ChatConfig форматы сообщений чата
type ChatConfig struct {
	MaxMessageLength int    `yaml:"max_message_length"`
	MessageFormat    string `yaml:"message_format"`
	JoinFormat       string `yaml:"join_format"`
	LeaveFormat      string `yaml:"leave_format"`
}

// HeartbeatConfig настройки публикации сервера в списке и проверки имён
type HeartbeatConfig struct {
	URL       string        `yaml:"url"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	KeptSalts int           `yaml:"kept_salts"`
}

// PermissionsConfig хранилище списков операторов и банов
type PermissionsConfig struct {
	Backend   string                `yaml:"backend"` // memory | badger | mongo | maria
	Path      string                `yaml:"path"`
	Operators []string              `yaml:"operators"`
	Mongo     MongoConfig           `yaml:"mongo"`
	Maria     MariaConfig           `yaml:"maria"`
	Cache     PermissionCacheConfig `yaml:"cache"`
}

// PermissionCacheConfig кеш проверок прав при входе
type PermissionCacheConfig struct {
	Backend string        `yaml:"backend"` // none | memory | redis
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
	NATSURL string        `yaml:"nats_url"` // пусто = без инвалидации между серверами
	Subject string        `yaml:"subject"`
}

// MongoConfig параметры подключения к MongoDB
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// MariaConfig параметры подключения к MariaDB
type MariaConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PositionsConfig хранилище последних позиций игроков
type PositionsConfig struct {
	Backend string      `yaml:"backend"` // none | memory | redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig параметры подключения к Redis
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// EventBusConfig настройки шины событий (пустой URL = in-memory шина)
type EventBusConfig struct {
	URL        string `yaml:"url"`
	Stream     string `yaml:"stream"`
	Retention  int    `yaml:"retention_hours"`
	BufferSize int    `yaml:"buffer"`
}

// TelemetryConfig настройки OpenTelemetry
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// AdminConfig настройки REST API администрирования
type AdminConfig struct {
	RESTPort  int             `yaml:"rest_port"`
	JWTSecret string          `yaml:"jwt_secret"`
	TokenTTL  time.Duration   `yaml:"token_ttl"`
	Users     []AdminUser     `yaml:"users"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

// AdminUser учётная запись администратора; пароль хранится bcrypt-хешем
type AdminUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// WebhookConfig исходящий webhook, получающий события шины
type WebhookConfig struct {
	Name       string        `yaml:"name"`
	URL        string        `yaml:"url"`
	Secret     string        `yaml:"secret"`
	Events     []string      `yaml:"events"` // "*" = все типы
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

// BlocksConfig таблица замены пользовательских блоков для клиентов без CustomBlocks
type BlocksConfig struct {
	Fallback map[int]int `yaml:"fallback"`
}

// LoggingConfig уровень логирования
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// GetTCPPort возвращает игровой порт с поддержкой fallback значений
func (s *ServerConfig) GetTCPPort() int {
	return getPortWithEnvFallback(s.TCPPort, "CLASSIC_TCP_PORT", 25565)
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (a *AdminConfig) GetRESTPort() int {
	return getPortWithEnvFallback(a.RESTPort, "CLASSIC_REST_PORT", 8088)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:          "Classic Server",
			MOTD:          "Welcome!",
			Transport:     "tcp",
			MaxPlayers:    64,
			PacketTimeout: 10 * time.Second,
			PingInterval:  2 * time.Second,
			SendQueue:     1024,
		},
		Worlds: WorldsConfig{
			Dir:              "worlds",
			Default:          "main",
			AutosaveInterval: 5 * time.Minute,
			DefaultSize:      SizeConfig{X: 256, Y: 64, Z: 256},
			Layers: []LayerConfig{
				{Block: 7, Height: 1},
				{Block: 1, Height: 24},
				{Block: 3, Height: 6},
				{Block: 2, Height: 1},
			},
		},
		Chat: ChatConfig{
			MaxMessageLength: 256,
			MessageFormat:    "&8[&7{username}&8] &f{message}",
			JoinFormat:       "&2[&a+&2] &f{username}",
			LeaveFormat:      "&4[&c-&4] &f{username}",
		},
		Heartbeat: HeartbeatConfig{
			Interval: 45 * time.Second,
			Timeout:  5 * time.Second,
		},
		Permissions: PermissionsConfig{
			Backend: "badger",
			Path:    "data/permissions",
			Cache: PermissionCacheConfig{
				Backend: "none",
				TTL:     30 * time.Second,
				Redis: RedisConfig{
					Addr:      "localhost:6379",
					KeyPrefix: "classic:perm:",
				},
				Subject: "cache.permissions",
			},
		},
		Positions: PositionsConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "classic:pos:",
				TTL:       24 * time.Hour,
			},
		},
		EventBus: EventBusConfig{
			Stream:     "CLASSIC",
			Retention:  24,
			BufferSize: 1024,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "classic-server",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать путь из ENV CLASSIC_CONFIG; если и он
// не задан, возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CLASSIC_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	switch strings.ToLower(c.Server.Transport) {
	case "", "tcp", "kcp":
	default:
		return fmt.Errorf("неизвестный транспорт %q", c.Server.Transport)
	}
	if c.Server.MaxPlayers <= 0 || c.Server.MaxPlayers > 127 {
		return fmt.Errorf("max_players должен быть в диапазоне 1..127, получено %d", c.Server.MaxPlayers)
	}
	if len(c.Server.Name) > 64 || len(c.Server.MOTD) > 64 {
		return fmt.Errorf("name и motd не должны превышать 64 символа")
	}
	if c.Worlds.Default == "" {
		return fmt.Errorf("worlds.default не задан")
	}
	size := c.Worlds.DefaultSize
	if size.X <= 0 || size.Y <= 0 || size.Z <= 0 || size.X > 1024 || size.Y > 1024 || size.Z > 1024 {
		return fmt.Errorf("недопустимый размер мира по умолчанию %dx%dx%d", size.X, size.Y, size.Z)
	}
	if c.Heartbeat.KeptSalts > 0 && c.Heartbeat.URL == "" {
		return fmt.Errorf("проверка имён (kept_salts > 0) требует heartbeat.url")
	}
	if c.Heartbeat.KeptSalts == 0 && c.Server.Public {
		return fmt.Errorf("публичный сервер без проверки имён (kept_salts: 0) позволяет войти под любым именем")
	}
	if c.Heartbeat.KeptSalts < 0 {
		return fmt.Errorf("kept_salts не может быть отрицательным")
	}
	switch c.Permissions.Backend {
	case "memory", "badger", "mongo", "maria":
	default:
		return fmt.Errorf("неизвестное хранилище прав %q", c.Permissions.Backend)
	}
	switch c.Permissions.Cache.Backend {
	case "", "none", "memory", "redis":
	default:
		return fmt.Errorf("неизвестный кеш прав %q", c.Permissions.Cache.Backend)
	}
	switch c.Positions.Backend {
	case "", "none", "memory", "redis":
	default:
		return fmt.Errorf("неизвестное хранилище позиций %q", c.Positions.Backend)
	}
	for custom, legacy := range c.Blocks.Fallback {
		if custom < 0 || custom > 255 || legacy < 0 || legacy > 255 {
			return fmt.Errorf("недопустимая замена блока %d -> %d", custom, legacy)
		}
	}
	return nil
}

// IsIPBanned проверяет адрес по списку banned_ips
func (s *ServerConfig) IsIPBanned(ip string) bool {
	for _, banned := range s.BannedIPs {
		if banned == ip {
			return true
		}
	}
	return false
}
