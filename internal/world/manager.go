package world

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/logging"
	"github.com/annel0/classic-server/internal/vec"
)

// Ошибки менеджера миров
var (
	ErrWorldExists   = errors.New("world: world already exists")
	ErrWorldNotFound = errors.New("world: world not found")
	ErrInvalidName   = errors.New("world: invalid world name")
)

var worldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

var tracer = otel.Tracer("github.com/annel0/classic-server/internal/world")

// ValidName проверяет имя мира (оно же имя файла)
func ValidName(name string) bool {
	return worldNamePattern.MatchString(name)
}

// Manager хранит все миры сервера, мир по умолчанию и автосохранение
type Manager struct {
	mu          sync.RWMutex
	worlds      map[string]*World
	dir         string
	defaultName string
	cfg         config.WorldsConfig
	listener    Listener
	logger      *logging.Logger

	saveMu sync.Mutex
}

// NewManager создаёт менеджер миров. Listener назначается каждому миру.
func NewManager(cfg config.WorldsConfig, listener Listener) *Manager {
	if listener == nil {
		listener = NopListener{}
	}
	return &Manager{
		worlds:      make(map[string]*World),
		dir:         cfg.Dir,
		defaultName: cfg.Default,
		cfg:         cfg,
		listener:    listener,
		logger:      logging.GetWorldLogger(),
	}
}

// Path возвращает путь к файлу мира
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name+LevelExt)
}

// LoadAll загружает все миры из каталога и создаёт мир по умолчанию,
// если его нет на диске. Файлы прежних форматов (ImportExts) пересохраняются
// в .clw, а исходный файл переименовывается с суффиксом BackupSuffix.
func (m *Manager) LoadAll() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create worlds dir: %w", err)
	}
	matches, err := filepath.Glob(filepath.Join(m.dir, "*"+LevelExt))
	if err != nil {
		return err
	}
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), LevelExt)
		w, err := Load(path)
		if err != nil {
			m.logger.Error("Не удалось загрузить мир %s: %v", name, err)
			continue
		}
		// Имя файла важнее имени в заголовке
		w.name = name
		m.add(w)
		m.logger.Info("Загружен мир %s %v", name, w.Size())
	}
	for _, ext := range ImportExts {
		imports, err := filepath.Glob(filepath.Join(m.dir, "*"+ext))
		if err != nil {
			return err
		}
		for _, path := range imports {
			m.importLevel(path)
		}
	}

	if _, ok := m.Get(m.defaultName); !ok {
		size := vec.Vec3{X: m.cfg.DefaultSize.X, Y: m.cfg.DefaultSize.Y, Z: m.cfg.DefaultSize.Z}
		if _, err := m.Generate(context.Background(), m.defaultName, size); err != nil {
			return fmt.Errorf("generate default world: %w", err)
		}
	}
	return nil
}

// importLevel загружает мир прежнего формата и пересохраняет его в .clw
func (m *Manager) importLevel(path string) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if !ValidName(name) {
		m.logger.Warn("Файл %s пропущен: недопустимое имя мира", path)
		return
	}
	if _, exists := m.Get(name); exists {
		m.logger.Warn("Файл %s пропущен: мир %s уже загружен", path, name)
		return
	}

	w, format, err := LoadAny(path)
	if err != nil {
		m.logger.Error("Не удалось импортировать %s: %v", path, err)
		return
	}
	w.name = name
	if err := w.Save(m.Path(name)); err != nil {
		m.logger.Error("Не удалось пересохранить %s: %v", path, err)
		return
	}
	if err := os.Rename(path, path+BackupSuffix); err != nil {
		m.logger.Warn("Исходный файл %s не переименован, удалите его вручную: %v", path, err)
	}
	m.add(w)
	m.logger.Info("Импортирован мир %s из %s (%s) %v", name, filepath.Base(path), format, w.Size())
}

func (m *Manager) add(w *World) {
	w.SetListener(m.listener)
	m.mu.Lock()
	m.worlds[w.Name()] = w
	m.mu.Unlock()
}

// Add регистрирует уже созданный мир
func (m *Manager) Add(w *World) error {
	m.mu.RLock()
	_, exists := m.worlds[w.Name()]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrWorldExists, w.Name())
	}
	m.add(w)
	return nil
}

// Get возвращает мир по имени
func (m *Manager) Get(name string) (*World, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.worlds[name]
	return w, ok
}

// Default возвращает мир по умолчанию
func (m *Manager) Default() *World {
	w, _ := m.Get(m.defaultName)
	return w
}

// Names возвращает отсортированные имена миров
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.worlds))
	for name := range m.worlds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Worlds возвращает все миры, упорядоченные по имени
func (m *Manager) Worlds() []*World {
	names := m.Names()
	out := make([]*World, 0, len(names))
	for _, name := range names {
		if w, ok := m.Get(name); ok {
			out = append(out, w)
		}
	}
	return out
}

// Generate создаёт суперплоский мир, регистрирует и сохраняет его
func (m *Manager) Generate(ctx context.Context, name string, size vec.Vec3) (*World, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, exists := m.Get(name); exists {
		return nil, fmt.Errorf("%w: %s", ErrWorldExists, name)
	}
	src, err := NewSuperflat(m.cfg.Layers)
	if err != nil {
		return nil, err
	}
	w, err := New(name, size, src)
	if err != nil {
		return nil, err
	}
	w.perms = Permissions{BuildOpsOnly: m.cfg.BuildOpsOnly, BreakOpsOnly: m.cfg.BreakOpsOnly}

	if err := m.Add(w); err != nil {
		return nil, err
	}
	m.logger.Info("Создан мир %s %v", name, size)
	if err := m.saveWorld(ctx, w); err != nil {
		return w, err
	}
	return w, nil
}

// Save сохраняет мир по имени
func (m *Manager) Save(ctx context.Context, name string) error {
	w, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorldNotFound, name)
	}
	return m.saveWorld(ctx, w)
}

func (m *Manager) saveWorld(ctx context.Context, w *World) error {
	_, span := tracer.Start(ctx, "world.save")
	defer span.End()
	span.SetAttributes(attribute.String("world.name", w.Name()))

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	start := time.Now()
	if err := w.Save(m.Path(w.Name())); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("Ошибка сохранения мира %s: %v", w.Name(), err)
		return err
	}
	m.logger.Info("Мир %s сохранён за %v", w.Name(), time.Since(start))
	return nil
}

// SaveAll сохраняет все миры; при onlyDirty пропускает неизменённые
func (m *Manager) SaveAll(ctx context.Context, onlyDirty bool) error {
	var errs []error
	for _, w := range m.Worlds() {
		if onlyDirty && !w.Dirty() {
			continue
		}
		if err := m.saveWorld(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run запускает автосохранение до отмены контекста
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.AutosaveInterval <= 0 {
		return
	}
	go m.autoSaveLoop(ctx)
}

// autoSaveLoop периодически сохраняет изменённые миры
func (m *Manager) autoSaveLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.AutosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SaveAll(ctx, true); err != nil {
				m.logger.Warn("Автосохранение завершилось с ошибками: %v", err)
			}
		}
	}
}

// Stop сохраняет все миры при завершении сервера
func (m *Manager) Stop() error {
	return m.SaveAll(context.Background(), false)
}
