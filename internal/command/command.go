// Package command разбирает и выполняет команды чата ("/kick bob").
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/eventbus"
	"github.com/annel0/classic-server/internal/logging"
	"github.com/annel0/classic-server/internal/network"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world"
)

var tracer = otel.Tracer("github.com/annel0/classic-server/internal/command")

// Caller игрок, выполняющий команду
type Caller interface {
	Name() string
	IsOp() bool
	SendMessage(text string)
	World() *world.World
	Location() vec.Location
	JoinWorld(ctx context.Context, w *world.World) error
}

// Server операции над игроками, доступные командам
type Server interface {
	Players() []network.PlayerInfo
	Message(name, text string) bool
	Broadcast(text string)
	Kick(name, reason string) bool
	SetOperator(name string, op bool) bool
	Locate(name string) (string, bool)
	Shutdown()
}

// Error ошибка, текст которой показывается игроку
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf создаёт ошибку для игрока
func Errorf(format string, args ...interface{}) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Handler выполняет команду с аргументами после имени
type Handler func(ctx context.Context, c Caller, args []string) error

// Command описание зарегистрированной команды
type Command struct {
	Name        string
	Usage       string
	Description string
	OpOnly      bool
	Run         Handler
}

// Dispatcher хранит команды и выполняет строки чата
type Dispatcher struct {
	server   Server
	worlds   *world.Manager
	perms    auth.PermissionStore
	events   *eventbus.Publisher
	logger   *logging.Logger
	commands map[string]*Command
}

// NewDispatcher создаёт диспетчер со встроенными командами
func NewDispatcher(server Server, worlds *world.Manager, perms auth.PermissionStore, events *eventbus.Publisher) *Dispatcher {
	d := &Dispatcher{
		server:   server,
		worlds:   worlds,
		perms:    perms,
		events:   events,
		logger:   logging.GetCommandLogger(),
		commands: make(map[string]*Command),
	}
	d.registerBuiltins()
	return d
}

// Register добавляет команду; одноимённая команда заменяется
func (d *Dispatcher) Register(cmd *Command) {
	d.commands[strings.ToLower(cmd.Name)] = cmd
}

// Lookup возвращает команду по имени
func (d *Dispatcher) Lookup(name string) (*Command, bool) {
	cmd, ok := d.commands[strings.ToLower(name)]
	return cmd, ok
}

// Available возвращает команды, доступные вызывающему, по алфавиту
func (d *Dispatcher) Available(op bool) []*Command {
	out := make([]*Command, 0, len(d.commands))
	for _, cmd := range d.commands {
		if !cmd.OpOnly || op {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute выполняет строку чата, начинающуюся с '/'. Ошибки показываются
// вызывающему; наружу возвращается только *network.DisconnectError.
func (d *Dispatcher) Execute(ctx context.Context, c Caller, line string) error {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		c.SendMessage(network.ErrorPrefix + "Invalid command ")
		return nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	cmd, ok := d.commands[name]
	// Команды операторов для остальных не существуют
	if !ok || (cmd.OpOnly && !c.IsOp()) {
		c.SendMessage(network.ErrorPrefix + "Invalid command " + fields[0])
		return nil
	}

	ctx, span := tracer.Start(ctx, "command."+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("command.caller", c.Name()),
		attribute.Int("command.args", len(args)),
	)

	err := cmd.Run(ctx, c, args)

	ev := eventbus.CommandEvent{Username: c.Name(), Command: name, Args: strings.Join(args, " ")}
	if err != nil {
		ev.Error = err.Error()
	}
	worldName := ""
	if w := c.World(); w != nil {
		worldName = w.Name()
	}
	d.events.Emit(ctx, eventbus.TypeCommand, worldName, ev)

	if err == nil {
		d.logger.Info("%s: /%s %s", c.Name(), name, ev.Args)
		return nil
	}

	var de *network.DisconnectError
	if errors.As(err, &de) {
		return err
	}
	var ue *Error
	if errors.As(err, &ue) {
		c.SendMessage(network.ErrorPrefix + ue.Message)
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.logger.Error("Команда /%s от %s завершилась ошибкой: %v", name, c.Name(), err)
	c.SendMessage(network.ErrorPrefix + "Command failed, see server logs")
	return nil
}

func (d *Dispatcher) moderated(ctx context.Context, action, target, by, reason string) {
	d.events.Emit(ctx, eventbus.TypePlayerModerated, "", eventbus.ModerationEvent{
		Action: action, Target: target, By: by, Reason: reason,
	})
}
