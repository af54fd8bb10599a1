package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/eventbus"
	"github.com/annel0/classic-server/internal/network"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world"
)

const noReason = "No reason given"

func (d *Dispatcher) registerBuiltins() {
	for _, cmd := range []*Command{
		{Name: "help", Usage: "/help [command]", Description: "List commands", Run: d.help},
		{Name: "players", Usage: "/players", Description: "List online players", Run: d.players},
		{Name: "locate", Usage: "/locate <user>", Description: "Show which world a player is in", Run: d.locate},
		{Name: "w", Usage: "/w <user> <message>", Description: "Send a private message", Run: d.whisper},
		{Name: "world", Usage: "/world <join|list|save|gen|spawnpoint>", Description: "Manage worlds", Run: d.world},
		{Name: "kick", Usage: "/kick <name> [reason]", Description: "Disconnect a player", OpOnly: true, Run: d.kick},
		{Name: "ban", Usage: "/ban <name> [reason]", Description: "Ban a player", OpOnly: true, Run: d.ban},
		{Name: "unban", Usage: "/unban <name>", Description: "Lift a ban", OpOnly: true, Run: d.unban},
		{Name: "op", Usage: "/op <name>", Description: "Grant operator permissions", OpOnly: true, Run: d.op},
		{Name: "deop", Usage: "/deop <name>", Description: "Revoke operator permissions", OpOnly: true, Run: d.deop},
		{Name: "stop", Usage: "/stop", Description: "Stop the server", OpOnly: true, Run: d.stop},
	} {
		d.Register(cmd)
	}
}

func (d *Dispatcher) help(_ context.Context, c Caller, args []string) error {
	if len(args) > 0 {
		cmd, ok := d.Lookup(args[0])
		if !ok || (cmd.OpOnly && !c.IsOp()) {
			return Errorf("Invalid command %s", args[0])
		}
		c.SendMessage("&3" + cmd.Usage)
		c.SendMessage("&f" + cmd.Description)
		return nil
	}
	c.SendMessage("&3[&bCommand List&3]")
	for _, cmd := range d.Available(c.IsOp()) {
		if cmd.OpOnly {
			c.SendMessage("&e- " + cmd.Usage)
		} else {
			c.SendMessage("- " + cmd.Usage)
		}
	}
	return nil
}

func (d *Dispatcher) players(_ context.Context, c Caller, _ []string) error {
	byWorld := make(map[string][]string)
	for _, p := range d.server.Players() {
		byWorld[p.World] = append(byWorld[p.World], p.Name)
	}
	c.SendMessage("&3[&bPlayer List&3]")
	for _, name := range d.worlds.Names() {
		if names := byWorld[name]; len(names) > 0 {
			c.SendMessage(fmt.Sprintf("&e%s&f: %s", name, strings.Join(names, ", ")))
		}
	}
	return nil
}

func (d *Dispatcher) locate(_ context.Context, c Caller, args []string) error {
	if len(args) == 0 {
		return Errorf("No username specified")
	}
	name := args[0]
	where, ok := d.server.Locate(name)
	if !ok {
		return Errorf("User %s is not online", name)
	}
	c.SendMessage(fmt.Sprintf("%s is in \"%s\"", name, where))
	return nil
}

func (d *Dispatcher) whisper(_ context.Context, c Caller, args []string) error {
	if len(args) == 0 {
		return Errorf("No username specified")
	}
	name := args[0]
	if len(args) < 2 {
		return Errorf("Message must be non-empty")
	}
	message := strings.Join(args[1:], " ")
	if !d.server.Message(name, "&7DM from "+c.Name()+":") {
		return Errorf("User %s is not online", name)
	}
	d.server.Message(name, "&7"+message)
	c.SendMessage("&8DM to " + name + ":")
	c.SendMessage("&8" + message)
	return nil
}

func (d *Dispatcher) world(ctx context.Context, c Caller, args []string) error {
	if len(args) == 0 {
		c.SendMessage("/world")
		c.SendMessage("- join &b<name>")
		c.SendMessage("- list")
		if c.IsOp() {
			c.SendMessage("&e- save [name]")
			c.SendMessage("&e- gen <name> <x> <y> <z>")
			c.SendMessage("&e- spawnpoint")
		}
		return nil
	}

	sub, rest := strings.ToLower(args[0]), args[1:]
	switch sub {
	case "list":
		c.SendMessage("&6[&eWorld List&6]")
		for _, name := range d.worlds.Names() {
			c.SendMessage("- " + name)
		}
		return nil
	case "join":
		return d.worldJoin(ctx, c, rest)
	}
	if !c.IsOp() {
		return Errorf("Invalid subcommand %s", args[0])
	}
	switch sub {
	case "save":
		return d.worldSave(ctx, c, rest)
	case "gen":
		return d.worldGen(ctx, c, rest)
	case "spawnpoint":
		w := c.World()
		if w == nil {
			return Errorf("You are not in a world")
		}
		loc := c.Location()
		w.SetSpawn(loc)
		c.SendMessage(network.InfoPrefix + "Spawn point of " + w.Name() + " set to " + loc.String())
		return nil
	}
	return Errorf("Invalid subcommand %s", args[0])
}

func (d *Dispatcher) worldJoin(ctx context.Context, c Caller, args []string) error {
	if len(args) == 0 {
		return Errorf("No world name specified")
	}
	name := strings.Join(args, " ")
	w, ok := d.worlds.Get(name)
	if !ok {
		return Errorf("World %s doesn't exist", name)
	}
	if w == c.World() {
		return Errorf("You are already in %s", name)
	}
	if err := c.JoinWorld(ctx, w); err != nil {
		if errors.Is(err, world.ErrWorldFull) {
			return Errorf("World %s is full", name)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) worldSave(ctx context.Context, c Caller, args []string) error {
	var name string
	if len(args) > 0 {
		name = args[0]
	} else if w := c.World(); w != nil {
		name = w.Name()
	}
	if _, ok := d.worlds.Get(name); !ok {
		return Errorf("World %s doesn't exist", name)
	}

	d.server.Broadcast(fmt.Sprintf("&6[&e*&6] Saving world %s...", name))
	start := time.Now()
	err := d.worlds.Save(ctx, name)
	ev := eventbus.WorldEvent{Duration: time.Since(start)}
	if err != nil {
		ev.Error = err.Error()
		d.events.Emit(ctx, eventbus.TypeWorldSaved, name, ev)
		d.logger.Warn("Не удалось сохранить мир %q: %v", name, err)
		d.server.Broadcast("&4[&c!&4] Failed to save! See logs for details.")
		return nil
	}
	d.events.Emit(ctx, eventbus.TypeWorldSaved, name, ev)
	d.server.Broadcast("&6[&e*&6] World saved!")
	return nil
}

func (d *Dispatcher) worldGen(ctx context.Context, c Caller, args []string) error {
	if len(args) != 4 {
		return Errorf("Usage: /world gen <name> <x> <y> <z>")
	}
	var dims [3]int
	for i, s := range args[1:] {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > world.MaxDimension {
			return Errorf("Invalid dimension %s", s)
		}
		dims[i] = n
	}
	name := args[0]
	_, err := d.worlds.Generate(ctx, name, vec.Vec3{X: dims[0], Y: dims[1], Z: dims[2]})
	switch {
	case errors.Is(err, world.ErrWorldExists):
		return Errorf("World %s already exists", name)
	case errors.Is(err, world.ErrInvalidName):
		return Errorf("Invalid world name %s", name)
	case errors.Is(err, world.ErrInvalidSize):
		return Errorf("Invalid world size")
	case err != nil:
		return err
	}
	c.SendMessage(fmt.Sprintf("%sCreated world %s (%dx%dx%d)", network.InfoPrefix, name, dims[0], dims[1], dims[2]))
	return nil
}

// reason склеивает остаток аргументов или возвращает причину по умолчанию
func reason(args []string) string {
	if len(args) == 0 {
		return noReason
	}
	return strings.Join(args, " ")
}

func (d *Dispatcher) kick(ctx context.Context, c Caller, args []string) error {
	if len(args) == 0 {
		return Errorf("No username specified")
	}
	name, why := args[0], reason(args[1:])
	if !d.server.Kick(name, "Kicked: "+why) {
		return Errorf("User %s is not online", name)
	}
	d.moderated(ctx, "kick", name, c.Name(), why)
	c.SendMessage(network.InfoPrefix + "Kicked " + name)
	return nil
}

func (d *Dispatcher) ban(ctx context.Context, c Caller, args []string) error {
	if len(args) == 0 {
		return Errorf("No username specified")
	}
	name, why := args[0], reason(args[1:])
	err := d.perms.Ban(ctx, auth.Ban{Username: name, Reason: why, By: c.Name(), At: time.Now()})
	if err != nil {
		return fmt.Errorf("ban %s: %w", name, err)
	}
	d.server.Kick(name, "Banned: "+why)
	d.moderated(ctx, "ban", name, c.Name(), why)
	c.SendMessage(network.InfoPrefix + "Banned " + name)
	return nil
}

func (d *Dispatcher) unban(ctx context.Context, c Caller, args []string) error {
	if len(args) == 0 {
		return Errorf("No username specified")
	}
	name := args[0]
	err := d.perms.Unban(ctx, name)
	if errors.Is(err, auth.ErrNotFound) {
		return Errorf("User %s is not banned", name)
	}
	if err != nil {
		return fmt.Errorf("unban %s: %w", name, err)
	}
	d.moderated(ctx, "unban", name, c.Name(), "")
	c.SendMessage(network.InfoPrefix + "Unbanned " + name)
	return nil
}

func (d *Dispatcher) op(ctx context.Context, c Caller, args []string) error {
	return d.setOp(ctx, c, args, true)
}

func (d *Dispatcher) deop(ctx context.Context, c Caller, args []string) error {
	return d.setOp(ctx, c, args, false)
}

func (d *Dispatcher) setOp(ctx context.Context, c Caller, args []string, op bool) error {
	if len(args) == 0 {
		return Errorf("No username specified")
	}
	name := args[0]
	if err := d.perms.SetOp(ctx, name, op); err != nil && !errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("set op %s: %w", name, err)
	}

	action := "op"
	if !op {
		action = "deop"
	}
	d.moderated(ctx, action, name, c.Name(), "")

	if d.server.SetOperator(name, op) {
		if op {
			d.server.Message(name, network.InfoPrefix+"Granted operator permissions")
		} else {
			d.server.Message(name, network.InfoPrefix+"Operator permissions revoked")
		}
	}
	if op {
		c.SendMessage(network.InfoPrefix + "Granted operator permissions to " + name)
	} else {
		c.SendMessage(network.InfoPrefix + "Revoked operator permissions from " + name)
	}
	return nil
}

func (d *Dispatcher) stop(ctx context.Context, c Caller, _ []string) error {
	d.logger.Info("Остановка сервера по команде %s", c.Name())
	d.moderated(ctx, "stop", "", c.Name(), "")
	d.server.Shutdown()
	return nil
}
