package network

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/cpe"
	"github.com/annel0/classic-server/internal/eventbus"
	"github.com/annel0/classic-server/internal/protocol"
	"github.com/annel0/classic-server/internal/storage"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world"
	"github.com/annel0/classic-server/internal/world/block"
)

const ioTimeout = 2 * time.Second

var testSize = vec.Vec3{X: 16, Y: 16, Z: 16}

type testEnv struct {
	cfg    *config.Config
	srv    *Server
	worlds *world.Manager
	main   *world.World
	perms  *auth.MemoryPermissionStore
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Name = "Test Server"
	cfg.Server.MOTD = "hello"
	cfg.Server.PingInterval = time.Hour

	hub := NewHub(nil)
	mgr := world.NewManager(cfg.Worlds, hub)
	main, err := world.New(cfg.Worlds.Default, testSize, world.Empty{})
	require.NoError(t, err)
	require.NoError(t, mgr.Add(main))

	perms := auth.NewMemoryPermissionStore()
	if opts.Permissions == nil {
		opts.Permissions = perms
	}
	srv := NewServer(cfg, mgr, hub, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return &testEnv{cfg: cfg, srv: srv, worlds: mgr, main: main, perms: perms}
}

// testClient клиентская сторона соединения с кодеком обратного направления
type testClient struct {
	conn   net.Conn
	dec    *protocol.Decoder
	layout protocol.Layout
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	e.srv.ServeConn(context.Background(), server)
	return &testClient{
		conn:   client,
		dec:    protocol.NewDecoder(client, protocol.NewClientCodec(protocol.BaseLayout)),
		layout: protocol.BaseLayout,
	}
}

func (c *testClient) send(t *testing.T, p protocol.Packet) {
	t.Helper()
	frame, err := protocol.Encode(protocol.Serverbound, c.layout, p)
	require.NoError(t, err)
	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(ioTimeout)))
	_, err = c.conn.Write(frame)
	require.NoError(t, err)
}

func (c *testClient) next(t *testing.T) protocol.Packet {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	p, err := c.dec.Next()
	require.NoError(t, err)
	return p
}

func (c *testClient) setLayout(l protocol.Layout) {
	c.layout = l
	c.dec.SetCodec(protocol.NewClientCodec(l))
}

// expectPacket читает следующий пакет и проверяет его тип
func expectPacket[T protocol.Packet](t *testing.T, c *testClient) T {
	t.Helper()
	p := c.next(t)
	v, ok := p.(T)
	require.Truef(t, ok, "got %T (%+v)", p, p)
	return v
}

// skipUntil пропускает пакеты до первого пакета типа T
func skipUntil[T protocol.Packet](t *testing.T, c *testClient) T {
	t.Helper()
	for {
		if v, ok := c.next(t).(T); ok {
			return v
		}
	}
}

// readLevel собирает поток уровня и возвращает распакованную сетку
func (c *testClient) readLevel(t *testing.T) ([]byte, protocol.LevelFinalize) {
	t.Helper()
	expectPacket[protocol.LevelInitialize](t, c)
	var stream bytes.Buffer
	for {
		switch p := c.next(t).(type) {
		case protocol.LevelDataChunk:
			stream.Write(p.Data)
		case protocol.LevelFinalize:
			r, err := gzip.NewReader(&stream)
			require.NoError(t, err)
			raw, err := io.ReadAll(r)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(raw), 4)
			require.Equal(t, int(binary.BigEndian.Uint32(raw)), len(raw)-4)
			return raw[4:], p
		default:
			t.Fatalf("unexpected %T during level transfer", p)
		}
	}
}

// login выполняет вход без расширений до собственного SpawnPlayer
func (c *testClient) login(t *testing.T, name string) ([]byte, protocol.SpawnPlayer) {
	t.Helper()
	c.send(t, protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: name})
	expectPacket[protocol.ServerIdentification](t, c)
	level, _ := c.readLevel(t)
	self := expectPacket[protocol.SpawnPlayer](t, c)
	require.Equal(t, protocol.SelfID, self.PlayerID)
	return level, self
}

func expectDisconnect(t *testing.T, c *testClient, reason string) {
	t.Helper()
	d := skipUntil[protocol.Disconnect](t, c)
	assert.Equal(t, reason, d.Reason)
}

func blockIndex(pos vec.Vec3) int {
	return pos.Y*testSize.X*testSize.Z + pos.Z*testSize.X + pos.X
}

func TestSession_VanillaLogin(t *testing.T) {
	env := newTestEnv(t, Options{})
	c := env.dial(t)

	c.send(t, protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: "alice"})
	id := expectPacket[protocol.ServerIdentification](t, c)
	assert.Equal(t, "Test Server", id.Name)
	assert.Equal(t, "hello", id.MOTD)
	assert.Equal(t, protocol.UserTypeNormal, id.UserType)

	level, fin := c.readLevel(t)
	assert.Len(t, level, testSize.Volume())
	assert.Equal(t, protocol.LevelFinalize{X: 16, Y: 16, Z: 16}, fin)

	self := expectPacket[protocol.SpawnPlayer](t, c)
	assert.Equal(t, protocol.SelfID, self.PlayerID)
	assert.Equal(t, env.main.Spawn(), self.Location)

	joined := expectPacket[protocol.Message](t, c)
	assert.Contains(t, joined.Text, "alice")

	require.Eventually(t, func() bool { return env.srv.PlayerCount() == 1 }, ioTimeout, 10*time.Millisecond)
	where, ok := env.srv.Locate("ALICE")
	require.True(t, ok)
	assert.Equal(t, "main", where)
}

func TestSession_OperatorUserType(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.NoError(t, env.perms.SetOp(context.Background(), "alice", true))
	c := env.dial(t)

	c.send(t, protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: "alice"})
	id := expectPacket[protocol.ServerIdentification](t, c)
	assert.Equal(t, protocol.UserTypeOp, id.UserType)
}

func TestSession_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		ident  protocol.PlayerIdentification
		reason string
	}{
		{"version", protocol.PlayerIdentification{ProtocolVersion: 6, Username: "alice"}, "Unsupported protocol version"},
		{"whitespace", protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: "al ice"}, "Username cannot have whitespace"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			c := env.dial(t)
			c.send(t, tc.ident)
			expectDisconnect(t, c, tc.reason)
		})
	}
}

type denyVerifier struct{}

func (denyVerifier) Verify(string, string) bool { return false }

func TestSession_Unauthorized(t *testing.T) {
	env := newTestEnv(t, Options{Verifier: denyVerifier{}})
	c := env.dial(t)
	c.send(t, protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: "alice", VerificationKey: "bad"})
	expectDisconnect(t, c, "Failed to connect: Unauthorized")
}

func TestSession_Banned(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.NoError(t, env.perms.Ban(context.Background(), auth.Ban{Username: "alice", Reason: "griefing"}))
	c := env.dial(t)
	c.send(t, protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: "alice"})
	expectDisconnect(t, c, "Banned: griefing")
}

func TestSession_DuplicateName(t *testing.T) {
	env := newTestEnv(t, Options{})
	first := env.dial(t)
	first.login(t, "alice")

	second := env.dial(t)
	second.send(t, protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: "Alice"})
	expectDisconnect(t, second, "Player with same username already connected")
	assert.Equal(t, 1, env.srv.PlayerCount())
}

func TestSession_UnexpectedPacketBeforeIdentification(t *testing.T) {
	env := newTestEnv(t, Options{})
	c := env.dial(t)
	c.send(t, protocol.ChatMessage{Text: "hi"})
	expectDisconnect(t, c, "Unexpected packet")
}

func TestSession_InvalidOpcode(t *testing.T) {
	env := newTestEnv(t, Options{})
	c := env.dial(t)
	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(ioTimeout)))
	_, err := c.conn.Write([]byte{0x7f})
	require.NoError(t, err)
	expectDisconnect(t, c, "Invalid packet")
}

func TestSession_CPENegotiation(t *testing.T) {
	env := newTestEnv(t, Options{})
	custom := vec.Vec3{X: 1, Y: 2, Z: 3}
	require.NoError(t, env.main.ApplyEdit(world.Requester{Name: "setup", Op: true}, custom, block.IceBlockID))

	c := env.dial(t)
	c.send(t, protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: "alice", Type: protocol.CPEMagic})

	info := expectPacket[protocol.ExtInfo](t, c)
	assert.Equal(t, Software, info.AppName)
	offered := make([]cpe.Extension, 0, info.Count)
	for i := 0; i < int(info.Count); i++ {
		e := expectPacket[protocol.ExtEntry](t, c)
		offered = append(offered, cpe.Extension{Name: e.Name, Version: e.Version})
	}
	assert.ElementsMatch(t, cpe.ServerExtensions(), offered)

	mine := []cpe.Extension{{Name: cpe.CustomBlocks, Version: 1}, {Name: cpe.LongerMessages, Version: 1}}
	c.send(t, protocol.ExtInfo{AppName: "test client", Count: uint16(len(mine))})
	for _, e := range mine {
		c.send(t, protocol.ExtEntry{Name: e.Name, Version: e.Version})
	}

	level := expectPacket[protocol.CustomBlockSupportLevel](t, c)
	assert.Equal(t, uint8(cpe.CustomBlocksLevel), level.Level)
	c.send(t, protocol.CustomBlockSupportLevel{Level: cpe.CustomBlocksLevel})
	c.setLayout(protocol.LayoutFor(cpe.Negotiate(cpe.ServerExtensions(), mine)))

	expectPacket[protocol.ServerIdentification](t, c)
	grid, _ := c.readLevel(t)
	assert.Equal(t, byte(block.IceBlockID), grid[blockIndex(custom)])

	require.Eventually(t, func() bool { return len(env.srv.Players()) == 1 }, ioTimeout, 10*time.Millisecond)
	info2 := env.srv.Players()[0]
	assert.Equal(t, "test client", info2.Client)
	assert.ElementsMatch(t, []string{cpe.CustomBlocks, cpe.LongerMessages}, info2.Extensions)
}

func TestSession_LongerMessagesCappedWithoutConfiguredLimit(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	t.Cleanup(func() { _ = bus.Close() })
	chats := make(chan string, 4)
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{eventbus.TypeChat}}, func(_ context.Context, ev *eventbus.Envelope) {
		var c eventbus.ChatEvent
		if ev.Decode(&c) == nil {
			chats <- c.Message
		}
	})
	require.NoError(t, err)

	env := newTestEnv(t, Options{Events: eventbus.NewPublisher(bus, "test")})
	env.srv.chat.MaxMessageLength = 0
	c := env.dial(t)

	c.send(t, protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: "alice", Type: protocol.CPEMagic})
	info := expectPacket[protocol.ExtInfo](t, c)
	for i := 0; i < int(info.Count); i++ {
		expectPacket[protocol.ExtEntry](t, c)
	}
	mine := []cpe.Extension{{Name: cpe.LongerMessages, Version: 1}}
	c.send(t, protocol.ExtInfo{AppName: "test client", Count: uint16(len(mine))})
	c.send(t, protocol.ExtEntry{Name: cpe.LongerMessages, Version: 1})
	c.setLayout(protocol.LayoutFor(cpe.Negotiate(cpe.ServerExtensions(), mine)))
	expectPacket[protocol.ServerIdentification](t, c)
	c.readLevel(t)
	expectPacket[protocol.SpawnPlayer](t, c)

	// Клиент читает ответы, чтобы очередь сессии не переполнилась
	require.NoError(t, c.conn.SetReadDeadline(time.Time{}))
	go func() { _, _ = io.Copy(io.Discard, c.conn) }()

	part := strings.Repeat("a", 64)
	const parts = MaxChatLength/64 + 5
	for i := 0; i < parts; i++ {
		c.send(t, protocol.ChatMessage{Flag: 1, Text: part})
	}
	c.send(t, protocol.ChatMessage{Text: "end"})

	select {
	case got := <-chats:
		assert.Equal(t, strings.Repeat("a", MaxChatLength), got)
	case <-time.After(ioTimeout):
		t.Fatal("переполненное сообщение не отправлено")
	}
	select {
	case got := <-chats:
		assert.Equal(t, strings.Repeat("a", 4*64)+"end", got)
	case <-time.After(ioTimeout):
		t.Fatal("остаток сообщения не отправлен")
	}
}

func TestChatLimit(t *testing.T) {
	assert.Equal(t, MaxChatLength, chatLimit(0))
	assert.Equal(t, MaxChatLength, chatLimit(-1))
	assert.Equal(t, MaxChatLength, chatLimit(MaxChatLength*2))
	assert.Equal(t, 256, chatLimit(256))
}

func TestSession_LegacyClientGetsFallbackBlocks(t *testing.T) {
	env := newTestEnv(t, Options{})
	custom := vec.Vec3{X: 4, Y: 0, Z: 9}
	require.NoError(t, env.main.ApplyEdit(world.Requester{Name: "setup", Op: true}, custom, block.IceBlockID))

	c := env.dial(t)
	grid, _ := c.login(t, "alice")
	assert.Equal(t, byte(block.GlassBlockID), grid[blockIndex(custom)])
	for i, b := range grid {
		require.LessOrEqualf(t, b, byte(block.MaxLegacyBlockID), "index %d", i)
	}
}

func TestSession_BlockEditsReachEveryone(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t)
	alice.login(t, "alice")
	bob := env.dial(t)
	bob.login(t, "bob")

	spawned := skipUntil[protocol.SpawnPlayer](t, alice)
	assert.Equal(t, "bob", spawned.Name)

	pos := vec.Vec3{X: 5, Y: 5, Z: 5}
	alice.send(t, protocol.SetBlockRequest{X: 5, Y: 5, Z: 5, Mode: protocol.ModeCreate, Block: block.StoneBlockID})

	for _, c := range []*testClient{alice, bob} {
		sb := skipUntil[protocol.SetBlock](t, c)
		assert.Equal(t, protocol.SetBlock{X: 5, Y: 5, Z: 5, Block: block.StoneBlockID}, sb)
	}
	got, err := env.main.Block(pos)
	require.NoError(t, err)
	assert.Equal(t, block.StoneBlockID, got)
}

func TestSession_ForbiddenEditIsReverted(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.main.SetPermissions(world.Permissions{BuildOpsOnly: true})
	c := env.dial(t)
	c.login(t, "alice")

	c.send(t, protocol.SetBlockRequest{X: 1, Y: 1, Z: 1, Mode: protocol.ModeCreate, Block: block.StoneBlockID})
	sb := skipUntil[protocol.SetBlock](t, c)
	assert.Equal(t, block.AirBlockID, sb.Block)
	msg := skipUntil[protocol.Message](t, c)
	assert.Contains(t, msg.Text, "not allowed")
}

func TestSession_RevertNeverOvertakesAcceptedEdit(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.main.SetPermissions(world.Permissions{BuildOpsOnly: true})
	c := env.dial(t)
	c.login(t, "alice")

	pos := vec.Vec3{X: 3, Y: 3, Z: 3}
	const marker = "edits-drained"
	const rounds = 200

	// Клиент читает всё, что шлёт сервер, запоминая блоки ячейки
	seen := make(chan []block.BlockID, 1)
	go func() {
		var ids []block.BlockID
		defer func() { seen <- ids }()
		for {
			if err := c.conn.SetReadDeadline(time.Now().Add(5 * ioTimeout)); err != nil {
				return
			}
			p, err := c.dec.Next()
			if err != nil {
				return
			}
			switch v := p.(type) {
			case protocol.SetBlock:
				if int(v.X) == pos.X && int(v.Y) == pos.Y && int(v.Z) == pos.Z {
					ids = append(ids, v.Block)
				}
			case protocol.Message:
				if strings.Contains(v.Text, marker) {
					return
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		op := world.Requester{Name: "op", Op: true}
		for i := 0; i < rounds; i++ {
			id := block.StoneBlockID
			if i%2 == 1 {
				id = block.GoldBlockID
			}
			assert.NoError(t, env.main.ApplyEdit(op, pos, id))
		}
	}()
	for i := 0; i < rounds; i++ {
		c.send(t, protocol.SetBlockRequest{
			X: uint16(pos.X), Y: uint16(pos.Y), Z: uint16(pos.Z),
			Mode: protocol.ModeCreate, Block: block.GlassBlockID,
		})
	}
	<-done
	c.send(t, protocol.ChatMessage{Text: marker})

	ids := <-seen
	require.NotEmpty(t, ids)
	current, err := env.main.Block(pos)
	require.NoError(t, err)
	assert.Equal(t, current, ids[len(ids)-1], "последний SetBlock клиента совпадает с сеткой")
	assert.NotContains(t, ids, block.GlassBlockID)
}

func TestSession_FullWorldDisconnects(t *testing.T) {
	env := newTestEnv(t, Options{})
	for i := 0; i <= world.MaxPlayerID; i++ {
		_, err := env.main.Register(world.Player{Name: "bot" + strconv.Itoa(i), SessionID: "bot"})
		require.NoError(t, err)
	}

	c := env.dial(t)
	c.send(t, protocol.PlayerIdentification{ProtocolVersion: protocol.Version, Username: "alice"})
	expectDisconnect(t, c, "World is full")
}

func TestSession_OutOfBoundsEditDisconnects(t *testing.T) {
	env := newTestEnv(t, Options{})
	c := env.dial(t)
	c.login(t, "alice")
	c.send(t, protocol.SetBlockRequest{X: 100, Y: 1, Z: 1, Mode: protocol.ModeCreate, Block: block.StoneBlockID})
	expectDisconnect(t, c, "Block outside of the world")
}

func TestSession_MovementBroadcast(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t)
	_, self := alice.login(t, "alice")
	bob := env.dial(t)
	bob.login(t, "bob")
	skipUntil[protocol.SpawnPlayer](t, alice)

	loc := self.Location
	loc.X += 10
	alice.send(t, protocol.PlayerPosition{Held: protocol.NoHeldBlock, Location: loc})

	upd := skipUntil[protocol.PositionUpdate](t, bob)
	assert.Equal(t, int8(10), upd.DX)
	assert.Zero(t, upd.DY)
}

func TestSession_ChatAndCommands(t *testing.T) {
	env := newTestEnv(t, Options{})
	lines := make(chan string, 1)
	env.srv.SetCommandHandler(func(_ context.Context, s *Session, line string) error {
		lines <- s.Name() + " " + line
		return nil
	})

	c := env.dial(t)
	c.login(t, "alice")
	skipUntil[protocol.Message](t, c) // сообщение о входе

	c.send(t, protocol.ChatMessage{Text: "hello there"})
	msg := skipUntil[protocol.Message](t, c)
	assert.Equal(t, "&8[&7alice&8] &fhello there", msg.Text)

	c.send(t, protocol.ChatMessage{Text: "/players"})
	select {
	case line := <-lines:
		assert.Equal(t, "alice /players", line)
	case <-time.After(ioTimeout):
		t.Fatal("command handler not called")
	}
}

func TestSession_PositionRestoredOnRejoin(t *testing.T) {
	repo := storage.NewMemoryPositionRepo()
	env := newTestEnv(t, Options{Positions: repo})

	c := env.dial(t)
	c.login(t, "alice")
	moved := vec.LocationAt(vec.Vec3{X: 3, Y: 5, Z: 7})
	c.send(t, protocol.PlayerPosition{Held: protocol.NoHeldBlock, Location: moved})
	require.Eventually(t, func() bool { return env.srv.Players()[0].Location == moved }, ioTimeout, 10*time.Millisecond)
	c.conn.Close()

	require.Eventually(t, func() bool { return repo.Len() == 1 && env.srv.PlayerCount() == 0 }, ioTimeout, 10*time.Millisecond)

	again := env.dial(t)
	_, self := again.login(t, "alice")
	assert.Equal(t, moved, self.Location)
}

func TestServer_KickAndStop(t *testing.T) {
	env := newTestEnv(t, Options{})
	c := env.dial(t)
	c.login(t, "alice")

	assert.False(t, env.srv.Kick("nobody", "x"))
	assert.True(t, env.srv.Kick("alice", "Kicked: behave"))
	expectDisconnect(t, c, "Kicked: behave")
	require.Eventually(t, func() bool { return env.srv.PlayerCount() == 0 }, ioTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	require.NoError(t, env.srv.Stop(ctx))
}

func TestSession_OverWebSocket(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpSrv := httptest.NewServer(env.srv.WebSocketHandler(ctx))
	defer httpSrv.Close()

	conn, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(httpSrv.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	c := &testClient{
		conn:   conn,
		dec:    protocol.NewDecoder(conn, protocol.NewClientCodec(protocol.BaseLayout)),
		layout: protocol.BaseLayout,
	}
	level, _ := c.login(t, "webby")
	assert.Len(t, level, testSize.Volume())

	require.Eventually(t, func() bool { return env.srv.PlayerCount() == 1 }, ioTimeout, 10*time.Millisecond)
	info := env.srv.Players()[0]
	assert.Equal(t, "webby", info.Name)
	assert.NotEmpty(t, info.Address)
}
