package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/cpe"
	"github.com/annel0/classic-server/internal/network"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world"
)

var probeSize = vec.Vec3{X: 16, Y: 8, Z: 16}

type probeEnv struct {
	srv   *network.Server
	perms *auth.MemoryPermissionStore
}

func newProbeEnv(t *testing.T) *probeEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Name = "Probe Target"
	cfg.Server.MOTD = "welcome"
	cfg.Server.PingInterval = time.Hour
	cfg.Worlds.Dir = t.TempDir()

	hub := network.NewHub(nil)
	mgr := world.NewManager(cfg.Worlds, hub)
	main, err := world.New(cfg.Worlds.Default, probeSize, world.Empty{})
	require.NoError(t, err)
	require.NoError(t, mgr.Add(main))

	perms := auth.NewMemoryPermissionStore()
	srv := network.NewServer(cfg, mgr, hub, network.Options{Permissions: perms})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return &probeEnv{srv: srv, perms: perms}
}

func (e *probeEnv) probe(t *testing.T, opts probeOptions) (*Report, error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	e.srv.ServeConn(context.Background(), server)
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	return newProber(client, io.Discard, opts).Run()
}

func TestProbe_CPEHandshake(t *testing.T) {
	env := newProbeEnv(t)
	rep, err := env.probe(t, probeOptions{Name: "probe", CPE: true})
	require.NoError(t, err)

	assert.Equal(t, network.Software, rep.ServerApp)
	assert.ElementsMatch(t, cpe.ServerExtensions(), rep.Offered)
	assert.Equal(t, len(cpe.ServerExtensions()), rep.Negotiated.Len())
	assert.Equal(t, uint8(cpe.CustomBlocksLevel), rep.BlockLevel)

	assert.Equal(t, "Probe Target", rep.Identity.Name)
	assert.Equal(t, "welcome", rep.Identity.MOTD)
	assert.Equal(t, probeSize.Volume(), rep.Volume)
	assert.EqualValues(t, probeSize.X, rep.Size.X)
	assert.EqualValues(t, probeSize.Y, rep.Size.Y)
	assert.EqualValues(t, probeSize.Z, rep.Size.Z)
	assert.Positive(t, rep.Chunks)

	var out bytes.Buffer
	rep.Print(&out)
	assert.Contains(t, out.String(), "Size: 16x8x16 (2048 blocks)")
	assert.Contains(t, out.String(), "Software: "+network.Software)
}

func TestProbe_VanillaLogin(t *testing.T) {
	env := newProbeEnv(t)
	rep, err := env.probe(t, probeOptions{Name: "vanilla"})
	require.NoError(t, err)

	assert.Empty(t, rep.ServerApp)
	assert.Zero(t, rep.Negotiated.Len())
	assert.Equal(t, probeSize.Volume(), rep.Volume)
}

func TestProbe_SeesOtherPlayersAndChat(t *testing.T) {
	env := newProbeEnv(t)
	_, err := env.probe(t, probeOptions{Name: "first", Wait: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.srv.PlayerCount() == 1 }, time.Second, 10*time.Millisecond)

	rep, err := env.probe(t, probeOptions{Name: "second", CPE: true, Say: "hello probe", Wait: 300 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, rep.Players)
	assert.Greater(t, int64(rep.RTT), int64(0))

	found := false
	for _, m := range rep.Messages {
		if bytes.Contains([]byte(m), []byte("hello probe")) {
			found = true
		}
	}
	assert.True(t, found, "chat echo not received: %v", rep.Messages)
}

func TestProbe_BannedPlayerIsDisconnected(t *testing.T) {
	env := newProbeEnv(t)
	require.NoError(t, env.perms.Ban(context.Background(), auth.Ban{Username: "griefer", Reason: "grief", By: "test", At: time.Now()}))

	_, err := env.probe(t, probeOptions{Name: "griefer", CPE: true})
	var de *DisconnectedError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, "Banned: grief", de.Reason)
}

func TestLevelVolume(t *testing.T) {
	stream := func(prefix uint32, blocks int) *bytes.Buffer {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], prefix)
		_, _ = gz.Write(hdr[:])
		_, _ = gz.Write(make([]byte, blocks))
		require.NoError(t, gz.Close())
		return &buf
	}

	n, err := levelVolume(stream(64, 64))
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	_, err = levelVolume(stream(65, 64))
	assert.Error(t, err)

	_, err = levelVolume(bytes.NewBufferString("not gzip"))
	assert.Error(t, err)
}

func TestDial_UnknownTransport(t *testing.T) {
	_, err := dial(context.Background(), "carrier-pigeon", "localhost:1")
	assert.Error(t, err)
}
