package network

import (
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/classic-server/internal/protocol"
	"github.com/annel0/classic-server/internal/vec"
)

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(ioTimeout)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func TestOutbox_OverflowCallsHandler(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	o := newOutbox(server, 2, time.Second, nil)
	var overflowed atomic.Bool
	o.onOverflow = func() { overflowed.Store(true) }

	assert.True(t, o.Send([]byte{1}))
	assert.True(t, o.Send([]byte{2}))
	assert.False(t, o.Send([]byte{3}))
	assert.True(t, overflowed.Load())
}

func TestOutbox_HoldKeepsOrderBehindWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	o := newOutbox(server, 8, time.Second, nil)
	o.Hold()
	require.True(t, o.Send([]byte{1}))
	require.True(t, o.Send([]byte{2}))
	require.NoError(t, o.Write([]byte{9}))
	o.Release()
	o.start()

	assert.Equal(t, []byte{9, 1, 2}, readN(t, client, 3))
}

func TestOutbox_HeldOverflow(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	o := newOutbox(server, 1, time.Second, nil)
	var overflowed atomic.Bool
	o.onOverflow = func() { overflowed.Store(true) }
	o.Hold()
	assert.True(t, o.Send([]byte{1}))
	assert.False(t, o.Send([]byte{2}))
	assert.True(t, overflowed.Load())
}

func TestOutbox_CloseFlushesThenFinal(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	o := newOutbox(server, 8, time.Second, nil)
	require.True(t, o.Send([]byte{1}))
	o.Close([]byte{7}, true)
	o.start()

	assert.Equal(t, []byte{1, 7}, readN(t, client, 2))
	<-o.Done()
	assert.False(t, o.Send([]byte{3}))
}

func TestOutbox_CloseDiscardsQueue(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	o := newOutbox(server, 8, time.Second, nil)
	require.True(t, o.Send([]byte{1}))
	o.Close([]byte{7}, false)
	o.start()

	assert.Equal(t, []byte{7}, readN(t, client, 1))
	<-o.Done()
}

func TestAllows(t *testing.T) {
	assert.True(t, Allows(PhaseConnecting, protocol.OpIdentification))
	assert.False(t, Allows(PhaseConnecting, protocol.OpMessage))
	assert.True(t, Allows(PhaseNegotiating, protocol.OpExtEntry))
	assert.False(t, Allows(PhaseNegotiating, protocol.OpSetBlockClient))
	assert.False(t, Allows(PhaseAuthenticating, protocol.OpMessage))
	assert.True(t, Allows(PhaseSpawned, protocol.OpSetBlockClient))
	assert.True(t, Allows(PhaseSpawned, protocol.OpTwoWayPing))
	assert.False(t, Allows(PhaseSpawned, protocol.OpIdentification))
	assert.False(t, Allows(PhaseDisconnected, protocol.OpMessage))
}

func TestSplitMessage(t *testing.T) {
	long := strings.Repeat("a", 100)

	plain := SplitMessage(long, protocol.BaseLayout)
	require.Len(t, plain, 2)
	assert.Len(t, plain[0].Text, 64)
	assert.Len(t, plain[1].Text, 36)
	assert.Zero(t, plain[0].PlayerID)

	longer := SplitMessage(long, protocol.Layout{LongerMessages: true})
	require.Len(t, longer, 2)
	assert.Equal(t, int8(1), longer[0].PlayerID)
	assert.Zero(t, longer[1].PlayerID)

	assert.Equal(t, "hi", SplitMessage("hi&&", protocol.BaseLayout)[0].Text)
	assert.Len(t, SplitMessage("", protocol.BaseLayout), 1)
}

func TestFormatTemplate(t *testing.T) {
	assert.Equal(t, "<bob> hey", FormatTemplate("<{username}> {message}", "bob", "hey"))
	s, cut := truncateRunes("héllo", 3)
	assert.True(t, cut)
	assert.Equal(t, "hél", s)
}

func TestMovePacket(t *testing.T) {
	prev := vec.Location{X: 100, Y: 100, Z: 100, Yaw: 1, Pitch: 2}

	assert.Equal(t, protocol.OrientationUpdate{PlayerID: 3, Yaw: 9, Pitch: 2},
		movePacket(3, vec.Location{X: 100, Y: 100, Z: 100, Yaw: 9, Pitch: 2}, prev))
	assert.Equal(t, protocol.PositionUpdate{PlayerID: 3, DX: 5, DY: -5},
		movePacket(3, vec.Location{X: 105, Y: 95, Z: 100, Yaw: 1, Pitch: 2}, prev))
	assert.Equal(t, protocol.PositionOrientationUpdate{PlayerID: 3, DZ: 1, Yaw: 4, Pitch: 2},
		movePacket(3, vec.Location{X: 100, Y: 100, Z: 101, Yaw: 4, Pitch: 2}, prev))

	far := vec.Location{X: 1000, Y: 100, Z: 100}
	assert.Equal(t, protocol.Teleport{PlayerID: 3, Location: far}, movePacket(3, far, prev))
}
