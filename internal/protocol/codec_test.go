package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/classic-server/internal/cpe"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world/block"
)

var testLayouts = map[string]Layout{
	"base":     BaseLayout,
	"extended": {ExtendedPositions: true},
	"full":     LayoutFor(cpe.Negotiate(cpe.ServerExtensions(), cpe.ServerExtensions())),
}

var testLocation = vec.Location{X: 4128, Y: -64, Z: 1000, Yaw: 128, Pitch: 7}

func serverboundPackets() []Packet {
	return []Packet{
		PlayerIdentification{ProtocolVersion: Version, Username: "Notch", VerificationKey: "abcdef0123", Type: CPEMagic},
		SetBlockRequest{X: 1, Y: 2, Z: 300, Mode: ModeCreate, Block: block.GlassBlockID},
		PlayerPosition{Held: NoHeldBlock, Location: testLocation},
		ChatMessage{Flag: 0, Text: "hello world"},
		ExtInfo{AppName: "ClassiCube 1.3", Count: 7},
		ExtEntry{Name: cpe.EmoteFix, Version: 1},
		CustomBlockSupportLevel{Level: 1},
		TwoWayPing{Direction: PingFromClient, Data: 0xbeef},
	}
}

func clientboundPackets() []Packet {
	return []Packet{
		ServerIdentification{ProtocolVersion: Version, Name: "Server", MOTD: "Welcome!", UserType: UserTypeOp},
		Ping{},
		LevelInitialize{},
		LevelDataChunk{Data: []byte{1, 2, 3, 4}, Percent: 50},
		LevelFinalize{X: 256, Y: 64, Z: 256},
		SetBlock{X: 5, Y: 6, Z: 7, Block: block.ObsidianBlockID},
		SpawnPlayer{PlayerID: SelfID, Name: "Notch", Location: testLocation},
		Teleport{PlayerID: 3, Location: testLocation},
		PositionOrientationUpdate{PlayerID: 3, DX: -1, DY: 2, DZ: -128, Yaw: 1, Pitch: 255},
		PositionUpdate{PlayerID: 3, DX: 127, DY: 0, DZ: -5},
		OrientationUpdate{PlayerID: 3, Yaw: 64, Pitch: 32},
		DespawnPlayer{PlayerID: 3},
		Message{PlayerID: 0, Text: "&eHi there"},
		Disconnect{Reason: "Kicked"},
		UpdateUserType{Type: UserTypeNormal},
		ExtInfo{AppName: "Classic Server", Count: 7},
		ExtEntry{Name: cpe.TwoWayPing, Version: 1},
		CustomBlockSupportLevel{Level: 1},
		HoldThis{Block: block.StoneBlockID, PreventChange: true},
		TwoWayPing{Direction: PingFromServer, Data: 42},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for name, layout := range testLayouts {
		t.Run(name, func(t *testing.T) {
			client := NewClientCodec(layout)
			server := NewServerCodec(layout)

			for _, p := range serverboundPackets() {
				data, err := client.Encode(p)
				require.NoError(t, err, "%T", p)
				size, ok := layout.FrameLength(Serverbound, p.Opcode())
				require.True(t, ok)
				assert.Len(t, data, size, "%T", p)

				got, n, err := server.Decode(data)
				require.NoError(t, err, "%T", p)
				assert.Equal(t, size, n)
				assert.Equal(t, p, got)
			}

			for _, p := range clientboundPackets() {
				data, err := server.Encode(p)
				require.NoError(t, err, "%T", p)

				got, n, err := client.Decode(data)
				require.NoError(t, err, "%T", p)
				assert.Equal(t, len(data), n)
				assert.Equal(t, p, got)
			}
		})
	}
}

func TestCodec_FrameLengths(t *testing.T) {
	base := BaseLayout
	ext := Layout{ExtendedPositions: true}

	cases := []struct {
		dir  Direction
		op   Opcode
		base int
		ext  int
	}{
		{Serverbound, OpIdentification, 131, 131},
		{Serverbound, OpSetBlockClient, 9, 9},
		{Serverbound, OpTeleport, 10, 16},
		{Serverbound, OpMessage, 66, 66},
		{Clientbound, OpLevelDataChunk, 1028, 1028},
		{Clientbound, OpLevelFinalize, 7, 7},
		{Clientbound, OpSpawnPlayer, 74, 80},
		{Clientbound, OpTeleport, 10, 16},
		{Clientbound, OpPositionOrientation, 7, 7},
		{Clientbound, OpDisconnect, 65, 65},
		{Clientbound, OpExtInfo, 67, 67},
		{Clientbound, OpExtEntry, 69, 69},
		{Clientbound, OpHoldThis, 3, 3},
		{Serverbound, OpTwoWayPing, 4, 4},
	}
	for _, c := range cases {
		n, ok := base.FrameLength(c.dir, c.op)
		require.True(t, ok, "%s %s", c.dir, c.op)
		assert.Equal(t, c.base, n, "%s %s", c.dir, c.op)
		n, _ = ext.FrameLength(c.dir, c.op)
		assert.Equal(t, c.ext, n, "%s %s with extended positions", c.dir, c.op)
	}

	_, ok := base.FrameLength(Serverbound, OpPing)
	assert.False(t, ok, "клиент не отправляет Ping")
}

func TestCodec_NeedMore(t *testing.T) {
	client := NewClientCodec(BaseLayout)
	server := NewServerCodec(BaseLayout)

	data, err := client.Encode(ChatMessage{Text: "split"})
	require.NoError(t, err)

	_, _, err = server.Decode(nil)
	assert.ErrorIs(t, err, ErrNeedMore)

	for i := 1; i < len(data); i++ {
		_, n, err := server.Decode(data[:i])
		assert.ErrorIs(t, err, ErrNeedMore)
		assert.Zero(t, n)
	}

	// Два пакета подряд: разбирается ровно первый
	both := append(append([]byte{}, data...), data...)
	p, n, err := server.Decode(both)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, ChatMessage{Text: "split"}, p)
}

func TestCodec_UnknownOpcode(t *testing.T) {
	server := NewServerCodec(BaseLayout)

	_, _, err := server.Decode([]byte{0xff, 0, 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOpcode))

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Opcode(0xff), de.Opcode)

	// Ping существует только от сервера к клиенту
	_, _, err = server.Decode([]byte{byte(OpPing)})
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestCodec_InvalidField(t *testing.T) {
	server := NewServerCodec(BaseLayout)

	badMode := []byte{byte(OpSetBlockClient), 0, 1, 0, 1, 0, 1, 2, 1}
	_, _, err := server.Decode(badMode)
	assert.ErrorIs(t, err, ErrInvalidField)

	customBlock := []byte{byte(OpSetBlockClient), 0, 1, 0, 1, 0, 1, 1, byte(block.StoneBrickBlockID)}
	_, _, err = server.Decode(customBlock)
	assert.ErrorIs(t, err, ErrInvalidField, "без CustomBlocks блок 65 недопустим")

	_, _, err = server.WithLayout(Layout{CustomBlocksLevel: 1}).Decode(customBlock)
	assert.NoError(t, err)

	_, _, err = server.Decode([]byte{byte(OpTwoWayPing), 2, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = server.Encode(SetBlock{Block: block.CrateBlockID})
	assert.ErrorIs(t, err, ErrInvalidField, "сервер не должен отправлять необработанный ID")

	_, err = server.Encode(LevelDataChunk{Data: make([]byte, ChunkSize+1)})
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestCodec_PartialChatKeepsSpaces(t *testing.T) {
	layout := Layout{LongerMessages: true}
	client := NewClientCodec(layout)
	server := NewServerCodec(layout)

	part := strings.Repeat("ab", 31) + "c "
	data, err := client.Encode(ChatMessage{Flag: 1, Text: part})
	require.NoError(t, err)
	p, _, err := server.Decode(data)
	require.NoError(t, err)
	msg := p.(ChatMessage)
	assert.True(t, msg.IsPartial(layout))
	assert.Equal(t, part, msg.Text)

	// Без LongerMessages флаг игнорируется, пробелы обрезаются
	data, err = NewClientCodec(BaseLayout).Encode(ChatMessage{Flag: 1, Text: "hi "})
	require.NoError(t, err)
	p, _, err = NewServerCodec(BaseLayout).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "hi", p.(ChatMessage).Text)
}

func TestCodec_WrongDirection(t *testing.T) {
	server := NewServerCodec(BaseLayout)
	_, err := server.Encode(PlayerIdentification{Username: "x"})
	assert.ErrorIs(t, err, ErrWrongDirection)

	data, err := server.Encode(ExtInfo{AppName: "s"})
	require.NoError(t, err)
	assert.Len(t, data, 67)
}

func TestCodec_PositionClamp(t *testing.T) {
	server := NewServerCodec(BaseLayout)
	client := NewClientCodec(BaseLayout)

	data, err := server.Encode(Teleport{PlayerID: 1, Location: vec.Location{X: 40000, Y: -40000, Z: 5}})
	require.NoError(t, err)
	p, _, err := client.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, vec.Location{X: 32767, Y: -32768, Z: 5}, p.(Teleport).Location)
}

func TestText_Substitution(t *testing.T) {
	base := BaseLayout
	emote := Layout{EmoteFix: true}
	full := Layout{FullCP437: true}

	buf := make([]byte, StringLength)
	base.EncodeString(buf, "a☺é")
	assert.Equal(t, "a??", base.DecodeString(buf))

	emote.EncodeString(buf, "a☺é")
	assert.Equal(t, byte(0x01), buf[1])
	assert.Equal(t, "a☺?", emote.DecodeString(buf))

	full.EncodeString(buf, "a☺é⌂")
	assert.Equal(t, byte(0x82), buf[2])
	assert.Equal(t, "a☺é⌂", full.DecodeString(buf))

	long := bytes.Repeat([]byte{'x'}, 100)
	base.EncodeString(buf, string(long))
	assert.Equal(t, string(long[:StringLength]), base.DecodeString(buf))

	assert.Equal(t, "caf?", base.SanitizeText("café"))
	assert.Equal(t, 4, TextLength("café"))
}

func TestDecoder_Stream(t *testing.T) {
	client := NewClientCodec(BaseLayout)
	var stream []byte
	packets := serverboundPackets()
	for _, p := range packets {
		var err error
		stream, err = client.AppendEncode(stream, p)
		require.NoError(t, err)
	}

	dec := NewDecoder(iotest.OneByteReader(bytes.NewReader(stream)), NewServerCodec(BaseLayout))
	for _, want := range packets {
		got, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := dec.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, dec.Pending())
}

func TestDecoder_TruncatedStream(t *testing.T) {
	client := NewClientCodec(BaseLayout)
	data, err := client.Encode(ChatMessage{Text: "cut"})
	require.NoError(t, err)

	dec := NewDecoder(bytes.NewReader(data[:10]), NewServerCodec(BaseLayout))
	_, err = dec.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
