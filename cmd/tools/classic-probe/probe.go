package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/annel0/classic-server/internal/cpe"
	"github.com/annel0/classic-server/internal/protocol"
	"github.com/annel0/classic-server/internal/vec"
)

const (
	probeApp   = "classic-probe"
	dumpFrames = 8
)

// probeOptions параметры проверки сервера
type probeOptions struct {
	Name    string
	Key     string
	CPE     bool
	Say     string
	Wait    time.Duration
	Timeout time.Duration
	Dump    bool
}

// DisconnectedError сервер разорвал соединение пакетом Disconnect
type DisconnectedError struct {
	Reason string
}

func (e *DisconnectedError) Error() string {
	return "disconnected by server: " + e.Reason
}

// Report итог проверки сервера
type Report struct {
	ServerApp  string
	Offered    []cpe.Extension
	Negotiated cpe.CapabilitySet
	BlockLevel uint8
	Identity   protocol.ServerIdentification
	Size       protocol.LevelFinalize
	Volume     int
	Compressed int
	Chunks     int
	Spawn      vec.Location
	Players    []string
	Messages   []string
	RTT        time.Duration
	Elapsed    time.Duration
}

// Print выводит отчёт в читаемом виде
func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w, "\n=== СЕРВЕР ===")
	fmt.Fprintf(w, "Name: %s\n", r.Identity.Name)
	fmt.Fprintf(w, "MOTD: %s\n", r.Identity.MOTD)
	fmt.Fprintf(w, "User type: %s\n", userType(r.Identity.UserType))
	if r.ServerApp != "" {
		fmt.Fprintf(w, "Software: %s\n", r.ServerApp)
		fmt.Fprintf(w, "Extensions: %s\n", r.Negotiated)
		if r.BlockLevel > 0 {
			fmt.Fprintf(w, "CustomBlocks level: %d\n", r.BlockLevel)
		}
	}

	if r.Volume > 0 {
		fmt.Fprintln(w, "\n=== УРОВЕНЬ ===")
		fmt.Fprintf(w, "Size: %dx%dx%d (%d blocks)\n", r.Size.X, r.Size.Y, r.Size.Z, r.Volume)
		fmt.Fprintf(w, "Transfer: %d bytes in %d chunks\n", r.Compressed, r.Chunks)
		fmt.Fprintf(w, "Spawn: %s\n", r.Spawn)
	}
	if len(r.Players) > 0 {
		fmt.Fprintf(w, "Players: %s\n", strings.Join(r.Players, ", "))
	}
	for _, m := range r.Messages {
		fmt.Fprintf(w, "💬 %s\n", m)
	}
	if r.RTT > 0 {
		fmt.Fprintf(w, "RTT: %s\n", r.RTT)
	}
	fmt.Fprintf(w, "Elapsed: %s\n", r.Elapsed.Round(time.Millisecond))
}

// prober клиентская сторона одного соединения
type prober struct {
	conn   net.Conn
	dec    *protocol.Decoder
	layout protocol.Layout
	opts   probeOptions
	out    io.Writer
	dumped int
}

func newProber(conn net.Conn, out io.Writer, opts probeOptions) *prober {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &prober{
		conn:   conn,
		dec:    protocol.NewDecoder(conn, protocol.NewClientCodec(protocol.BaseLayout)),
		layout: protocol.BaseLayout,
		opts:   opts,
		out:    out,
	}
}

func (p *prober) send(pkt protocol.Packet) error {
	frame, err := protocol.Encode(protocol.Serverbound, p.layout, pkt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", pkt.Opcode(), err)
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.opts.Timeout)); err != nil {
		return err
	}
	_, err = p.conn.Write(frame)
	return err
}

func (p *prober) next(deadline time.Time) (protocol.Packet, error) {
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	pkt, err := p.dec.Next()
	if err != nil {
		return nil, err
	}
	if p.opts.Dump && p.dumped < dumpFrames {
		p.dumped++
		if frame, err := protocol.Encode(protocol.Clientbound, p.layout, pkt); err == nil {
			fmt.Fprintf(p.out, "=== %s ===\n%s", pkt.Opcode(), hex.Dump(frame))
		}
	}
	return pkt, nil
}

func (p *prober) setLayout(l protocol.Layout) {
	p.layout = l
	p.dec.SetCodec(protocol.NewClientCodec(l))
}

// Run выполняет вход и читает сервер до собственного SpawnPlayer,
// затем слушает ещё opts.Wait
func (p *prober) Run() (*Report, error) {
	start := time.Now()
	rep := &Report{}
	defer func() { rep.Elapsed = time.Since(start) }()

	ident := protocol.PlayerIdentification{
		ProtocolVersion: protocol.Version,
		Username:        p.opts.Name,
		VerificationKey: p.opts.Key,
	}
	if p.opts.CPE {
		ident.Type = protocol.CPEMagic
	}
	if err := p.send(ident); err != nil {
		return nil, fmt.Errorf("send identification: %w", err)
	}

	var level bytes.Buffer
	for {
		pkt, err := p.next(time.Now().Add(p.opts.Timeout))
		if err != nil {
			return rep, fmt.Errorf("read: %w", err)
		}
		switch v := pkt.(type) {
		case protocol.ExtInfo:
			if err := p.negotiate(rep, v); err != nil {
				return rep, err
			}
		case protocol.CustomBlockSupportLevel:
			rep.BlockLevel = v.Level
			if rep.BlockLevel > cpe.CustomBlocksLevel {
				rep.BlockLevel = cpe.CustomBlocksLevel
			}
			if err := p.send(protocol.CustomBlockSupportLevel{Level: rep.BlockLevel}); err != nil {
				return rep, err
			}
		case protocol.ServerIdentification:
			rep.Identity = v
		case protocol.UpdateUserType:
			rep.Identity.UserType = v.Type
		case protocol.LevelInitialize:
			level.Reset()
			rep.Chunks = 0
		case protocol.LevelDataChunk:
			level.Write(v.Data)
			rep.Chunks++
		case protocol.LevelFinalize:
			rep.Size = v
			rep.Compressed = level.Len()
			n, err := levelVolume(&level)
			if err != nil {
				return rep, fmt.Errorf("level stream: %w", err)
			}
			rep.Volume = n
		case protocol.SpawnPlayer:
			if v.PlayerID != protocol.SelfID {
				rep.Players = append(rep.Players, v.Name)
				continue
			}
			rep.Spawn = v.Location
			sort.Strings(rep.Players)
			return rep, p.listen(rep)
		default:
			if err := p.handleCommon(rep, pkt); err != nil {
				return rep, err
			}
		}
	}
}

// negotiate читает ExtEntry сервера и отвечает собственным списком
func (p *prober) negotiate(rep *Report, info protocol.ExtInfo) error {
	rep.ServerApp = info.AppName
	rep.Offered = make([]cpe.Extension, 0, info.Count)
	for i := 0; i < int(info.Count); i++ {
		pkt, err := p.next(time.Now().Add(p.opts.Timeout))
		if err != nil {
			return fmt.Errorf("read ExtEntry: %w", err)
		}
		entry, ok := pkt.(protocol.ExtEntry)
		if !ok {
			return fmt.Errorf("expected ExtEntry, got %s", pkt.Opcode())
		}
		rep.Offered = append(rep.Offered, cpe.Extension{Name: entry.Name, Version: entry.Version})
	}

	mine := cpe.ServerExtensions()
	if err := p.send(protocol.ExtInfo{AppName: probeApp, Count: uint16(len(mine))}); err != nil {
		return err
	}
	for _, ext := range mine {
		if err := p.send(protocol.ExtEntry{Name: ext.Name, Version: ext.Version}); err != nil {
			return err
		}
	}
	rep.Negotiated = cpe.Negotiate(rep.Offered, mine)
	p.setLayout(protocol.LayoutFor(rep.Negotiated))
	return nil
}

// handleCommon обрабатывает пакеты, возможные в любой фазе
func (p *prober) handleCommon(rep *Report, pkt protocol.Packet) error {
	switch v := pkt.(type) {
	case protocol.Disconnect:
		return &DisconnectedError{Reason: v.Reason}
	case protocol.Message:
		rep.Messages = append(rep.Messages, v.Text)
	case protocol.TwoWayPing:
		if v.Direction == protocol.PingFromServer {
			return p.send(v)
		}
	case protocol.SpawnPlayer:
		rep.Players = append(rep.Players, v.Name)
	}
	return nil
}

// listen отправляет чат и пинг после входа и читает сервер до истечения opts.Wait
func (p *prober) listen(rep *Report) error {
	if p.opts.Say != "" {
		if err := p.send(protocol.ChatMessage{Text: p.opts.Say}); err != nil {
			return err
		}
	}
	if p.opts.Wait <= 0 {
		return nil
	}

	var pingSent time.Time
	const pingData = 0x5a5a
	if p.layout.TwoWayPing {
		pingSent = time.Now()
		if err := p.send(protocol.TwoWayPing{Direction: protocol.PingFromClient, Data: pingData}); err != nil {
			return err
		}
	}

	until := time.Now().Add(p.opts.Wait)
	for {
		pkt, err := p.next(until)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if ping, ok := pkt.(protocol.TwoWayPing); ok && ping.Direction == protocol.PingFromClient && ping.Data == pingData && !pingSent.IsZero() {
			rep.RTT = time.Since(pingSent)
			pingSent = time.Time{}
			continue
		}
		if err := p.handleCommon(rep, pkt); err != nil {
			return err
		}
	}
}

// levelVolume распаковывает поток уровня и проверяет префикс объёма
func levelVolume(stream io.Reader) (int, error) {
	r, err := gzip.NewReader(stream)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if len(raw) < 4 {
		return 0, fmt.Errorf("stream too short: %d bytes", len(raw))
	}
	volume := int(binary.BigEndian.Uint32(raw))
	if volume != len(raw)-4 {
		return 0, fmt.Errorf("volume prefix %d does not match %d blocks", volume, len(raw)-4)
	}
	return volume, nil
}
