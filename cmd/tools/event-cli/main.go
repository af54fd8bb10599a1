package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/annel0/classic-server/internal/eventbus"
)

const (
	defaultNATSURL = "nats://127.0.0.1:4222"
	timeFormat     = "2006-01-02T15:04:05Z"
	idleTimeout    = 2 * time.Second
)

func main() {
	var (
		natsURL    = flag.String("url", defaultNATSURL, "NATS server URL")
		stream     = flag.String("stream", "CLASSIC", "JetStream stream name")
		command    = flag.String("cmd", "tail", "Command: tail, stats")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		players    = flag.String("players", "", "Usernames filter (comma-separated)")
		worldName  = flag.String("world", "", "World filter")
		since      = flag.String("since", "1h", "Time since now (e.g. 1h, 30m) or RFC3339 time")
		limit      = flag.Int("limit", 100, "Maximum number of events without -follow")
		follow     = flag.Bool("follow", false, "Follow new events (like tail -f)")
		raw        = flag.Bool("raw", false, "Print envelopes as JSON lines")
	)
	flag.Parse()

	nc, err := nats.Connect(*natsURL, nats.Name("classic-event-cli"))
	if err != nil {
		log.Fatalf("❌ Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		log.Fatalf("❌ JetStream unavailable: %v", err)
	}

	switch *command {
	case "tail":
		start, err := parseSinceTime(*since, time.Now())
		if err != nil {
			log.Fatalf("❌ Invalid -since: %v", err)
		}
		err = tailEvents(js, &TailOptions{
			Stream:     *stream,
			EventTypes: parseStringList(*eventTypes),
			Players:    parseStringList(*players),
			World:      *worldName,
			Since:      start,
			Limit:      *limit,
			Follow:     *follow,
			Raw:        *raw,
		})
		if err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}

	case "stats":
		if err := showStats(js, *stream); err != nil {
			log.Fatalf("❌ Stats failed: %v", err)
		}

	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats")
		os.Exit(1)
	}
}

// TailOptions параметры команды tail
type TailOptions struct {
	Stream     string
	EventTypes []string
	Players    []string
	World      string
	Since      time.Time
	Limit      int
	Follow     bool
	Raw        bool
}

// subjectFor возвращает subject потребителя: один тип или все события
func subjectFor(types []string) string {
	if len(types) == 1 {
		return eventbus.Subject(types[0])
	}
	return eventbus.SubjectPrefix + ".*"
}

// tailEvents читает события из стрима начиная с opts.Since
func tailEvents(js nats.JetStreamContext, opts *TailOptions) error {
	fmt.Printf("🎬 Tailing %s since %s (limit: %d, follow: %v)\n",
		opts.Stream, opts.Since.UTC().Format(timeFormat), opts.Limit, opts.Follow)

	msgs := make(chan *nats.Msg, 256)
	sub, err := js.ChanSubscribe(subjectFor(opts.EventTypes), msgs,
		nats.BindStream(opts.Stream),
		nats.OrderedConsumer(),
		nats.StartTime(opts.Since),
	)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	eventCount := 0
	for {
		var msg *nats.Msg
		if opts.Follow {
			msg = <-msgs
		} else {
			select {
			case msg = <-msgs:
			case <-time.After(idleTimeout):
				// догнали конец стрима
				fmt.Printf("\n📊 Total events: %d\n", eventCount)
				return nil
			}
		}

		var ev eventbus.Envelope
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			fmt.Printf("⚠️  Undecodable message on %s: %v\n", msg.Subject, err)
			continue
		}
		if !matches(&ev, opts) {
			continue
		}

		if opts.Raw {
			fmt.Println(string(msg.Data))
		} else {
			printEvent(&ev)
		}
		eventCount++

		if !opts.Follow && eventCount >= opts.Limit {
			fmt.Printf("\n📊 Total events: %d\n", eventCount)
			return nil
		}
	}
}

// matches применяет фильтры, которые нельзя выразить subject'ом
func matches(ev *eventbus.Envelope, opts *TailOptions) bool {
	if len(opts.EventTypes) > 1 && !contains(opts.EventTypes, ev.EventType) {
		return false
	}
	if opts.World != "" && ev.World != opts.World {
		return false
	}
	if len(opts.Players) > 0 {
		var who struct {
			Username string `json:"username"`
			Target   string `json:"target"`
		}
		_ = ev.Decode(&who)
		if !containsFold(opts.Players, who.Username) && !containsFold(opts.Players, who.Target) {
			return false
		}
	}
	return true
}

// showStats выводит число сообщений по типам событий
func showStats(js nats.JetStreamContext, stream string) error {
	info, err := js.StreamInfo(stream, &nats.StreamInfoRequest{SubjectsFilter: eventbus.SubjectPrefix + ".*"})
	if errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream %s does not exist yet", stream)
	}
	if err != nil {
		return fmt.Errorf("stream info: %w", err)
	}

	state := info.State
	fmt.Println("📊 Event statistics")
	fmt.Printf("Stream: %s (max age %s)\n", info.Config.Name, info.Config.MaxAge)
	fmt.Printf("Period: %s - %s\n", state.FirstTime.UTC().Format(timeFormat), state.LastTime.UTC().Format(timeFormat))
	fmt.Printf("Total events: %d (%d bytes)\n", state.Msgs, state.Bytes)

	subjects := make([]string, 0, len(state.Subjects))
	for subject := range state.Subjects {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	fmt.Println("\nBy event type:")
	for _, subject := range subjects {
		fmt.Printf("  %s: %d events\n", strings.TrimPrefix(subject, eventbus.SubjectPrefix+"."), state.Subjects[subject])
	}
	return nil
}

// printEvent выводит событие в читаемом формате
func printEvent(ev *eventbus.Envelope) {
	fmt.Printf("[%s] %s [%s] %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Source, ev.EventType, ev.ID)
	if detail := describe(ev); detail != "" {
		fmt.Printf("  %s\n", detail)
	}
}

// describe возвращает строку деталей для известных типов событий
func describe(ev *eventbus.Envelope) string {
	switch ev.EventType {
	case eventbus.TypePlayerJoined, eventbus.TypePlayerLeft:
		var p eventbus.PlayerEvent
		if ev.Decode(&p) == nil {
			return fmt.Sprintf("Player: %s World: %s", p.Username, ev.World)
		}
	case eventbus.TypeChat:
		var c eventbus.ChatEvent
		if ev.Decode(&c) == nil {
			return fmt.Sprintf("<%s> %s", c.Username, c.Message)
		}
	case eventbus.TypeBlockChanged:
		var b eventbus.BlockEvent
		if ev.Decode(&b) == nil {
			return fmt.Sprintf("Block %d at (%d,%d,%d) World: %s Player: %s", b.Block, b.X, b.Y, b.Z, ev.World, b.Username)
		}
	case eventbus.TypeCommand:
		var c eventbus.CommandEvent
		if ev.Decode(&c) == nil {
			line := fmt.Sprintf("%s: /%s %s", c.Username, c.Command, c.Args)
			if c.Error != "" {
				line += " (error: " + c.Error + ")"
			}
			return line
		}
	case eventbus.TypeWorldSaved:
		var w eventbus.WorldEvent
		if ev.Decode(&w) == nil {
			if w.Error != "" {
				return fmt.Sprintf("World: %s failed: %s", ev.World, w.Error)
			}
			return fmt.Sprintf("World: %s saved in %s", ev.World, w.Duration)
		}
	case eventbus.TypePlayerModerated:
		var m eventbus.ModerationEvent
		if ev.Decode(&m) == nil {
			return fmt.Sprintf("%s %s by %s %s", m.Action, m.Target, m.By, m.Reason)
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseSinceTime парсит относительное время типа "1h", "30m" или абсолютное RFC3339
func parseSinceTime(since string, from time.Time) (time.Time, error) {
	if since == "" {
		return from, nil
	}

	duration, err := time.ParseDuration(since)
	if err != nil {
		return time.Parse(time.RFC3339, since)
	}

	return from.Add(-duration), nil
}
