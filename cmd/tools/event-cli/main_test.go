package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/classic-server/internal/eventbus"
)

func envelope(t *testing.T, eventType, world string, payload interface{}) *eventbus.Envelope {
	t.Helper()
	ev, err := eventbus.NewEnvelope("test", eventType, world, payload)
	require.NoError(t, err)
	return ev
}

func TestParseStringList(t *testing.T) {
	assert.Nil(t, parseStringList(""))
	assert.Equal(t, []string{"Chat", "PlayerJoined"}, parseStringList(" Chat, ,PlayerJoined "))
}

func TestParseSinceTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSinceTime("30m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), got)

	got, err = parseSinceTime("2024-04-30T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC), got.UTC())

	got, err = parseSinceTime("", now)
	require.NoError(t, err)
	assert.Equal(t, now, got)

	_, err = parseSinceTime("yesterday", now)
	assert.Error(t, err)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, eventbus.Subject(eventbus.TypeChat), subjectFor([]string{eventbus.TypeChat}))
	assert.Equal(t, eventbus.SubjectPrefix+".*", subjectFor(nil))
	assert.Equal(t, eventbus.SubjectPrefix+".*", subjectFor([]string{eventbus.TypeChat, eventbus.TypeCommand}))
}

func TestMatches(t *testing.T) {
	chat := envelope(t, eventbus.TypeChat, "main", eventbus.ChatEvent{Username: "Alice", Message: "hi"})
	mod := envelope(t, eventbus.TypePlayerModerated, "", eventbus.ModerationEvent{Action: "kick", Target: "bob", By: "alice"})

	assert.True(t, matches(chat, &TailOptions{}))
	assert.True(t, matches(chat, &TailOptions{World: "main", Players: []string{"alice"}}))
	assert.False(t, matches(chat, &TailOptions{World: "other"}))
	assert.False(t, matches(chat, &TailOptions{Players: []string{"bob"}}))
	assert.False(t, matches(chat, &TailOptions{EventTypes: []string{eventbus.TypeCommand, eventbus.TypeBlockChanged}}))

	assert.True(t, matches(mod, &TailOptions{Players: []string{"BOB"}}))
	assert.True(t, matches(mod, &TailOptions{EventTypes: []string{eventbus.TypeChat, eventbus.TypePlayerModerated}}))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "<alice> hi",
		describe(envelope(t, eventbus.TypeChat, "main", eventbus.ChatEvent{Username: "alice", Message: "hi"})))
	assert.Equal(t, "Block 20 at (1,2,3) World: main Player: bob",
		describe(envelope(t, eventbus.TypeBlockChanged, "main", eventbus.BlockEvent{Username: "bob", X: 1, Y: 2, Z: 3, Block: 20})))
	assert.Equal(t, "alice: /w bob hi (error: User bob is not online)",
		describe(envelope(t, eventbus.TypeCommand, "", eventbus.CommandEvent{Username: "alice", Command: "w", Args: "bob hi", Error: "User bob is not online"})))
	assert.Equal(t, "World: main saved in 1.5s",
		describe(envelope(t, eventbus.TypeWorldSaved, "main", eventbus.WorldEvent{Duration: 1500 * time.Millisecond})))
	assert.Empty(t, describe(envelope(t, "Unknown", "", struct{}{})))
}
