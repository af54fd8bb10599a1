package cpe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate_IntersectionMinVersion(t *testing.T) {
	server := []Extension{{"A", 2}, {"B", 1}}
	client := []Extension{{"A", 1}, {"B", 1}, {"C", 3}}

	caps := Negotiate(server, client)

	assert.Equal(t, []Extension{{"A", 1}, {"B", 1}}, caps.Extensions())
	assert.True(t, caps.Has("A"))
	assert.False(t, caps.Has("C"), "расширение только клиента не согласуется")
	assert.Equal(t, int32(1), caps.Version("A"))
	assert.Equal(t, "A:1,B:1", caps.String())
}

func TestNegotiate_EmptyClient(t *testing.T) {
	caps := Negotiate(ServerExtensions(), nil)
	assert.Equal(t, 0, caps.Len())
	assert.True(t, caps.Equal(Empty()))
	assert.Equal(t, "none", caps.String())
}

func TestNegotiate_ServerVersionLower(t *testing.T) {
	caps := Negotiate([]Extension{{"A", 1}}, []Extension{{"A", 5}})
	assert.Equal(t, int32(1), caps.Version("A"), "версия не может превышать серверную")

	caps = Negotiate([]Extension{{"A", 1}}, []Extension{{"A", 0}})
	assert.False(t, caps.Has("A"), "нулевая версия означает отсутствие поддержки")
}

func TestNegotiator_Flow(t *testing.T) {
	n := NewNegotiator(ServerExtensions())
	assert.Len(t, n.Offer(), 7)

	_, err := n.Result()
	assert.ErrorIs(t, err, ErrIncomplete)

	_, err = n.HandleEntry(Extension{FullCP437, 1})
	assert.ErrorIs(t, err, ErrUnexpectedEntry, "запись до ExtInfo недопустима")

	done, err := n.HandleInfo("TestClient", 2)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = n.HandleEntry(Extension{FullCP437, 1})
	require.NoError(t, err)
	assert.False(t, done)

	done, err = n.HandleEntry(Extension{"UnknownExt", 4})
	require.NoError(t, err)
	assert.True(t, done)

	_, err = n.HandleEntry(Extension{EmoteFix, 1})
	assert.ErrorIs(t, err, ErrUnexpectedEntry, "лишняя запись после завершения")

	caps, err := n.Result()
	require.NoError(t, err)
	assert.Equal(t, []Extension{{FullCP437, 1}}, caps.Extensions())
	assert.Equal(t, "TestClient", n.ClientName())
}

func TestNegotiator_ZeroEntries(t *testing.T) {
	n := NewNegotiator(ServerExtensions())
	done, err := n.HandleInfo("Vanilla", 0)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = n.HandleInfo("Vanilla", 0)
	assert.ErrorIs(t, err, ErrUnexpectedInfo)

	caps, err := n.Result()
	require.NoError(t, err)
	assert.Equal(t, 0, caps.Len())
}

func TestNegotiator_Abort(t *testing.T) {
	n := NewNegotiator(ServerExtensions())
	_, _ = n.HandleInfo("Client", 3)
	_, _ = n.HandleEntry(Extension{HeldBlock, 1})
	n.Abort()

	caps, err := n.Result()
	require.NoError(t, err)
	assert.Equal(t, 0, caps.Len(), "прерванное согласование даёт базовый протокол")
}

func TestNegotiator_CustomBlocksLevel(t *testing.T) {
	n := NewNegotiator(ServerExtensions())
	_, err := n.HandleInfo("Client", 2)
	require.NoError(t, err)
	_, _ = n.HandleEntry(Extension{CustomBlocks, 1})
	done, err := n.HandleEntry(Extension{HeldBlock, 1})
	require.NoError(t, err)
	assert.False(t, done, "после CustomBlocks ожидается уровень поддержки")
	assert.True(t, n.AwaitingBlockLevel())

	require.NoError(t, n.HandleBlockLevel(1))
	assert.True(t, n.Done())
	assert.ErrorIs(t, n.HandleBlockLevel(1), ErrUnexpectedLevel)

	caps, err := n.Result()
	require.NoError(t, err)
	assert.True(t, caps.Has(CustomBlocks))
	assert.Equal(t, uint8(1), n.BlockLevel())
}

func TestNegotiator_CustomBlocksLevelZero(t *testing.T) {
	n := NewNegotiator(ServerExtensions())
	_, _ = n.HandleInfo("Client", 1)
	_, _ = n.HandleEntry(Extension{CustomBlocks, 1})
	require.NoError(t, n.HandleBlockLevel(0))

	caps, err := n.Result()
	require.NoError(t, err)
	assert.False(t, caps.Has(CustomBlocks), "уровень 0 отключает CustomBlocks")
}
