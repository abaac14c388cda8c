package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_BeforeInitializeIsNop(t *testing.T) {
	l := Get(CategorySwarm)
	require.NotNil(t, l)
	// Must not panic.
	l.Info("discarded")
}

func TestInitializeAndGet(t *testing.T) {
	require.NoError(t, Initialize(true))
	defer Sync()

	a := Get(CategorySwarm)
	b := Get(CategorySwarm)
	assert.Same(t, a, b)

	c := Get(CategoryStore)
	assert.NotSame(t, a, c)
}

func TestConvenienceGetters(t *testing.T) {
	require.NoError(t, Initialize(false))
	assert.NotNil(t, Boot())
	assert.NotNil(t, Server())
	assert.NotNil(t, Swarm())
	assert.NotNil(t, Upstream())
	assert.NotNil(t, Store())
}
