package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelator(t *testing.T) {
	c := NewCorrelator()
	t1 := &ToolUsage{ID: "t1", Name: "Bash"}
	t2 := &ToolUsage{ID: "t2", Name: "Read"}

	require.True(t, c.Track(t1))
	require.True(t, c.Track(t2))
	assert.False(t, c.Track(&ToolUsage{ID: "t1"}), "identifier already awaiting a result")
	assert.Equal(t, 2, c.Pending())

	assert.True(t, c.Resolve("t1", "done", true))
	require.NotNil(t, t1.Result)
	assert.Equal(t, "done", *t1.Result)
	assert.True(t, t1.IsError)

	assert.False(t, c.Resolve("t1", "again", false), "resolved identifiers are retired")
	assert.Equal(t, "done", *t1.Result)

	assert.False(t, c.Resolve("t9", "orphan", false))
	assert.Equal(t, 1, c.Pending())
	assert.True(t, t2.Pending())
}
