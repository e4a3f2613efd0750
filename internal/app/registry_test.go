package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/core/coretest"
)

func TestRegistryRoomBinding(t *testing.T) {
	reg := NewRegistry()
	reg.BindSignal("s1", &coretest.Notifier{}, nil)
	reg.BindSignal("s2", &coretest.Notifier{}, nil)

	assert.True(t, reg.BindRoom("s1", "alpha"))
	assert.False(t, reg.BindRoom("s1", "beta"), "already in a room")
	assert.False(t, reg.BindRoom("missing", "alpha"))
	assert.True(t, reg.BindRoom("s2", "alpha"))

	room, ok := reg.RoomOf("s1")
	assert.True(t, ok)
	assert.Equal(t, "alpha", string(room))
	assert.ElementsMatch(t, []core.SessionID{"s1", "s2"}, reg.MembersOfRoom("alpha"))

	prev, ok := reg.RemoveRoom("s1")
	assert.True(t, ok)
	assert.Equal(t, "alpha", string(prev))
	_, ok = reg.RemoveRoom("s1")
	assert.False(t, ok)
	_, ok = reg.RoomOf("s1")
	assert.False(t, ok)

	reg.Unbind("s2")
	_, ok = reg.Notifier("s2")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryCancel(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	reg.BindSignal("s1", &coretest.Notifier{}, cancel)

	assert.True(t, reg.Cancel("s1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, reg.Cancel("nope"))
}
