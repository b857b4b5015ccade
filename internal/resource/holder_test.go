package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHolderState_Flags(t *testing.T) {
	h := NewResourceHolder(&fakeHandle{id: 1})

	require.False(t, h.SynchronizedWithTransaction())
	require.False(t, h.RollbackOnly())
	require.False(t, h.Completed())

	h.SetSynchronizedWithTransaction(true)
	h.SetRollbackOnly()
	h.SetTimeout(time.Minute)
	deadline, ok := h.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)

	h.MarkCompleted()
	h.Reset()

	require.False(t, h.SynchronizedWithTransaction())
	require.False(t, h.RollbackOnly())
	_, ok = h.Deadline()
	require.False(t, ok)
	require.True(t, h.Completed(), "reset must not clear completion")
}

func TestResourceHolder_Holds(t *testing.T) {
	a, b := &fakeHandle{id: 1}, &fakeHandle{id: 1}
	h := NewResourceHolder(a)

	require.True(t, h.Holds(a))
	require.False(t, h.Holds(b), "identity, not equality")
}

func TestKey(t *testing.T) {
	k := NewKey("index", "/var/idx")
	require.Equal(t, "index", k.Kind())
	require.Equal(t, "/var/idx", k.Name())
	require.Equal(t, "index:/var/idx", k.String())
	require.False(t, k.IsZero())
	require.True(t, Key{}.IsZero())
	require.Equal(t, k, NewKey("index", "/var/idx"))
}
