package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Set_Get_Delete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	path := UserPresence("alice")
	req.NoError(st.Set(ctx, path, json.RawMessage(`true`)))

	v, err := st.Get(ctx, path)
	req.NoError(err)
	req.JSONEq(`true`, string(v))

	req.NoError(st.Delete(ctx, path))
	_, err = st.Get(ctx, path)
	req.ErrorIs(err, ErrNotFound)
}

func Test_Update_Is_Atomic_And_Nil_Deletes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	req.NoError(st.Set(ctx, UserChat("alice", "a_b"), json.RawMessage(`true`)))
	req.NoError(st.Update(ctx, map[Path]json.RawMessage{
		UserChat("alice", "a_b"): nil,
		UserChat("bob", "a_b"):   json.RawMessage(`true`),
	}))

	_, err := st.Get(ctx, UserChat("alice", "a_b"))
	req.ErrorIs(err, ErrNotFound)
	_, err = st.Get(ctx, UserChat("bob", "a_b"))
	req.NoError(err)
}

func Test_List_Returns_Ascending_Path_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	req.NoError(st.Set(ctx, ChatMessage("a_b", "0000000002"), json.RawMessage(`2`)))
	req.NoError(st.Set(ctx, ChatMessage("a_b", "0000000001"), json.RawMessage(`1`)))
	req.NoError(st.Set(ctx, ChatMessage("x_y", "0000000001"), json.RawMessage(`9`)))

	entries, err := st.List(ctx, ChatMessages("a_b"))
	req.NoError(err)
	req.Len(entries, 2)
	req.Equal(ChatMessage("a_b", "0000000001"), entries[0].Path)
	req.Equal(ChatMessage("a_b", "0000000002"), entries[1].Path)
}

func Test_Subscribe_Delivers_In_Commit_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})
	unsub := st.Subscribe(ChatMessages("a_b"), func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	defer unsub()

	req.NoError(st.Set(ctx, ChatMessage("a_b", "m1"), json.RawMessage(`1`)))
	req.NoError(st.Set(ctx, ChatMessage("a_b", "m2"), json.RawMessage(`2`)))
	req.NoError(st.Set(ctx, ChatMessage("a_b", "m1"), json.RawMessage(`3`)))
	// A change outside the prefix must not reach this subscriber.
	req.NoError(st.Set(ctx, UserPresence("alice"), json.RawMessage(`true`)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	req.Len(got, 3)
	req.True(got[0].Created)
	req.True(got[1].Created)
	req.False(got[2].Created)
	req.Equal(ChatMessage("a_b", "m1"), got[0].Path)
	req.Equal(ChatMessage("a_b", "m2"), got[1].Path)
	req.Equal(ChatMessage("a_b", "m1"), got[2].Path)
}

func Test_Session_Commits_Fallback_Writes_Once(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	severance := time.UnixMilli(1_700_000_000_000)
	st := NewMemory().WithClock(func() time.Time { return severance })
	defer st.Close()

	sess := st.Connect("alice:web")
	sess.OnDisconnectSet(UserPresence("alice"), json.RawMessage(`false`))
	sess.OnDisconnectSet(UserLastSeen("alice"), ServerTimestamp)

	req.NoError(st.Set(ctx, UserPresence("alice"), json.RawMessage(`true`)))

	// Simulated severed connection: no graceful writes, just the close.
	req.NoError(sess.Close())

	v, err := st.Get(ctx, UserPresence("alice"))
	req.NoError(err)
	req.JSONEq(`false`, string(v))

	v, err = st.Get(ctx, UserLastSeen("alice"))
	req.NoError(err)
	req.Equal("1700000000000", string(v))

	// A second close must not rewrite anything.
	req.NoError(st.Set(ctx, UserPresence("alice"), json.RawMessage(`true`)))
	req.NoError(sess.Close())
	v, err = st.Get(ctx, UserPresence("alice"))
	req.NoError(err)
	req.JSONEq(`true`, string(v))
}
