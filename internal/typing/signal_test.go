package typing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pingup_core/internal/store"
)

// slowRaiseStore delays raising writes, letting the idle timer fire while
// the raise is still in flight.
type slowRaiseStore struct {
	store.Store
	delay time.Duration
}

func (s *slowRaiseStore) Set(ctx context.Context, p store.Path, v json.RawMessage) error {
	if string(v) == "true" {
		time.Sleep(s.delay)
	}
	return s.Store.Set(ctx, p, v)
}

func Test_Keystroke_Raises_Then_Idle_Clears(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := store.NewMemory()
	defer st.Close()

	signal := NewSignal(st, 30*time.Millisecond)
	defer signal.Close()

	flags := make(chan bool, 8)
	unsub := signal.Watch("a_b", "alice", func(typing bool) { flags <- typing })
	defer unsub()

	req.NoError(signal.Keystroke(ctx, "a_b", "alice"))
	req.True(waitFlag(t, flags))

	// No further keystrokes: the idle timer must lower the flag.
	req.False(waitFlag(t, flags))
}

func Test_Keystrokes_Extend_The_Idle_Window(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := store.NewMemory()
	defer st.Close()

	signal := NewSignal(st, 50*time.Millisecond)
	defer signal.Close()

	req.NoError(signal.Keystroke(ctx, "a_b", "alice"))
	time.Sleep(30 * time.Millisecond)
	req.NoError(signal.Keystroke(ctx, "a_b", "alice"))
	time.Sleep(30 * time.Millisecond)

	// 60ms elapsed but the window was extended at 30ms, so still typing.
	v, err := st.Get(ctx, store.ChatTyping("a_b", "alice"))
	req.NoError(err)
	req.JSONEq(`true`, string(v))

	time.Sleep(60 * time.Millisecond)
	v, err = st.Get(ctx, store.ChatTyping("a_b", "alice"))
	req.NoError(err)
	req.JSONEq(`false`, string(v))
}

func Test_Stop_Clears_Immediately(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := store.NewMemory()
	defer st.Close()

	signal := NewSignal(st, time.Minute)
	defer signal.Close()

	req.NoError(signal.Keystroke(ctx, "a_b", "bob"))
	req.NoError(signal.Stop(ctx, "a_b", "bob"))

	v, err := st.Get(ctx, store.ChatTyping("a_b", "bob"))
	req.NoError(err)
	req.JSONEq(`false`, string(v))
}

func Test_Disconnect_Fallback_Clears_Stuck_Flag(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := store.NewMemory()
	defer st.Close()

	signal := NewSignal(st, time.Minute)
	defer signal.Close()

	sess := st.Connect("bob:web")
	signal.Arm(sess, "a_b", "bob")
	req.NoError(signal.Keystroke(ctx, "a_b", "bob"))

	// Connection severed mid-keystroke.
	req.NoError(sess.Close())

	v, err := st.Get(ctx, store.ChatTyping("a_b", "bob"))
	req.NoError(err)
	req.JSONEq(`false`, string(v))
}

func Test_Slow_Raise_Still_Clears_On_Idle(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := store.NewMemory()
	defer st.Close()

	signal := NewSignal(&slowRaiseStore{Store: st, delay: 40 * time.Millisecond}, 10*time.Millisecond)
	defer signal.Close()

	// The raise outlives the idle window; the clear must still land after
	// it, never before, or the flag would stay stuck true.
	req.NoError(signal.Keystroke(ctx, "a_b", "alice"))

	req.Eventually(func() bool {
		v, err := st.Get(ctx, store.ChatTyping("a_b", "alice"))
		return err == nil && string(v) == "false"
	}, time.Second, 5*time.Millisecond)
}

func waitFlag(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typing flag")
		return false
	}
}
