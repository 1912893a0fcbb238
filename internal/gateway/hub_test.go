package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"pingup_core/internal/message"
	"pingup_core/internal/presence"
	"pingup_core/internal/store"
	"pingup_core/internal/typing"
)

func Test_Register_Unregister_Drives_Presence(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	defer st.Close()
	tracker := presence.NewTracker(st)
	signal := typing.NewSignal(st, time.Second)
	defer signal.Close()

	hub := NewHub(st, tracker, signal, message.NewStore(st), nil)
	go hub.Run(ctx)

	client := NewClient(hub, nil, "alice", uuid.New())
	hub.Register <- client

	req.Eventually(func() bool {
		rec, err := tracker.Presence(ctx, "alice")
		return err == nil && rec.Online
	}, time.Second, 5*time.Millisecond)

	// Unregistering stands in for any connection end, including a read
	// error on a severed socket.
	hub.Unregister <- client

	req.Eventually(func() bool {
		rec, err := tracker.Presence(ctx, "alice")
		return err == nil && !rec.Online && rec.LastSeen != 0
	}, time.Second, 5*time.Millisecond)
}

func Test_Stuck_Typing_Flag_Clears_On_Unregister(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	defer st.Close()
	signal := typing.NewSignal(st, time.Minute)
	defer signal.Close()

	hub := NewHub(st, presence.NewTracker(st), signal, message.NewStore(st), nil)
	go hub.Run(ctx)

	client := NewClient(hub, nil, "bob", uuid.New())
	hub.Register <- client

	req.Eventually(func() bool { return clientRegistered(hub, "bob") }, time.Second, 5*time.Millisecond)

	// A typing frame arms the fallback before raising the flag.
	client.handle(ctx, frame{Type: "typing", ChatID: "alice_bob"})

	v, err := st.Get(ctx, store.ChatTyping("alice_bob", "bob"))
	req.NoError(err)
	req.JSONEq(`true`, string(v))

	hub.Unregister <- client

	req.Eventually(func() bool {
		v, err := st.Get(ctx, store.ChatTyping("alice_bob", "bob"))
		return err == nil && string(v) == "false"
	}, time.Second, 5*time.Millisecond)
}

func Test_Frame_Before_Registration_Completes(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	defer st.Close()
	signal := typing.NewSignal(st, time.Minute)
	defer signal.Close()

	hub := NewHub(st, presence.NewTracker(st), signal, message.NewStore(st), nil)

	// The hub loop is not running: the registration has been sent but not
	// processed, which is exactly the window ReadPump can race into.
	client := NewClient(hub, nil, "carol", uuid.New())
	client.handle(ctx, frame{Type: "typing", ChatID: "alice_carol"})

	v, err := st.Get(ctx, store.ChatTyping("alice_carol", "carol"))
	req.NoError(err)
	req.JSONEq(`true`, string(v))

	// The session opened at construction carries the armed fallback.
	req.NoError(client.session.Close())
	v, err = st.Get(ctx, store.ChatTyping("alice_carol", "carol"))
	req.NoError(err)
	req.JSONEq(`false`, string(v))
}

func clientRegistered(hub *Hub, uid string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients[uid]) > 0
}
