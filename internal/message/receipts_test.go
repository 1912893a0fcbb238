package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pingup_core/internal/domain"
)

func Test_IsReadByAll(t *testing.T) {
	req := require.New(t)
	participants := []string{"alice", "bob"}

	msg := &domain.Message{SenderID: "alice"}
	req.False(IsReadByAll(msg, participants))

	msg.ReadBy = map[string]int64{"bob": 1000}
	req.True(IsReadByAll(msg, participants))

	// The sender never needs to ack their own message.
	req.True(IsReadByAll(&domain.Message{
		SenderID: "alice",
		ReadBy:   map[string]int64{"bob": 1},
	}, participants))

	// Any missing non-sender participant means not fully read.
	req.False(IsReadByAll(&domain.Message{
		SenderID: "alice",
		ReadBy:   map[string]int64{"alice": 1},
	}, participants))
}

func Test_WatchReads_Observes_Landing_Receipts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	msgStore, _ := newTestStore(t)

	msg, err := msgStore.Append(ctx, "alice_bob", "alice", domain.TextPayload("hi"))
	req.NoError(err)

	receipts := make(chan ReadReceipt, 4)
	unsub := msgStore.WatchReads("alice_bob", func(r ReadReceipt) { receipts <- r })
	defer unsub()

	req.NoError(msgStore.MarkRead(ctx, "alice_bob", msg.ID, "bob", 4242))

	select {
	case r := <-receipts:
		req.Equal(msg.ID, r.MessageID)
		req.Equal("bob", r.UID)
		req.Equal(int64(4242), r.At)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for receipt")
	}
}
