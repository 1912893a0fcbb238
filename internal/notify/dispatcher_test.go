package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pingup_core/internal/chatid"
	"pingup_core/internal/domain"
	"pingup_core/internal/message"
	"pingup_core/internal/store"
)

type fakeDirectory struct {
	users  map[string]*domain.User
	tokens map[string][]domain.NotificationToken
}

func (d *fakeDirectory) User(_ context.Context, uid string) (*domain.User, error) {
	u, ok := d.users[uid]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func (d *fakeDirectory) Tokens(_ context.Context, uid string) ([]domain.NotificationToken, error) {
	return d.tokens[uid], nil
}

type fakeBackend struct {
	platform domain.Platform
	failOn   map[string]error
	delay    time.Duration

	mu        sync.Mutex
	delivered []*Notification
	tokens    []string
}

func (b *fakeBackend) Platform() domain.Platform { return b.platform }

func (b *fakeBackend) Deliver(ctx context.Context, token domain.NotificationToken, n *Notification) error {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err, ok := b.failOn[token.Token]; ok {
		return err
	}
	b.mu.Lock()
	b.delivered = append(b.delivered, n)
	b.tokens = append(b.tokens, token.Token)
	b.mu.Unlock()
	return nil
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{
		users: map[string]*domain.User{
			"alice": {UID: "alice", Name: "Alice", Username: "alice"},
			"bob":   {UID: "bob", Name: "Bob", Username: "bob"},
		},
		tokens: map[string][]domain.NotificationToken{},
	}
}

func testMessage(t *testing.T, sender string) *domain.Message {
	t.Helper()
	id, err := chatid.Identify("alice", "bob")
	require.NoError(t, err)
	return &domain.Message{
		ID:        "m1",
		ChatID:    id,
		SenderID:  sender,
		Payload:   domain.TextPayload("hi"),
		Timestamp: 1000,
	}
}

func Test_Dispatch_With_No_Tokens_Is_A_Silent_NoOp(t *testing.T) {
	req := require.New(t)
	dir := testDirectory()
	dispatcher := NewDispatcher(dir, nil, time.Second)

	report, err := dispatcher.Dispatch(context.Background(), testMessage(t, "alice"))
	req.NoError(err)
	req.Zero(report.Successful)
	req.Zero(report.Failed)
	req.Empty(report.Results)
}

func Test_Dispatch_Isolates_Endpoint_Failures(t *testing.T) {
	req := require.New(t)
	dir := testDirectory()
	dir.tokens["bob"] = []domain.NotificationToken{
		{UID: "bob", Token: "t1", Platform: domain.PlatformExpo},
		{UID: "bob", Token: "t2", Platform: domain.PlatformExpo},
		{UID: "bob", Token: "t3", Platform: domain.PlatformExpo},
	}
	backend := &fakeBackend{
		platform: domain.PlatformExpo,
		failOn:   map[string]error{"t2": errors.New("endpoint unreachable")},
	}
	dispatcher := NewDispatcher(dir, []Backend{backend}, time.Second)

	report, err := dispatcher.Dispatch(context.Background(), testMessage(t, "alice"))
	req.NoError(err)
	req.Equal(2, report.Successful)
	req.Equal(1, report.Failed)
	req.ElementsMatch([]string{"t1", "t3"}, backend.tokens)

	var failed DeliveryResult
	for _, res := range report.Results {
		if !res.Delivered {
			failed = res
		}
	}
	req.Equal("t2", failed.Token)
	req.Contains(failed.Reason, "endpoint unreachable")
}

func Test_Dispatch_Composes_From_Sender_And_Payload(t *testing.T) {
	req := require.New(t)
	dir := testDirectory()
	dir.tokens["bob"] = []domain.NotificationToken{
		{UID: "bob", Token: "t1", Platform: domain.PlatformFCM},
		{UID: "bob", Token: "t2", Platform: domain.PlatformFCM},
	}
	backend := &fakeBackend{platform: domain.PlatformFCM}
	dispatcher := NewDispatcher(dir, []Backend{backend}, time.Second)

	report, err := dispatcher.Dispatch(context.Background(), testMessage(t, "alice"))
	req.NoError(err)
	req.Equal(2, report.Successful)
	req.Zero(report.Failed)

	n := backend.delivered[0]
	req.Equal("Alice", n.Title)
	req.Equal("hi", n.Body)
	req.Equal(map[string]string{
		"chatId":    "alice_bob",
		"senderId":  "alice",
		"messageId": "m1",
	}, n.Data())
}

func Test_Dispatch_Placeholder_Bodies(t *testing.T) {
	req := require.New(t)
	dir := testDirectory()
	dir.tokens["bob"] = []domain.NotificationToken{{UID: "bob", Token: "t1", Platform: domain.PlatformExpo}}
	backend := &fakeBackend{platform: domain.PlatformExpo}
	dispatcher := NewDispatcher(dir, []Backend{backend}, time.Second)

	msg := testMessage(t, "alice")
	msg.Payload = domain.ImagePayload("http://blob/cat.png")
	_, err := dispatcher.Dispatch(context.Background(), msg)
	req.NoError(err)

	msg.Payload = domain.VoicePayload("http://blob/note.webm")
	_, err = dispatcher.Dispatch(context.Background(), msg)
	req.NoError(err)

	req.Equal("[Image]", backend.delivered[0].Body)
	req.Equal("[Voice Message]", backend.delivered[1].Body)
}

func Test_Dispatch_Fails_Closed_On_Bad_Identity(t *testing.T) {
	req := require.New(t)
	dispatcher := NewDispatcher(testDirectory(), nil, time.Second)

	// Self-chat: the resolved recipient equals the sender.
	report, err := dispatcher.Dispatch(context.Background(), &domain.Message{
		ChatID:   "alice_alice",
		SenderID: "alice",
		Payload:  domain.TextPayload("hi"),
	})
	req.ErrorIs(err, chatid.ErrInvalidIdentity)
	req.Nil(report)

	// Sender not a participant.
	report, err = dispatcher.Dispatch(context.Background(), &domain.Message{
		ChatID:   "alice_bob",
		SenderID: "mallory",
		Payload:  domain.TextPayload("hi"),
	})
	req.ErrorIs(err, chatid.ErrInvalidIdentity)
	req.Nil(report)
}

func Test_Dispatch_Aborts_On_Missing_User(t *testing.T) {
	req := require.New(t)
	dir := testDirectory()
	delete(dir.users, "bob")
	dispatcher := NewDispatcher(dir, nil, time.Second)

	_, err := dispatcher.Dispatch(context.Background(), testMessage(t, "alice"))
	req.Error(err)
}

func Test_Dispatch_Counts_Unrouted_Platforms_As_Failed(t *testing.T) {
	req := require.New(t)
	dir := testDirectory()
	dir.tokens["bob"] = []domain.NotificationToken{
		{UID: "bob", Token: "t1", Platform: domain.PlatformExpo},
		{UID: "bob", Token: "t2", Platform: domain.PlatformFCM},
	}
	dispatcher := NewDispatcher(dir, []Backend{&fakeBackend{platform: domain.PlatformExpo}}, time.Second)

	report, err := dispatcher.Dispatch(context.Background(), testMessage(t, "alice"))
	req.NoError(err)
	req.Equal(1, report.Successful)
	req.Equal(1, report.Failed)
}

func Test_Dispatch_Times_Out_Slow_Backends(t *testing.T) {
	req := require.New(t)
	dir := testDirectory()
	dir.tokens["bob"] = []domain.NotificationToken{{UID: "bob", Token: "t1", Platform: domain.PlatformExpo}}
	backend := &fakeBackend{platform: domain.PlatformExpo, delay: time.Second}
	dispatcher := NewDispatcher(dir, []Backend{backend}, 20*time.Millisecond)

	report, err := dispatcher.Dispatch(context.Background(), testMessage(t, "alice"))
	req.NoError(err)
	req.Equal(1, report.Failed)
	req.Contains(report.Results[0].Reason, "timeout")
}

func Test_Append_Triggers_Dispatch_End_To_End(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	defer st.Close()

	dir := testDirectory()
	dir.tokens["bob"] = []domain.NotificationToken{
		{UID: "bob", Token: "t1", Platform: domain.PlatformExpo},
		{UID: "bob", Token: "t2", Platform: domain.PlatformExpo},
	}
	backend := &fakeBackend{platform: domain.PlatformExpo}
	dispatcher := NewDispatcher(dir, []Backend{backend}, time.Second)
	go dispatcher.Start(ctx, st)

	msgStore := message.NewStore(st)
	chatID, err := msgStore.EnsureChat(ctx, "alice", "bob")
	req.NoError(err)
	sent, err := msgStore.Append(ctx, chatID, "alice", domain.TextPayload("hi"))
	req.NoError(err)

	req.Eventually(func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.delivered) == 2
	}, time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	req.Equal("Alice", backend.delivered[0].Title)
	req.Equal("hi", backend.delivered[0].Body)
	req.Equal(sent.ID, backend.delivered[0].MessageID)
	req.ElementsMatch([]string{"t1", "t2"}, backend.tokens)
}
