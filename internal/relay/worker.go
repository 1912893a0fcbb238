// Package relay bridges store change events onto the broker so hubs and
// dispatchers on other nodes observe them: chat events go to the
// participants' queues, message creations additionally to the durable
// stream.
package relay

import (
	"context"
	"encoding/json"

	streamamqp "github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"pingup_core/internal/broker"
	"pingup_core/internal/chatid"
	"pingup_core/internal/domain"
	"pingup_core/internal/store"
)

type Worker struct {
	st         store.Store
	broker     *broker.Client
	streamName string
	log        *log.Entry

	producer *stream.Producer
}

// NewWorker wires the relay. streamName may be empty when no standalone
// dispatcher consumes the durable feed.
func NewWorker(st store.Store, br *broker.Client, streamName string) *Worker {
	return &Worker{
		st:         st,
		broker:     br,
		streamName: streamName,
		log:        log.WithField("component", "relay"),
	}
}

// Start subscribes to the chats subtree and blocks until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	if w.streamName != "" {
		if err := w.broker.DeclareStream(w.streamName); err != nil {
			return err
		}
		producer, err := w.broker.NewStreamProducer(w.streamName)
		if err != nil {
			return err
		}
		w.producer = producer
		defer producer.Close()
	}

	unsub := w.st.Subscribe(store.ChatRoot(), func(ev store.Event) { w.handle(ctx, ev) })
	defer unsub()

	w.log.Info("relay started")
	<-ctx.Done()
	return nil
}

func (w *Worker) handle(ctx context.Context, ev store.Event) {
	if chatID, _, ok := store.SplitChatMessage(ev.Path); ok && ev.Value != nil {
		w.handleMessage(ctx, chatID, ev)
		return
	}
	if chatID, msgID, kind, uid, ok := store.SplitMessageOverlay(ev.Path); ok && ev.Value != nil {
		w.handleOverlay(ctx, chatID, msgID, kind, uid, ev.Value)
		return
	}
	if chatID, uid, ok := store.SplitTyping(ev.Path); ok {
		w.handleTyping(ctx, chatID, uid, ev.Value)
	}
}

func (w *Worker) handleMessage(ctx context.Context, chatID string, ev store.Event) {
	eventType := domain.EventTypeMessageCreated
	if !ev.Created {
		var msg domain.Message
		if json.Unmarshal(ev.Value, &msg) != nil || !msg.Deleted {
			return // body rewrites other than tombstoning carry no event
		}
		eventType = domain.EventTypeMessageDeleted
	}

	w.fanOut(ctx, chatID, "", broker.Event{Type: eventType, Payload: ev.Value})

	if eventType == domain.EventTypeMessageCreated && w.producer != nil {
		body, err := json.Marshal(broker.Event{Type: eventType, Payload: ev.Value})
		if err != nil {
			return
		}
		if err := w.producer.Send(streamamqp.NewMessage(body)); err != nil {
			w.log.Warnf("failed to publish to stream: %s", err)
		}
	}
}

func (w *Worker) handleOverlay(ctx context.Context, chatID, msgID, kind, uid string, value json.RawMessage) {
	eventType := domain.EventTypeReactionSet
	if kind == "readBy" {
		eventType = domain.EventTypeMessageRead
	}
	payload, err := json.Marshal(map[string]json.RawMessage{
		"chatId":    rawString(chatID),
		"messageId": rawString(msgID),
		"uid":       rawString(uid),
		"value":     value,
	})
	if err != nil {
		return
	}
	w.fanOut(ctx, chatID, "", broker.Event{Type: eventType, Payload: payload})
}

func (w *Worker) handleTyping(ctx context.Context, chatID, uid string, value json.RawMessage) {
	typing := false
	if value != nil {
		json.Unmarshal(value, &typing)
	}
	payload, err := json.Marshal(domain.TypingRecord{ChatID: chatID, UID: uid, Typing: typing})
	if err != nil {
		return
	}
	// The author never observes their own typing record.
	w.fanOut(ctx, chatID, uid, broker.Event{Type: domain.EventTypeTyping, Payload: payload})
}

// fanOut publishes to every participant's queue except skipUID.
func (w *Worker) fanOut(ctx context.Context, chatID, skipUID string, event broker.Event) {
	a, b, err := chatid.Participants(chatID)
	if err != nil {
		w.log.Warnf("skipping event for malformed chat id %q: %s", chatID, err)
		return
	}
	recipients := lo.Filter([]string{a, b}, func(uid string, _ int) bool { return uid != skipUID })
	for _, uid := range recipients {
		if err := w.broker.PublishUser(ctx, uid, event); err != nil {
			w.log.Warnf("failed to publish %s to %s: %s", event.Type, uid, err)
		}
	}
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
