package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"pingup_core/internal/chatid"
	"pingup_core/internal/domain"
	"pingup_core/internal/store"
)

const DefaultDeliveryTimeout = 10 * time.Second

// Directory is the read side of the profile collaborator: user lookups
// and registered notification endpoints.
type Directory interface {
	User(ctx context.Context, uid string) (*domain.User, error)
	Tokens(ctx context.Context, uid string) ([]domain.NotificationToken, error)
}

// Dispatcher resolves the recipient of a newly appended message and
// delivers one notification per registered endpoint. Delivery is
// best-effort: nothing here can fail the append that triggered it.
type Dispatcher struct {
	dir      Directory
	backends map[domain.Platform]Backend
	timeout  time.Duration
	log      *log.Entry
}

func NewDispatcher(dir Directory, backends []Backend, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	byPlatform := make(map[domain.Platform]Backend, len(backends))
	for _, b := range backends {
		byPlatform[b.Platform()] = b
	}
	return &Dispatcher{
		dir:      dir,
		backends: byPlatform,
		timeout:  timeout,
		log:      log.WithField("component", "dispatcher"),
	}
}

// Dispatch runs the full pipeline for one message: resolve recipient,
// fetch profiles and endpoints, compose, deliver concurrently, aggregate.
// A returned error is a configuration/data problem (malformed chat id,
// missing user); it is logged by the caller and never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *domain.Message) (*Report, error) {
	recipientID, err := chatid.Recipient(msg.ChatID, msg.SenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipient: %w", err)
	}

	recipient, err := d.dir.User(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recipient %s: %w", recipientID, err)
	}
	sender, err := d.dir.User(ctx, msg.SenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sender %s: %w", msg.SenderID, err)
	}

	tokens, err := d.dir.Tokens(ctx, recipient.UID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tokens for %s: %w", recipient.UID, err)
	}
	if len(tokens) == 0 {
		// Expected: the recipient never registered a device or browser.
		d.log.WithField("uid", recipient.UID).Debug("no registered endpoints, skipping dispatch")
		return &Report{}, nil
	}

	n := &Notification{
		Title:     sender.Name,
		Body:      msg.Payload.Preview(),
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		MessageID: msg.ID,
	}
	report := d.deliverAll(ctx, tokens, n)

	if report.AllFailed() {
		d.log.WithFields(log.Fields{
			"uid":       recipient.UID,
			"messageId": msg.ID,
			"attempts":  report.Failed,
		}).Error("all notification deliveries failed")
	}
	return report, nil
}

// deliverAll runs one isolated attempt per endpoint, in parallel, each
// under its own timeout, and joins them into a single report. One dead
// token must never abort delivery to a live one.
func (d *Dispatcher) deliverAll(ctx context.Context, tokens []domain.NotificationToken, n *Notification) *Report {
	report := &Report{Results: make([]DeliveryResult, len(tokens))}

	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(i int, token domain.NotificationToken) {
			defer wg.Done()
			report.Results[i] = d.deliverOne(ctx, token, n)
		}(i, token)
	}
	wg.Wait()

	for _, res := range report.Results {
		if res.Delivered {
			report.Successful++
		} else {
			report.Failed++
		}
	}
	return report
}

func (d *Dispatcher) deliverOne(ctx context.Context, token domain.NotificationToken, n *Notification) DeliveryResult {
	result := DeliveryResult{Token: token.Token, Platform: token.Platform}

	backend, ok := d.backends[token.Platform]
	if !ok {
		result.Reason = fmt.Sprintf("no backend for platform %q", token.Platform)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// The attempt runs in its own goroutine so a provider client that
	// ignores ctx still cannot hold up the join past the timeout.
	done := make(chan error, 1)
	go func() { done <- backend.Deliver(ctx, token, n) }()

	select {
	case err := <-done:
		if err != nil {
			result.Reason = err.Error()
			return result
		}
		result.Delivered = true
		return result
	case <-ctx.Done():
		result.Reason = "timeout"
		return result
	}
}

// Start subscribes the dispatcher to message creations on st and blocks
// until ctx is done. The registry delivers changes for a path in write
// order, so per-chat dispatches run in append order.
func (d *Dispatcher) Start(ctx context.Context, st store.Store) {
	unsub := st.Subscribe(store.ChatRoot(), func(ev store.Event) {
		if !ev.Created {
			return
		}
		if _, _, ok := store.SplitChatMessage(ev.Path); !ok {
			return
		}
		var msg domain.Message
		if err := json.Unmarshal(ev.Value, &msg); err != nil {
			d.log.Warnf("failed to unmarshal appended message at %s: %s", ev.Path, err)
			return
		}
		d.handle(ctx, &msg)
	})
	defer unsub()

	d.log.Info("dispatcher started")
	<-ctx.Done()
}

func (d *Dispatcher) handle(ctx context.Context, msg *domain.Message) {
	report, err := d.Dispatch(ctx, msg)
	if err != nil {
		// Data problems are not transient; log and move on.
		d.log.WithField("messageId", msg.ID).Warnf("dispatch aborted: %s", err)
		return
	}
	d.log.WithFields(log.Fields{
		"messageId":  msg.ID,
		"successful": report.Successful,
		"failed":     report.Failed,
	}).Info("dispatch complete")
}
