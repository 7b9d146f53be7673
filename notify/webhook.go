// Package notify posts cycle summaries to a webhook. Delivery is
// fire-and-forget: events are enqueued non-blockingly into a bounded
// channel and sent by a background goroutine; failures are logged and
// never propagated to the lock loop.
package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// queueSize is the bounded channel capacity for outbound messages.
const queueSize = 64

// DefaultColor is the embed accent used when none is configured.
const DefaultColor = 0x2b2d31

// Embed is one rich block in a webhook message.
type Embed struct {
	Color       int     `json:"color"`
	Description string  `json:"description"`
	Footer      *Footer `json:"footer,omitempty"`
}

// Footer is the small trailing line of an embed.
type Footer struct {
	Text string `json:"text"`
}

// Message is the webhook payload.
type Message struct {
	Embeds    []Embed `json:"embeds"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
}

// Notifier dispatches messages to a single webhook URL. A Notifier
// with an empty URL is valid and drops everything silently, so callers
// never need a nil check.
type Notifier struct {
	url       string
	username  string
	avatarURL string
	client    *http.Client
	logger    *slog.Logger
	messages  chan Message
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithIdentity sets the username and avatar attached to every message.
func WithIdentity(username, avatarURL string) Option {
	return func(n *Notifier) {
		n.username = username
		n.avatarURL = avatarURL
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger.With("component", "notify") }
}

// New creates a Notifier and starts its background dispatch loop.
func New(url string, opts ...Option) *Notifier {
	n := &Notifier{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		messages: make(chan Message, queueSize),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = slog.Default().With("component", "notify")
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Post enqueues a message. If the queue is full the message is dropped
// and a warning logged. Never blocks.
func (n *Notifier) Post(msg Message) {
	if msg.Username == "" {
		msg.Username = n.username
	}
	if msg.AvatarURL == "" {
		msg.AvatarURL = n.avatarURL
	}
	select {
	case n.messages <- msg:
	default:
		n.logger.Warn("notification queue full, dropping message")
	}
}

// Close shuts down the dispatcher, draining queued messages first.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.messages)
		n.wg.Wait()
	})
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	for msg := range n.messages {
		n.send(msg)
	}
}

// send POSTs one message with a single retry on 5xx.
func (n *Notifier) send(msg Message) {
	if n.url == "" {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		n.logger.Warn("notification marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(1 * time.Second)
		}
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
		if err != nil {
			n.logger.Warn("notification delivery failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			n.logger.Warn("notification server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		n.logger.Warn("notification rejected", "status", resp.StatusCode)
		return
	}
}
