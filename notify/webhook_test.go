package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu       sync.Mutex
	messages []Message
}

func (c *capture) add(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

func (c *capture) all() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func TestNotifier_Delivers(t *testing.T) {
	got := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		got.add(m)
		w.WriteHeader(204)
	}))
	t.Cleanup(srv.Close)

	n := New(srv.URL, WithIdentity("lockbot", "https://cdn.example/a.png"))
	n.Post(Message{Embeds: []Embed{{Color: DefaultColor, Description: "held"}}})
	n.Close()

	msgs := got.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "held", msgs[0].Embeds[0].Description)
	assert.Equal(t, "lockbot", msgs[0].Username)
	assert.Equal(t, "https://cdn.example/a.png", msgs[0].AvatarURL)
}

func TestNotifier_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(204)
	}))
	t.Cleanup(srv.Close)

	n := New(srv.URL)
	n.Post(Message{Embeds: []Embed{{Description: "retry me"}}})
	n.Close()

	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifier_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(400)
	}))
	t.Cleanup(srv.Close)

	n := New(srv.URL)
	n.Post(Message{Embeds: []Embed{{Description: "rejected"}}})
	n.Close()

	assert.Equal(t, int32(1), calls.Load())
}

func TestNotifier_EmptyURLDropsSilently(t *testing.T) {
	n := New("")
	n.Post(Message{Embeds: []Embed{{Description: "nowhere"}}})
	n.Close()
}

func TestNotifier_PostNeverBlocks(t *testing.T) {
	// No server and an unclosed queue: every Post beyond the queue
	// capacity must drop rather than block.
	n := New("http://127.0.0.1:1")
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize*3; i++ {
			n.Post(Message{Embeds: []Embed{{Description: "flood"}}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Post blocked on a full queue")
	}
	n.Close()
}

func TestNotifier_CloseIsIdempotent(t *testing.T) {
	n := New("")
	n.Close()
	n.Close()
}
