package rag

import (
	"sync"
	"time"

	"github.com/oscillatelabsllc/neuralfeed/internal/llm"
)

// Conversation is the stored history of one chat
type Conversation struct {
	ID        string        `json:"id"`
	Messages  []llm.Message `json:"messages"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Conversations keeps chat histories in memory, each capped at maxMessages
type Conversations struct {
	mu          sync.RWMutex
	byID        map[string]*Conversation
	maxMessages int
}

// NewConversations creates an empty store
func NewConversations(maxMessages int) *Conversations {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	return &Conversations{byID: make(map[string]*Conversation), maxMessages: maxMessages}
}

// Append records a question and its answer, dropping the oldest messages
// beyond the cap.
func (c *Conversations) Append(id, question, answer string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.byID[id]
	if !ok {
		conv = &Conversation{ID: id}
		c.byID[id] = conv
	}
	conv.Messages = append(conv.Messages,
		llm.Message{Role: llm.RoleUser, Content: question},
		llm.Message{Role: llm.RoleAssistant, Content: answer},
	)
	if over := len(conv.Messages) - c.maxMessages; over > 0 {
		conv.Messages = append([]llm.Message(nil), conv.Messages[over:]...)
	}
	conv.UpdatedAt = at
}

// Window returns a copy of the last n messages
func (c *Conversations) Window(id string, n int) []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conv, ok := c.byID[id]
	if !ok || n <= 0 {
		return nil
	}
	msgs := conv.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]llm.Message(nil), msgs...)
}

// Get returns a copy of a conversation
func (c *Conversations) Get(id string) (*Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conv, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	out := *conv
	out.Messages = append([]llm.Message(nil), conv.Messages...)
	return &out, true
}

// Delete forgets a conversation and reports whether it existed
func (c *Conversations) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byID[id]
	delete(c.byID, id)
	return ok
}
