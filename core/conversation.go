package core

import (
	"sync"

	"github.com/santiagomed/scribe/llm"
)

// Conversation is the ordered history of turns of one session. It is only
// cleared by Reset.
type Conversation struct {
	mu    sync.Mutex
	turns []llm.Turn
}

func NewConversation() *Conversation {
	return &Conversation{}
}

func (c *Conversation) Append(t llm.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
}

// History returns a copy of the turns, oldest first.
func (c *Conversation) History() []llm.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}
