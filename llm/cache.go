package llm

import (
	"context"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// Cache answers repeated identical prompts from memory.
type Cache struct {
	next  Backend
	cache *lru.Cache[string, Completion]
}

func NewCache(next Backend, size int) (*Cache, error) {
	c, err := lru.New[string, Completion](size)
	if err != nil {
		return nil, fmt.Errorf("error creating completion cache: %w", err)
	}
	return &Cache{next: next, cache: c}, nil
}

func (c *Cache) Name() string { return c.next.Name() }

func (c *Cache) Complete(ctx context.Context, prompt Prompt, opts Options) (Completion, error) {
	key := cacheKey(prompt, opts)
	if res, ok := c.cache.Get(key); ok {
		return res, nil
	}
	res, err := c.next.Complete(ctx, prompt, opts)
	if err != nil {
		return res, err
	}
	c.cache.Add(key, res)
	return res, nil
}

// Purge drops every cached completion.
func (c *Cache) Purge() { c.cache.Purge() }

func cacheKey(p Prompt, opts Options) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s\x00%g\x00%d\x00", opts.Model, opts.Temperature, opts.MaxTokens)
	h.Write([]byte(p.System))
	h.Write([]byte{0})
	h.Write([]byte(p.User))
	return hex.EncodeToString(h.Sum(nil))
}
