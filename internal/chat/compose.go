package chat

import (
	"slices"
	"sync"

	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// Compose is the compose box state: the draft and any local preview handles
// attached to it.
type Compose struct {
	mu       sync.Mutex
	draft    model.Draft
	previews []string
	revoke   func(handle string)
}

// NewCompose creates an empty compose box. revoke, when set, releases each
// preview handle.
func NewCompose(revoke func(handle string)) *Compose {
	return &Compose{revoke: revoke}
}

// SetDraft replaces the draft.
func (c *Compose) SetDraft(d model.Draft) {
	c.mu.Lock()
	c.draft = d
	c.mu.Unlock()
}

// Draft returns the current draft.
func (c *Compose) Draft() model.Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// AddPreview tracks a preview handle until the draft is sent.
func (c *Compose) AddPreview(handle string) {
	c.mu.Lock()
	c.previews = append(c.previews, handle)
	c.mu.Unlock()
}

// Previews returns the live preview handles.
func (c *Compose) Previews() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.previews)
}

func (c *Compose) ClearDraft() {
	c.SetDraft(model.Draft{})
}

func (c *Compose) RevokePreviews() {
	c.mu.Lock()
	previews := c.previews
	c.previews = nil
	c.mu.Unlock()
	if c.revoke == nil {
		return
	}
	for _, h := range previews {
		c.revoke(h)
	}
}

func (c *Compose) RestoreDraft(d model.Draft) {
	c.SetDraft(d)
}
