package service

import (
	"sync"
	"time"

	"aquadrop/internal/merge"
	"aquadrop/internal/models"
)

// ChangeKind says how a conversation changed
type ChangeKind int

const (
	ChangeAppended ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAppended:
		return "appended"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is delivered to conversation listeners. Message is a copy.
type Change struct {
	Kind    ChangeKind
	Index   int
	Message *models.Message
}

// Conversation is the ordered, deduplicated message list of one chat
type Conversation struct {
	id string

	mu           sync.Mutex
	list         *merge.List[*models.Message]
	listeners    []conversationListener
	nextListener uint64
}

type conversationListener struct {
	id uint64
	fn func(Change)
}

func newConversation(id string, opts merge.Options) *Conversation {
	return &Conversation{id: id, list: merge.NewList[*models.Message](opts)}
}

func (c *Conversation) ID() string { return c.id }

// Messages returns copies of all messages in display order
func (c *Conversation) Messages() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.list.Items()
	out := make([]*models.Message, len(items))
	for i, m := range items {
		out[i] = m.Clone()
	}
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Get returns a copy of the message with the given local id
func (c *Conversation) Get(localID string) (*models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, _ := c.findLocal(localID); m != nil {
		return m.Clone(), true
	}
	return nil, false
}

// OnChange registers fn for every mutation and returns a func that removes it.
// Listeners run after the conversation lock is released.
func (c *Conversation) OnChange(fn func(Change)) func() {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, conversationListener{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		kept := make([]conversationListener, 0, len(c.listeners))
		for _, l := range c.listeners {
			if l.id != id {
				kept = append(kept, l)
			}
		}
		c.listeners = kept
	}
}

// mutate runs fn under the lock and then notifies listeners of the changes it returns
func (c *Conversation) mutate(fn func() []Change) []Change {
	c.mu.Lock()
	changes := fn()
	listeners := c.listeners
	c.mu.Unlock()

	for _, ch := range changes {
		for _, l := range listeners {
			l.fn(ch)
		}
	}
	return changes
}

// findLocal must be called with mu held
func (c *Conversation) findLocal(localID string) (*models.Message, int) {
	i := c.list.IndexOf(func(m *models.Message) bool { return m.LocalID == localID })
	if i < 0 {
		return nil, -1
	}
	return c.list.Items()[i], i
}

func (c *Conversation) indexOf(target *models.Message) int {
	return c.list.IndexOf(func(m *models.Message) bool { return m == target })
}

func (c *Conversation) appendLocal(m *models.Message) Change {
	changes := c.mutate(func() []Change {
		c.list.Append(m)
		return []Change{{Kind: ChangeAppended, Index: c.list.Len() - 1, Message: m.Clone()}}
	})
	return changes[0]
}

// apply merges an inbound message and returns a copy of the affected item
func (c *Conversation) apply(incoming *models.Message) (*models.Message, int, merge.Outcome) {
	var (
		result  *models.Message
		index   int
		outcome merge.Outcome
	)
	c.mutate(func() []Change {
		var item *models.Message
		item, outcome = c.list.Apply(incoming)
		index = c.indexOf(item)
		result = item.Clone()
		switch outcome {
		case merge.Appended:
			return []Change{{Kind: ChangeAppended, Index: index, Message: item.Clone()}}
		case merge.Updated, merge.Reconciled:
			return []Change{{Kind: ChangeUpdated, Index: index, Message: item.Clone()}}
		}
		return nil
	})
	return result, index, outcome
}

// promote confirms the placeholder with the server copy. It returns the
// confirmed copy, its index and any duplicates that were removed.
func (c *Conversation) promote(target, canonical *models.Message) (*models.Message, int, []*models.Message) {
	var (
		result  *models.Message
		index   int
		removed []*models.Message
	)
	c.mutate(func() []Change {
		var changes []Change
		before := make(map[*models.Message]int, c.list.Len())
		for i, m := range c.list.Items() {
			before[m] = i
		}
		removed = c.list.Promote(target, canonical, func(a, b *models.Message) bool { return a == b })
		for _, r := range removed {
			changes = append(changes, Change{Kind: ChangeRemoved, Index: before[r], Message: r.Clone()})
		}
		index = c.indexOf(target)
		result = target.Clone()
		changes = append(changes, Change{Kind: ChangeUpdated, Index: index, Message: target.Clone()})
		return changes
	})
	return result, index, removed
}

// fail marks target failed unless it was confirmed meanwhile. It reports
// false when the message is already confirmed.
func (c *Conversation) fail(target *models.Message, cause string, now time.Time) (*models.Message, int, bool) {
	var (
		result *models.Message
		index  int
		failed bool
	)
	c.mutate(func() []Change {
		index = c.indexOf(target)
		result = target.Clone()
		if target.Status != models.MessageStatusPending {
			return nil
		}
		if err := target.Transition(models.MessageStatusFailed); err != nil {
			return nil
		}
		target.Error = cause
		target.UpdatedAt = now
		failed = true
		result = target.Clone()
		return []Change{{Kind: ChangeUpdated, Index: index, Message: target.Clone()}}
	})
	return result, index, failed
}

// retry moves a failed message back to pending
func (c *Conversation) retry(localID string, now time.Time) (*models.Message, *models.Message, int, error) {
	var (
		target *models.Message
		result *models.Message
		index  int
		err    error
	)
	c.mutate(func() []Change {
		target, index = c.findLocal(localID)
		if target == nil {
			return nil
		}
		if err = target.Transition(models.MessageStatusPending); err != nil {
			return nil
		}
		target.Error = ""
		target.UpdatedAt = now
		result = target.Clone()
		return []Change{{Kind: ChangeUpdated, Index: index, Message: target.Clone()}}
	})
	return target, result, index, err
}

// markRead applies a read receipt and returns copies of the messages it changed
func (c *Conversation) markRead(ev *MessageReadEvent) []*models.Message {
	var updated []*models.Message
	c.mutate(func() []Change {
		ids := make(map[models.ID]bool, len(ev.MessageIDs))
		for _, id := range ev.MessageIDs {
			ids[id] = true
		}

		var changes []Change
		for i, m := range c.list.Items() {
			if m.IsPlaceholder() || m.Status.Rank() < models.MessageStatusSent.Rank() {
				continue
			}
			if len(ids) > 0 {
				if !ids[m.ID] {
					continue
				}
			} else if m.SenderID == ev.ReaderID || m.CreatedAt.After(ev.ReadAt) {
				continue
			}

			readAt := ev.ReadAt
			patch := m.Clone()
			patch.Status = models.MessageStatusRead
			patch.ReadAt = &readAt
			if readAt.After(patch.UpdatedAt) {
				patch.UpdatedAt = readAt
			}
			if !patch.NewerThan(m) {
				continue
			}
			m.MergeFrom(patch)
			updated = append(updated, m.Clone())
			changes = append(changes, Change{Kind: ChangeUpdated, Index: i, Message: m.Clone()})
		}
		return changes
	})
	return updated
}

// hydrate adds stored messages, skipping local ids that are already present
func (c *Conversation) hydrate(stored []*models.Message) []*models.Message {
	var added []*models.Message
	c.mutate(func() []Change {
		var changes []Change
		for _, m := range stored {
			if existing, _ := c.findLocal(m.LocalID); existing != nil {
				continue
			}
			item, kind := m, ChangeAppended
			if m.IsPlaceholder() {
				c.list.Append(m)
			} else {
				var outcome merge.Outcome
				item, outcome = c.list.Apply(m)
				if outcome == merge.Ignored {
					continue
				}
				if outcome != merge.Appended {
					kind = ChangeUpdated
				}
			}
			added = append(added, item.Clone())
			changes = append(changes, Change{Kind: kind, Index: c.indexOf(item), Message: item.Clone()})
		}
		return changes
	})
	return added
}
