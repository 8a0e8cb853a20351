package conversation

import (
	"context"
	"sort"
	"time"

	"github.com/parley-im/parley-go/pkg/types"
)

// typingEntry is ephemeral per-participant state: a display name and the
// timer that evicts it after the TTL of silence. The deadline is tracked
// separately because Reset cannot stop an AfterFunc invocation that has
// already started; a stale invocation must be able to tell it lost the race
// against a refresh.
type typingEntry struct {
	name     string
	timer    *time.Timer
	deadline time.Time
}

// HandleTyping inserts or refreshes a typing participant. A repeat event
// restarts the TTL timer instead of creating a duplicate entry.
func (e *Engine) HandleTyping(ctx context.Context, ind *types.TypingIndicator) {
	if ind.ChatID != e.chatID || ind.UserID == e.selfID {
		return
	}

	name := ind.DisplayName
	if name == "" && e.directory != nil {
		// Resolved before taking the lock; the lookup may hit the network.
		if user, err := e.directory.Lookup(ctx, ind.UserID); err == nil {
			name = user.DisplayName
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	entry, ok := e.typing[ind.UserID]
	if ok {
		entry.deadline = e.now().Add(e.typingTTL)
		entry.timer.Reset(e.typingTTL)
		if name != "" {
			entry.name = name
		}
		e.mu.Unlock()
		return
	}
	userID := ind.UserID
	e.typing[userID] = &typingEntry{
		name:     name,
		deadline: e.now().Add(e.typingTTL),
		timer:    time.AfterFunc(e.typingTTL, func() { e.expireTyping(userID) }),
	}
	e.mu.Unlock()
	e.notify()
}

// HandleStopTyping removes a participant on an explicit stop event.
func (e *Engine) HandleStopTyping(_ context.Context, ind *types.TypingIndicator) {
	if ind.ChatID != e.chatID {
		return
	}
	e.mu.Lock()
	removed := e.removeTypingLocked(ind.UserID)
	e.mu.Unlock()
	if removed {
		e.notify()
	}
}

func (e *Engine) expireTyping(userID string) {
	e.mu.Lock()
	entry, ok := e.typing[userID]
	if !ok {
		e.mu.Unlock()
		return
	}
	// A refresh may have taken the lock between this invocation starting and
	// running; evicting now would drop the participant right after their
	// refresh. Re-arm for the remainder instead.
	if remaining := entry.deadline.Sub(e.now()); remaining > 0 {
		entry.timer.Reset(remaining)
		e.mu.Unlock()
		return
	}
	removed := e.removeTypingLocked(userID)
	e.mu.Unlock()
	if removed {
		e.notify()
	}
}

func (e *Engine) removeTypingLocked(userID string) bool {
	entry, ok := e.typing[userID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(e.typing, userID)
	return true
}

// TypingUsers returns the participants currently typing, ordered by user id
// for stable rendering.
func (e *Engine) TypingUsers() []types.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]types.User, 0, len(e.typing))
	for id, entry := range e.typing {
		users = append(users, types.User{ID: id, DisplayName: entry.name})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}
