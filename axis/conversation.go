package axis

import (
	"hash/fnv"
	"sync"
	"time"
)

// conversationShardCount is fixed so shard selection stays stable for a
// given channel ID. Must be a power of two.
const conversationShardCount = 16

// ConversationState records the single active conversation in a channel.
type ConversationState struct {
	// UserID is the Discord user the bot is currently conversing with
	UserID string `json:"user_id"`

	// LastActivity is updated every time the bot responds to the user,
	// and drives idle expiry
	LastActivity time.Time `json:"last_activity"`
}

// ConversationSnapshot is a point-in-time view of one active conversation,
// as exposed by the admin API.
type ConversationSnapshot struct {
	ChannelID    string    `json:"channel_id"`
	UserID       string    `json:"user_id"`
	LastActivity time.Time `json:"last_activity"`
}

type conversationShard struct {
	mu     sync.RWMutex
	states map[string]ConversationState
}

// ConversationRegistry tracks at most one active conversation per channel.
// Channel IDs are hashed across a fixed set of shards so activity in
// unrelated channels never contends on the same lock.
//
// The registry is purely in-memory. Expiry is cooperative: callers run
// Sweep periodically and opportunistically.
type ConversationRegistry struct {
	shards  [conversationShardCount]*conversationShard
	timeout time.Duration
}

// NewConversationRegistry creates a registry whose entries expire after
// the given idle timeout.
func NewConversationRegistry(timeout time.Duration) *ConversationRegistry {
	if timeout <= 0 {
		timeout = DefaultConversationTimeout
	}
	r := &ConversationRegistry{timeout: timeout}
	for i := range r.shards {
		r.shards[i] = &conversationShard{
			states: map[string]ConversationState{},
		}
	}
	return r
}

func (r *ConversationRegistry) shard(channelID string) *conversationShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channelID))
	return r.shards[h.Sum32()&(conversationShardCount-1)]
}

// Get returns the active conversation for a channel, if one exists and has
// not idled out. An expired entry is treated as absent but left in place
// for the sweeper.
func (r *ConversationRegistry) Get(channelID string) (ConversationState, bool) {
	s := r.shard(channelID)
	s.mu.RLock()
	state, ok := s.states[channelID]
	s.mu.RUnlock()
	if !ok || time.Since(state.LastActivity) > r.timeout {
		return ConversationState{}, false
	}
	return state, true
}

// HasActive reports whether the given user holds the active conversation
// in the given channel.
func (r *ConversationRegistry) HasActive(channelID, userID string) bool {
	state, ok := r.Get(channelID)
	return ok && state.UserID == userID
}

// Start records a new conversation for the user, replacing any previous
// entry for the channel.
func (r *ConversationRegistry) Start(channelID, userID string) {
	s := r.shard(channelID)
	s.mu.Lock()
	s.states[channelID] = ConversationState{
		UserID:       userID,
		LastActivity: time.Now(),
	}
	s.mu.Unlock()
}

// Touch refreshes the channel's conversation if it belongs to userID, and
// evicts it if it belongs to someone else. A channel with no conversation
// is left untouched. This is how a second user speaking in a channel ends
// the first user's session. Reports whether the conversation was
// refreshed.
func (r *ConversationRegistry) Touch(channelID, userID string) bool {
	s := r.shard(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[channelID]
	if !ok {
		return false
	}
	if state.UserID != userID {
		delete(s.states, channelID)
		return false
	}
	state.LastActivity = time.Now()
	s.states[channelID] = state
	return true
}

// End removes the channel's conversation if it belongs to userID, and
// reports whether anything was removed.
func (r *ConversationRegistry) End(channelID, userID string) bool {
	s := r.shard(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[channelID]
	if !ok || state.UserID != userID {
		return false
	}
	delete(s.states, channelID)
	return true
}

// Sweep removes every conversation idle longer than the registry timeout,
// returning the number removed.
func (r *ConversationRegistry) Sweep() int {
	removed := 0
	cutoff := time.Now().Add(-r.timeout)
	for _, s := range r.shards {
		s.mu.Lock()
		for channelID, state := range s.states {
			if state.LastActivity.Before(cutoff) {
				delete(s.states, channelID)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked conversations, including any that have
// expired but not yet been swept.
func (r *ConversationRegistry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.states)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot returns a copy of all unexpired conversations.
func (r *ConversationRegistry) Snapshot() []ConversationSnapshot {
	cutoff := time.Now().Add(-r.timeout)
	snapshots := make([]ConversationSnapshot, 0, r.Len())
	for _, s := range r.shards {
		s.mu.RLock()
		for channelID, state := range s.states {
			if state.LastActivity.Before(cutoff) {
				continue
			}
			snapshots = append(
				snapshots,
				ConversationSnapshot{
					ChannelID:    channelID,
					UserID:       state.UserID,
					LastActivity: state.LastActivity,
				},
			)
		}
		s.mu.RUnlock()
	}
	return snapshots
}
