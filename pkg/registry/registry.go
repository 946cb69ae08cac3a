// Package registry keeps the broker's table of active subscriptions.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Subscription is one registered client
type Subscription struct {
	ClientID  string    `json:"client_id"`
	Groups    []string  `json:"groups"`
	RxPath    string    `json:"rx_path"`
	TxPath    string    `json:"tx_path"`
	CreatedAt time.Time `json:"created_at"`
}

// String returns a string representation of the subscription
func (s Subscription) String() string {
	return fmt.Sprintf("Subscription{ClientID: %s, Groups: %v, Rx: %s, Tx: %s}",
		s.ClientID, s.Groups, s.RxPath, s.TxPath)
}

// Registry maps client ids to subscriptions and groups to subscribers.
// Every read and write goes through one mutex so a group set is never
// observed half-updated.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Subscription
	groups  map[string]map[string]struct{}
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		clients: make(map[string]Subscription),
		groups:  make(map[string]map[string]struct{}),
	}
}

// Register inserts sub or replaces the existing entry with the same client id.
// It reports whether an entry was replaced. A replacement keeps the original
// creation time.
func (r *Registry) Register(sub Subscription) bool {
	sub.Groups = normalizeGroups(sub.Groups)

	r.mu.Lock()
	defer r.mu.Unlock()

	old, replaced := r.clients[sub.ClientID]
	if replaced {
		r.unindex(old)
		if !old.CreatedAt.IsZero() {
			sub.CreatedAt = old.CreatedAt
		}
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	r.clients[sub.ClientID] = sub
	for _, g := range sub.Groups {
		members, ok := r.groups[g]
		if !ok {
			members = make(map[string]struct{})
			r.groups[g] = members
		}
		members[sub.ClientID] = struct{}{}
	}
	return replaced
}

// Deregister removes the entry for clientID and returns it. Unknown ids are
// a no-op and report false.
func (r *Registry) Deregister(clientID string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.clients[clientID]
	if !ok {
		return Subscription{}, false
	}
	r.unindex(sub)
	delete(r.clients, clientID)
	return sub, true
}

// Get returns a copy of the subscription for clientID
func (r *Registry) Get(clientID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.clients[clientID]
	if !ok {
		return Subscription{}, false
	}
	sub.Groups = slices.Clone(sub.Groups)
	return sub, true
}

// SubscribersOf returns the sorted ids of the clients subscribed to group
func (r *Registry) SubscribersOf(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GroupsOf returns the groups clientID is subscribed to
func (r *Registry) GroupsOf(clientID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return slices.Clone(sub.Groups), true
}

// Clients returns the sorted ids of every registered client
func (r *Registry) Clients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered clients
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GroupCount returns the number of groups with at least one subscriber
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// unindex drops sub from the group index. Callers hold r.mu.
func (r *Registry) unindex(sub Subscription) {
	for _, g := range sub.Groups {
		members := r.groups[g]
		delete(members, sub.ClientID)
		if len(members) == 0 {
			delete(r.groups, g)
		}
	}
}

// normalizeGroups returns a sorted copy of groups without duplicates
func normalizeGroups(groups []string) []string {
	out := slices.Clone(groups)
	if out == nil {
		out = []string{}
	}
	sort.Strings(out)
	return slices.Compact(out)
}
