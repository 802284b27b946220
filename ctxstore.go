// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
)

// ContextKind classifies a Context's role.
type ContextKind int

const (
	KindStatus ContextKind = iota
	KindChannel
	KindQuery
	KindListResults
	KindDCCMonitor
)

// ChannelJoinStatus is the join lifecycle of a channel Context.
type ChannelJoinStatus int

const (
	NotJoined ChannelJoinStatus = iota
	PendingInitialJoin
	JoinCommandSent
	SelfJoinReceived
	FullyJoined
	Parting
	JoinFailed
)

// StatusContextName is the reserved name of the always-present status
// window.
const StatusContextName = "Status"

const (
	defaultScrollbackUI       = 500
	defaultScrollbackHeadless = 50
)

// LogEntry is one line in a Context's bounded scrollback ring.
type LogEntry struct {
	Text      string
	Style     string
	Timestamp time.Time
}

// Context is one conversation surface: a channel, a query, the status
// window, a DCC monitor, or a /LIST results view. Grounded on girc's
// state.go Channel/User bookkeeping (cmap-backed registries, per-entity
// mutex-free concurrent maps), generalized to the distinct Context kinds
// and the bounded-ring scrollback this system requires, per
// original_source/context_manager.py's per-context message buffers.
type Context struct {
	mu sync.RWMutex

	name string
	kind ContextKind

	messages []LogEntry
	maxLines int

	users map[string]string // nick -> prefix (e.g. "@", "+", "").
	order []string          // insertion order of users, for stable NAMES rendering.

	topic      string
	modes      CModes
	joinStatus ChannelJoinStatus

	unread int
	active bool
}

func newContext(name string, kind ContextKind, maxLines int) *Context {
	return &Context{
		name:     name,
		kind:     kind,
		maxLines: maxLines,
		users:    make(map[string]string),
	}
}

// Name returns the context's normalized name.
func (c *Context) Name() string { return c.name }

// Kind returns the context's kind.
func (c *Context) Kind() ContextKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kind
}

// AppendMessage records one line, discarding the oldest entry once the
// ring is at capacity. The unread counter increments unless the context
// is currently active.
func (c *Context) AppendMessage(text, style string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, LogEntry{Text: text, Style: style, Timestamp: ts})
	if len(c.messages) > c.maxLines {
		c.messages = c.messages[len(c.messages)-c.maxLines:]
	}

	if !c.active {
		c.unread++
	}
}

// Messages returns a snapshot of the current scrollback, oldest first.
func (c *Context) Messages() []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]LogEntry, len(c.messages))
	copy(out, c.messages)
	return out
}

// Lastlog returns up to n of the most recent entries, oldest first.
func (c *Context) Lastlog(n int) []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || n > len(c.messages) {
		n = len(c.messages)
	}
	start := len(c.messages) - n
	out := make([]LogEntry, n)
	copy(out, c.messages[start:])
	return out
}

// AddUser adds or overwrites nick's roster entry with the given prefix
// string (e.g. "@", "+", "").
func (c *Context) AddUser(nick, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.users[nick]; !exists {
		c.order = append(c.order, nick)
	}
	c.users[nick] = prefix
}

// RemoveUser removes nick from the roster.
func (c *Context) RemoveUser(nick string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.users[nick]; !exists {
		return
	}
	delete(c.users, nick)
	for i, n := range c.order {
		if n == nick {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// UpdatePrefix replaces nick's mode-prefix string.
func (c *Context) UpdatePrefix(nick, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.users[nick]; exists {
		c.users[nick] = prefix
	}
}

// RenameUser moves a roster entry from oldNick to newNick, preserving
// its prefix and position.
func (c *Context) RenameUser(oldNick, newNick string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix, exists := c.users[oldNick]
	if !exists {
		return
	}
	delete(c.users, oldNick)
	c.users[newNick] = prefix
	for i, n := range c.order {
		if n == oldNick {
			c.order[i] = newNick
			break
		}
	}
}

// Users returns a snapshot of the roster's nicknames, in roster order.
// Prefixes are not included.
func (c *Context) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// HasUser reports whether nick is currently in the roster.
func (c *Context) HasUser(nick string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.users[nick]
	return ok
}

// ClearUsers empties the roster, e.g. on self-PART/KICK.
func (c *Context) ClearUsers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = make(map[string]string)
	c.order = nil
}

// SetTopic records the channel topic.
func (c *Context) SetTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = topic
}

// Topic returns the channel topic.
func (c *Context) Topic() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topic
}

// SetJoinStatus transitions the channel's join lifecycle.
func (c *Context) SetJoinStatus(s ChannelJoinStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinStatus = s
}

// JoinStatus returns the channel's join lifecycle state.
func (c *Context) JoinStatus() ChannelJoinStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joinStatus
}

// SetActive marks whether this context is the one currently displayed;
// activating resets its unread counter.
func (c *Context) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = active
	if active {
		c.unread = 0
	}
}

// Unread returns the number of messages received since this context was
// last active.
func (c *Context) Unread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

// Store owns every Context for one connection: the status window plus
// whatever channels, queries, list-results, and DCC-monitor contexts have
// been created. Mutated only by the dispatcher (single writer); read
// freely by the renderer.
type Store struct {
	mu            sync.Mutex
	contexts      cmap.ConcurrentMap
	insertOrder   []string
	activeName    string
	headlessMode  bool
	maxScrollback int
	serverCreated time.Time
}

// NewStore creates a Store with its status window already present.
// headless controls the scrollback cap (50 lines headless, 500
// otherwise), which applies to every context the Store creates.
func NewStore(headless bool) *Store {
	max := defaultScrollbackUI
	if headless {
		max = defaultScrollbackHeadless
	}

	s := &Store{
		contexts:      cmap.New(),
		headlessMode:  headless,
		maxScrollback: max,
	}
	s.GetOrCreate(StatusContextName, KindStatus).SetActive(true)
	s.activeName = StatusContextName

	return s
}

func normalizeContextName(name string, kind ContextKind) string {
	if kind == KindChannel && len(name) > 0 {
		switch name[0] {
		case '#', '&', '!', '+':
			return strings.ToLower(name)
		}
	}
	if name == StatusContextName {
		return name
	}
	return name
}

// GetOrCreate returns the named context, creating it (with this Store's
// default scrollback cap) if absent. Idempotent.
func (s *Store) GetOrCreate(name string, kind ContextKind) *Context {
	norm := normalizeContextName(name, kind)

	if existing, ok := s.contexts.Get(norm); ok {
		return existing.(*Context)
	}

	ctx := newContext(norm, kind, s.maxScrollback)

	s.mu.Lock()
	if _, loaded := s.contexts.Get(norm); !loaded {
		s.contexts.Set(norm, ctx)
		s.insertOrder = append(s.insertOrder, norm)
	}
	s.mu.Unlock()

	if v, ok := s.contexts.Get(norm); ok {
		return v.(*Context)
	}
	return ctx
}

// Get returns the named context, or nil if it doesn't exist.
func (s *Store) Get(name string) *Context {
	v, ok := s.contexts.Get(name)
	if !ok {
		return nil
	}
	return v.(*Context)
}

// Remove deletes the named context. If it was active, a fallback is
// selected: the next channel context in insertion order, else Status.
// Status itself cannot be removed. ok reports whether a removal occurred.
func (s *Store) Remove(name string) (ok bool) {
	if name == StatusContextName {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts.Get(name); !exists {
		return false
	}
	s.contexts.Remove(name)

	for i, n := range s.insertOrder {
		if n == name {
			s.insertOrder = append(s.insertOrder[:i], s.insertOrder[i+1:]...)
			break
		}
	}

	if s.activeName == name {
		s.activeName = s.fallbackLocked()
	}

	return true
}

// Fallback returns the first channel context in insertion order, else
// Status. No context is excluded: a channel that still exists, such as
// one just parted, can itself be returned.
func (s *Store) Fallback() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackLocked()
}

// SetServerCreated records when the connected daemon reports it was
// compiled (RPL_CREATED).
func (s *Store) SetServerCreated(t time.Time) {
	s.mu.Lock()
	s.serverCreated = t
	s.mu.Unlock()
}

// ServerCreated returns the daemon's reported compile time, or the
// zero Time if RPL_CREATED hasn't been seen yet.
func (s *Store) ServerCreated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCreated
}

func (s *Store) fallbackLocked() string {
	for _, n := range s.insertOrder {
		if v, ok := s.contexts.Get(n); ok {
			if v.(*Context).Kind() == KindChannel {
				return n
			}
		}
	}
	return StatusContextName
}

// SetActive marks name as the active context, deactivating the previous
// one and resetting the new one's unread counter. ok is false if name
// does not exist.
func (s *Store) SetActive(name string) (ok bool) {
	v, exists := s.contexts.Get(name)
	if !exists {
		return false
	}

	s.mu.Lock()
	prev := s.activeName
	s.activeName = name
	s.mu.Unlock()

	if prevCtx := s.Get(prev); prevCtx != nil && prev != name {
		prevCtx.SetActive(false)
	}
	v.(*Context).SetActive(true)

	return true
}

// ActiveName returns the name of the currently active context.
func (s *Store) ActiveName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeName
}

// AppendMessage appends to the named context, creating it first if
// necessary (e.g. an unsolicited query from an unknown sender).
func (s *Store) AppendMessage(name string, kind ContextKind, text, style string, ts time.Time) {
	ctx := s.GetOrCreate(name, kind)
	ctx.AppendMessage(text, style, ts)
}

// Names returns every context name in creation order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.insertOrder))
	copy(out, s.insertOrder)
	return out
}
