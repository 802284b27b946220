// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"testing"
	"time"
)

func TestNewStoreHasStatusContext(t *testing.T) {
	s := NewStore(false)
	if s.ActiveName() != StatusContextName {
		t.Errorf("ActiveName() = %q, want %q", s.ActiveName(), StatusContextName)
	}
	status := s.Get(StatusContextName)
	if status == nil {
		t.Fatal("expected Status context to exist")
	}
	if status.Kind() != KindStatus {
		t.Errorf("Status kind = %v, want KindStatus", status.Kind())
	}
}

func TestStoreHeadlessScrollbackCap(t *testing.T) {
	s := NewStore(true)
	if s.maxScrollback != defaultScrollbackHeadless {
		t.Errorf("maxScrollback = %d, want %d", s.maxScrollback, defaultScrollbackHeadless)
	}
}

func TestStoreGetOrCreateNormalizesChannelCase(t *testing.T) {
	s := NewStore(false)
	c1 := s.GetOrCreate("#General", KindChannel)
	c2 := s.GetOrCreate("#general", KindChannel)
	if c1 != c2 {
		t.Error("expected case-insensitive channel names to resolve to the same context")
	}
	if c1.Name() != "#general" {
		t.Errorf("Name() = %q, want lowercase", c1.Name())
	}
}

func TestStoreRemoveStatusIsNoop(t *testing.T) {
	s := NewStore(false)
	if s.Remove(StatusContextName) {
		t.Error("expected Remove(Status) to fail")
	}
}

func TestStoreRemoveAndFallback(t *testing.T) {
	s := NewStore(false)
	s.GetOrCreate("#first", KindChannel)
	s.GetOrCreate("#second", KindChannel)
	s.SetActive("#first")

	if !s.Remove("#first") {
		t.Fatal("expected Remove(#first) to succeed")
	}
	if s.Get("#first") != nil {
		t.Error("expected #first to be gone")
	}
	if s.ActiveName() != "#second" {
		t.Errorf("ActiveName() after removing active context = %q, want #second", s.ActiveName())
	}
}

func TestStoreFallbackPrefersChannelOverStatus(t *testing.T) {
	s := NewStore(false)
	if s.Fallback() != StatusContextName {
		t.Errorf("Fallback() with no channels = %q, want Status", s.Fallback())
	}
	s.GetOrCreate("#general", KindChannel)
	if s.Fallback() != "#general" {
		t.Errorf("Fallback() = %q, want #general", s.Fallback())
	}
}

func TestStoreSetActiveUnknownFails(t *testing.T) {
	s := NewStore(false)
	if s.SetActive("#nonexistent") {
		t.Error("expected SetActive on unknown context to fail")
	}
}

func TestStoreSetActiveResetsUnread(t *testing.T) {
	s := NewStore(false)
	ctx := s.GetOrCreate("#general", KindChannel)
	ctx.AppendMessage("hi", "", time.Now())
	if ctx.Unread() != 1 {
		t.Fatalf("Unread() = %d, want 1", ctx.Unread())
	}

	s.SetActive("#general")
	if ctx.Unread() != 0 {
		t.Errorf("Unread() after SetActive = %d, want 0", ctx.Unread())
	}
}

func TestStoreServerCreated(t *testing.T) {
	s := NewStore(false)
	if !s.ServerCreated().IsZero() {
		t.Error("expected zero time before SetServerCreated")
	}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.SetServerCreated(now)
	if !s.ServerCreated().Equal(now) {
		t.Errorf("ServerCreated() = %v, want %v", s.ServerCreated(), now)
	}
}

func TestStoreAppendMessageCreatesContext(t *testing.T) {
	s := NewStore(false)
	s.AppendMessage("#newchan", KindChannel, "hello", "", time.Now())
	ctx := s.Get("#newchan")
	if ctx == nil {
		t.Fatal("expected AppendMessage to create the context")
	}
	if len(ctx.Messages()) != 1 {
		t.Errorf("expected 1 message, got %d", len(ctx.Messages()))
	}
}

func TestStoreNames(t *testing.T) {
	s := NewStore(false)
	s.GetOrCreate("#a", KindChannel)
	s.GetOrCreate("#b", KindChannel)
	names := s.Names()
	want := []string{StatusContextName, "#a", "#b"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestContextAppendMessageBoundedRing(t *testing.T) {
	c := newContext("#test", KindChannel, 3)
	for i := 0; i < 5; i++ {
		c.AppendMessage(string(rune('a'+i)), "", time.Now())
	}
	msgs := c.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(Messages()) = %d, want 3", len(msgs))
	}
	if msgs[0].Text != "c" || msgs[2].Text != "e" {
		t.Errorf("expected oldest entries to be dropped, got %+v", msgs)
	}
}

func TestContextLastlog(t *testing.T) {
	c := newContext("#test", KindChannel, 10)
	for i := 0; i < 5; i++ {
		c.AppendMessage(string(rune('a'+i)), "", time.Now())
	}
	last := c.Lastlog(2)
	if len(last) != 2 || last[0].Text != "d" || last[1].Text != "e" {
		t.Errorf("Lastlog(2) = %+v", last)
	}
}

func TestContextUserRoster(t *testing.T) {
	c := newContext("#test", KindChannel, 10)
	c.AddUser("alice", "@")
	c.AddUser("bob", "")
	if !c.HasUser("alice") {
		t.Error("expected alice to be present")
	}
	if got := c.Users(); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("Users() = %v", got)
	}

	c.UpdatePrefix("bob", "+")
	c.RenameUser("bob", "bobby")
	if c.HasUser("bob") {
		t.Error("expected bob to be renamed away")
	}
	if !c.HasUser("bobby") {
		t.Error("expected bobby to be present after rename")
	}

	c.RemoveUser("alice")
	if c.HasUser("alice") {
		t.Error("expected alice to be removed")
	}
	if got := c.Users(); len(got) != 1 || got[0] != "bobby" {
		t.Errorf("Users() after remove = %v", got)
	}

	c.ClearUsers()
	if len(c.Users()) != 0 {
		t.Error("expected empty roster after ClearUsers")
	}
}

func TestContextTopicAndJoinStatus(t *testing.T) {
	c := newContext("#test", KindChannel, 10)
	c.SetTopic("welcome")
	if c.Topic() != "welcome" {
		t.Errorf("Topic() = %q", c.Topic())
	}

	c.SetJoinStatus(FullyJoined)
	if c.JoinStatus() != FullyJoined {
		t.Errorf("JoinStatus() = %v, want FullyJoined", c.JoinStatus())
	}
}
