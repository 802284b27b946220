// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"testing"
	"time"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return New(Config{
		Server: "irc.example.org",
		Port:   6697,
		SSL:    true,
		Nick:   "tester",
		User:   "tester",
		Name:   "test client",
	})
}

func nextSentLine(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case line := <-c.Transport.tx:
		return line
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an outbound line")
		return ""
	}
}

func TestCommandsJoin(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Join("#general", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got, want := nextSentLine(t, c), "JOIN #general"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if err := c.Cmd.Join("#general", "secret"); err != nil {
		t.Fatalf("Join with key: %v", err)
	}
	if got, want := nextSentLine(t, c), "JOIN #general secret"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if err := c.Cmd.Join("not a channel", ""); err == nil {
		t.Error("expected error for invalid channel name")
	}
}

func TestCommandsPart(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Part("#general", "goodbye"); err != nil {
		t.Fatalf("Part: %v", err)
	}
	if got, want := nextSentLine(t, c), "PART #general :goodbye"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if err := c.Cmd.Part("notachannel", ""); err == nil {
		t.Error("expected error for invalid channel name")
	}
}

func TestCommandsMessageValidatesTarget(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Message("alice", "hi there"); err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got, want := nextSentLine(t, c), "PRIVMSG alice :hi there"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if err := c.Cmd.Message("", "hi"); err == nil {
		t.Error("expected error for empty target")
	}
}

func TestCommandsAction(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Action("#general", "waves"); err != nil {
		t.Fatalf("Action: %v", err)
	}
	want := "PRIVMSG #general :\x01ACTION waves\x01"
	if got := nextSentLine(t, c); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsKickValidation(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Kick("#general", "alice", "spamming"); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if got, want := nextSentLine(t, c), "KICK #general alice :spamming"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if err := c.Cmd.Kick("#general", "not a nick", ""); err == nil {
		t.Error("expected error for invalid nick")
	}
	if err := c.Cmd.Kick("notachannel", "alice", ""); err == nil {
		t.Error("expected error for invalid channel")
	}
}

func TestCommandsSendRawInvalid(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.SendRaw(""); err == nil {
		t.Error("expected error for empty raw line")
	}
}

func TestCommandsExecutePlainTextGoesToDefaultTarget(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("just chatting", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, want := nextSentLine(t, c), "PRIVMSG #general :just chatting"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteEscapedSlash(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("//not a real command", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, want := nextSentLine(t, c), "PRIVMSG #general :/not a real command"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteJoin(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/join #dev devkey", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, want := nextSentLine(t, c), "JOIN #dev devkey"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteJoinRequiresChannel(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/join", "#general"); err == nil {
		t.Error("expected error for /join with no channel")
	}
}

func TestCommandsExecuteMe(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/me waves hello", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "PRIVMSG #general :\x01ACTION waves hello\x01"
	if got := nextSentLine(t, c); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteMsg(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/msg bob how are you", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, want := nextSentLine(t, c), "PRIVMSG bob :how are you"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteMsgRequiresMessage(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/msg bob", "#general"); err == nil {
		t.Error("expected error for /msg with no message body")
	}
}

func TestCommandsExecutePartDefaultsToTarget(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/part", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, want := nextSentLine(t, c), "PART #general"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteTopic(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/topic #general new topic text", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, want := nextSentLine(t, c), "TOPIC #general :new topic text"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteKick(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/kick #general alice being rude", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, want := nextSentLine(t, c), "KICK #general alice :being rude"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteKickRequiresChannelAndNick(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/kick #general", "#general"); err == nil {
		t.Error("expected error for /kick with no nick")
	}
}

func TestCommandsExecuteWhois(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/whois alice", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, want := nextSentLine(t, c), "WHOIS alice"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteQuote(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/quote PING :hello", "#general"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, want := nextSentLine(t, c), "PING :hello"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCommandsExecuteUnknownCommand(t *testing.T) {
	c := newTestClient(t)
	if err := c.Cmd.Execute("/bogus whatever", "#general"); err == nil {
		t.Error("expected error for unknown slash command")
	}
}
