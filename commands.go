// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"fmt"
	"strings"
)

// Commands wraps a Client with validated helpers for the outbound
// side of common IRC actions, so callers don't hand-build
// ParsedMessage values for everyday traffic. Grounded on girc's
// Commands (commands.go: Join/Part/Message/Action/Notice/Kick/...),
// trimmed to the subset this system's dispatcher and trigger engine
// actually exercise.
type Commands struct {
	c *Client
}

// Join enters channel, optionally with a key.
func (cmd *Commands) Join(channel, key string) error {
	if !IsValidChannel(channel) {
		return fmt.Errorf("tirc: invalid channel %q", channel)
	}
	if key != "" {
		cmd.c.Send(NewMessage("JOIN", []string{channel, key}, "", false))
	} else {
		cmd.c.Send(NewMessage("JOIN", []string{channel}, "", false))
	}
	return nil
}

// Part leaves channel, optionally with a parting message.
func (cmd *Commands) Part(channel, message string) error {
	if !IsValidChannel(channel) {
		return fmt.Errorf("tirc: invalid channel %q", channel)
	}
	cmd.c.Send(NewMessage("PART", []string{channel}, message, message != ""))
	return nil
}

// Message sends a PRIVMSG to target (channel or nick).
func (cmd *Commands) Message(target, text string) error {
	if !IsValidChannel(target) && !IsValidNick(target) {
		return fmt.Errorf("tirc: invalid target %q", target)
	}
	cmd.c.Send(NewMessage("PRIVMSG", []string{target}, text, true))
	return nil
}

// Notice sends a NOTICE to target.
func (cmd *Commands) Notice(target, text string) error {
	if !IsValidChannel(target) && !IsValidNick(target) {
		return fmt.Errorf("tirc: invalid target %q", target)
	}
	cmd.c.Send(NewMessage("NOTICE", []string{target}, text, true))
	return nil
}

// Action sends a CTCP ACTION (/me) to target.
func (cmd *Commands) Action(target, text string) error {
	return cmd.Message(target, fmt.Sprintf("\x01ACTION %s\x01", text))
}

// Topic sets channel's topic.
func (cmd *Commands) Topic(channel, topic string) error {
	if !IsValidChannel(channel) {
		return fmt.Errorf("tirc: invalid channel %q", channel)
	}
	cmd.c.Send(NewMessage("TOPIC", []string{channel}, topic, true))
	return nil
}

// Kick removes nick from channel, optionally with a reason.
func (cmd *Commands) Kick(channel, nick, reason string) error {
	if !IsValidChannel(channel) {
		return fmt.Errorf("tirc: invalid channel %q", channel)
	}
	if !IsValidNick(nick) {
		return fmt.Errorf("tirc: invalid nick %q", nick)
	}
	cmd.c.Send(NewMessage("KICK", []string{channel, nick}, reason, reason != ""))
	return nil
}

// Nick requests a nickname change.
func (cmd *Commands) Nick(name string) error {
	if !IsValidNick(name) {
		return fmt.Errorf("tirc: invalid nick %q", name)
	}
	cmd.c.Send(NewMessage("NICK", []string{name}, "", false))
	return nil
}

// Whois queries a user's WHOIS information.
func (cmd *Commands) Whois(nick string) error {
	if !IsValidNick(nick) {
		return fmt.Errorf("tirc: invalid nick %q", nick)
	}
	cmd.c.Send(NewMessage("WHOIS", []string{nick}, "", false))
	return nil
}

// Who issues a WHO query against target.
func (cmd *Commands) Who(target string) error {
	cmd.c.Send(NewMessage("WHO", []string{target}, "", false))
	return nil
}

// SendRaw parses raw as wire syntax and transmits it verbatim.
func (cmd *Commands) SendRaw(raw string) error {
	m, err := ParseMessage(raw)
	if err != nil {
		return fmt.Errorf("tirc: invalid raw command %q: %w", raw, err)
	}
	cmd.c.Send(m)
	return nil
}

// Execute parses a slash-prefixed user command (e.g. "/join #dev",
// "/me waves", "/msg nick hello there") and issues the corresponding
// outbound message against defaultTarget when the command omits one.
// A line with no leading "/" is treated as a PRIVMSG to defaultTarget.
// This is also the entry point the Trigger Engine's Command action
// kind resolves through, per triggers.go's TriggerOutcome.Command.
func (cmd *Commands) Execute(line, defaultTarget string) error {
	if !strings.HasPrefix(line, "/") {
		return cmd.Message(defaultTarget, line)
	}
	if strings.HasPrefix(line, "//") {
		return cmd.Message(defaultTarget, line[1:])
	}

	body := line[1:]
	sp := strings.IndexByte(body, ' ')
	var name, rest string
	if sp < 0 {
		name = body
	} else {
		name = body[:sp]
		rest = strings.TrimSpace(body[sp+1:])
	}
	name = strings.ToUpper(name)

	switch name {
	case "JOIN":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return fmt.Errorf("tirc: /join requires a channel")
		}
		key := ""
		if len(fields) > 1 {
			key = fields[1]
		}
		return cmd.Join(fields[0], key)

	case "PART":
		fields := strings.SplitN(rest, " ", 2)
		target := defaultTarget
		reason := ""
		if len(fields) > 0 && fields[0] != "" {
			target = fields[0]
		}
		if len(fields) > 1 {
			reason = fields[1]
		}
		return cmd.Part(target, reason)

	case "ME":
		return cmd.Action(defaultTarget, rest)

	case "MSG", "QUERY":
		fields := strings.SplitN(rest, " ", 2)
		if len(fields) < 2 {
			return fmt.Errorf("tirc: /msg requires a target and a message")
		}
		return cmd.Message(fields[0], fields[1])

	case "NOTICE":
		fields := strings.SplitN(rest, " ", 2)
		if len(fields) < 2 {
			return fmt.Errorf("tirc: /notice requires a target and a message")
		}
		return cmd.Notice(fields[0], fields[1])

	case "NICK":
		if rest == "" {
			return fmt.Errorf("tirc: /nick requires a nickname")
		}
		return cmd.Nick(rest)

	case "TOPIC":
		fields := strings.SplitN(rest, " ", 2)
		target := defaultTarget
		topic := ""
		if len(fields) > 0 && fields[0] != "" {
			target = fields[0]
		}
		if len(fields) > 1 {
			topic = fields[1]
		}
		return cmd.Topic(target, topic)

	case "KICK":
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) < 2 {
			return fmt.Errorf("tirc: /kick requires a channel and a nick")
		}
		reason := ""
		if len(fields) > 2 {
			reason = fields[2]
		}
		return cmd.Kick(fields[0], fields[1], reason)

	case "WHOIS":
		if rest == "" {
			return fmt.Errorf("tirc: /whois requires a nick")
		}
		return cmd.Whois(rest)

	case "WHO":
		return cmd.Who(rest)

	case "QUOTE", "RAW":
		return cmd.SendRaw(rest)

	default:
		return fmt.Errorf("tirc: unknown command %q", name)
	}
}
