// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import "strings"

// Non-RFC but widely deployed user-prefix mode letters and symbols.
const (
	ModeOwner        = "q"
	ModeAdmin        = "a"
	ModeOperator     = "o"
	ModeHalfOperator = "h"
	ModeVoice        = "v"

	OwnerPrefix        = "~"
	AdminPrefix        = "&"
	OperatorPrefix     = "@"
	HalfOperatorPrefix = "%"
	VoicePrefix        = "+"
)

// ModeDefaults and DefaultPrefixes are used until ISUPPORT (005)
// CHANMODES/PREFIX tokens are received from the server.
const (
	ModeDefaults    = "b,k,l,imnpst"
	DefaultPrefixes = "(qaohv)~&@%+"
)

// CMode is one parsed mode change: its letter, whether it is being added
// or removed, whether it is a channel setting tracked by CModes.apply, and
// its argument, if any. setting is false for list and user-prefix modes,
// which still carry arguments.
type CMode struct {
	add     bool
	name    byte
	setting bool
	args    string
}

// Short renders the mode as "+o" or "-b".
func (c *CMode) Short() string {
	status := "-"
	if c.add {
		status = "+"
	}
	return status + string(c.name)
}

func (c *CMode) String() string {
	if len(c.args) == 0 {
		return c.Short()
	}
	return c.Short() + " " + c.args
}

// CModes tracks a channel's currently-set modes against the server's
// CHANMODES token, which classifies every mode letter into one of four
// argument-taking categories (A, B, C, D; see RFC ISUPPORT docs).
type CModes struct {
	raw           string
	modesListArgs string
	modesArgs     string
	modesSetArgs  string
	modesNoArgs   string

	prefixes string
	modes    []CMode
}

func (c *CModes) String() string {
	var out, args string

	if len(c.modes) > 0 {
		out += "+"
	}
	for i := range c.modes {
		out += string(c.modes[i].name)
		if len(c.modes[i].args) > 0 {
			args += " " + c.modes[i].args
		}
	}

	return out + args
}

func (c *CModes) hasArg(set bool, mode byte) (hasArgs, isSetting bool) {
	if len(c.raw) < 1 {
		return false, true
	}

	if strings.IndexByte(c.modesListArgs, mode) > -1 {
		return true, false
	}
	if strings.IndexByte(c.modesArgs, mode) > -1 {
		return true, true
	}
	if strings.IndexByte(c.modesSetArgs, mode) > -1 {
		if set {
			return true, true
		}
		return false, true
	}
	if strings.IndexByte(c.prefixes, mode) > -1 {
		return true, false
	}

	return false, true
}

// apply merges a parsed mode change list into the channel's current mode
// set, replacing settings that were re-specified and dropping ones that
// were removed.
func (c *CModes) apply(modes []CMode) {
	var merged []CMode

	for j := range c.modes {
		keep := true
		for i := range modes {
			if !modes[i].setting {
				continue
			}
			if c.modes[j].name == modes[i].name && modes[i].add {
				merged = append(merged, modes[i])
				keep = false
				break
			}
		}
		if keep {
			merged = append(merged, c.modes[j])
		}
	}

	for i := range modes {
		if !modes[i].setting || !modes[i].add {
			continue
		}

		already := false
		for j := range merged {
			if modes[i].name == merged[j].name {
				already = true
				break
			}
		}
		if !already {
			merged = append(merged, modes[i])
		}
	}

	c.modes = merged
}

func (c *CModes) parse(flags string, args []string) (out []CMode) {
	add := true
	argCount := 0

	for i := 0; i < len(flags); i++ {
		switch flags[i] {
		case '+':
			add = true
			continue
		case '-':
			add = false
			continue
		}

		mode := CMode{name: flags[i], add: add}

		hasArgs, isSetting := c.hasArg(add, flags[i])
		if hasArgs && len(args) >= argCount+1 {
			mode.args = args[argCount]
			argCount++
		}
		mode.setting = isSetting

		out = append(out, mode)
	}

	return out
}

func newCModes(channelModes, userPrefixes string) CModes {
	split := strings.SplitN(channelModes, ",", 4)
	for i := len(split); i < 4; i++ {
		split = append(split, "")
	}

	return CModes{
		raw:           channelModes,
		modesListArgs: split[0],
		modesArgs:     split[1],
		modesSetArgs:  split[2],
		modesNoArgs:   split[3],
		prefixes:      userPrefixes,
	}
}

func isValidChannelMode(raw string) bool {
	if len(raw) < 1 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != ',' && (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

func isValidUserPrefix(raw string) bool {
	if len(raw) < 1 || raw[0] != '(' {
		return false
	}

	var keys, rep int
	var passedKeys bool

	for i := 1; i < len(raw); i++ {
		if raw[i] == ')' {
			passedKeys = true
			continue
		}
		if passedKeys {
			rep++
		} else {
			keys++
		}
	}

	return keys == rep
}

func parsePrefixes(raw string) (modes, prefixes string) {
	if !isValidUserPrefix(raw) {
		return "", ""
	}

	i := strings.Index(raw, ")")
	if i < 1 {
		return "", ""
	}

	return raw[1:i], raw[i+1:]
}

// UserPerms tracks a user's channel-scoped permissions, driven by mode
// letters or NAMES/WHO reply prefixes.
type UserPerms struct {
	Owner  bool
	Admin  bool
	Op     bool
	HalfOp bool
	Voice  bool
}

// IsAdmin reports whether the user has ban-capable permissions.
func (m UserPerms) IsAdmin() bool {
	return m.Owner || m.Admin || m.Op
}

// IsTrusted reports whether the user has any elevated permission at all.
func (m UserPerms) IsTrusted() bool {
	return m.IsAdmin() || m.HalfOp || m.Voice
}

func (m *UserPerms) reset() {
	*m = UserPerms{}
}

// set translates NAMES/WHO-reply prefix characters into permissions.
// append preserves any existing permissions instead of replacing them.
func (m *UserPerms) set(prefix string, appendMode bool) {
	if !appendMode {
		m.reset()
	}

	for i := 0; i < len(prefix); i++ {
		switch string(prefix[i]) {
		case OwnerPrefix:
			m.Owner = true
		case AdminPrefix:
			m.Admin = true
		case OperatorPrefix:
			m.Op = true
		case HalfOperatorPrefix:
			m.HalfOp = true
		case VoicePrefix:
			m.Voice = true
		}
	}
}

func (m *UserPerms) setFromMode(mode CMode) {
	switch string(mode.name) {
	case ModeOwner:
		m.Owner = mode.add
	case ModeAdmin:
		m.Admin = mode.add
	case ModeOperator:
		m.Op = mode.add
	case ModeHalfOperator:
		m.HalfOp = mode.add
	case ModeVoice:
		m.Voice = mode.add
	}
}

// parseUserPrefix splits a NAMES-reply token like "@+user" into its mode
// prefix characters and the bare nickname.
func parseUserPrefix(raw string) (modes, nick string, success bool) {
	for i := 0; i < len(raw); i++ {
		char := string(raw[i])

		if char == OwnerPrefix || char == AdminPrefix || char == HalfOperatorPrefix ||
			char == OperatorPrefix || char == VoicePrefix {
			modes += char
			continue
		}

		if !IsValidNick(raw[i:]) {
			return modes, nick, false
		}

		return modes, raw[i:], true
	}

	return modes, nick, false
}

// IsValidChannel reports whether name begins with a recognized channel
// prefix (#, &, !, or +).
func IsValidChannel(name string) bool {
	if len(name) < 2 {
		return false
	}
	switch name[0] {
	case '#', '&', '!', '+':
		return true
	default:
		return false
	}
}

// IsValidNick reports whether nick is composed of characters permitted
// in an IRC nickname (RFC 2812 <nickname>, relaxed to allow a leading
// digit, as most networks do in practice).
func IsValidNick(nick string) bool {
	if nick == "" || len(nick) > 30 {
		return false
	}

	for i := 0; i < len(nick); i++ {
		c := nick[i]
		alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		special := strings.ContainsRune(`-[]\`+"`"+`^{}|_`, rune(c))
		if !alnum && !special {
			return false
		}
	}

	return true
}
