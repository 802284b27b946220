// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Numeric replies this dispatcher treats specially. Unlisted numerics
// fall through to the Status context as raw text.
const (
	RPL_WELCOME       = 1
	RPL_CREATED       = 3
	RPL_NOTOPIC       = 331
	RPL_TOPIC         = 332
	RPL_NAMREPLY      = 353
	RPL_ENDOFNAMES    = 366
	RPL_WHOISUSER     = 311
	RPL_ENDOFWHOIS    = 318
	RPL_WHOREPLY      = 352
	RPL_ENDOFWHO      = 315
	RPL_WHOWASUSER    = 314
	RPL_ENDOFWHOWAS   = 369
	RPL_LISTSTART     = 321
	RPL_LIST          = 322
	RPL_LISTEND       = 323
	ERR_NOSUCHNICK    = 401
	ERR_NOSUCHCHANNEL = 403
	ERR_NICKNAMEINUSE = 433
)

var channelJoinErrors = map[int]bool{
	471: true, 473: true, 474: true, 475: true,
}

var saslResultNumerics = map[int]bool{
	900: true, 902: true, 903: true, 904: true, 905: true, 906: true, 907: true, 908: true,
}

// Dispatcher routes a ParsedMessage to command- and numeric-specific
// handlers, mutating the Context Store and publishing Event Bus
// notifications. Grounded on girc's handler table style (handlers.go/
// builtin.go, both table-driven dispatch by event.Command) and
// original_source/irc_numeric_handlers.py's numeric-to-handler map,
// merged into one dispatcher since this system has no separate
// "is this numeric tracked" gate: unknown numerics simply render to
// Status.
type Dispatcher struct {
	Store *Store
	Bus   *Bus

	CapNeg       *CapNegotiator
	SASL         *SASLAuthenticator
	Registration *RegistrationCoordinator

	// SendLine transmits a message the dispatcher itself originates
	// (PONG, NAMES/MODE follow-ups).
	SendLine func(m *ParsedMessage)

	// Me returns our current nickname.
	Me func() string

	// IgnorePatterns returns the current ignore-list glob patterns,
	// matched against "nick!user@host".
	IgnorePatterns func() []string

	// ActiveListContext names the context that a /LIST reply in flight
	// should be routed to; "" routes to Status.
	ActiveListContext func() string
}

// Dispatch routes one parsed message. It never returns an error: all
// failure modes (malformed numerics, unknown commands) degrade to a
// Status log line.
func (d *Dispatcher) Dispatch(m *ParsedMessage) {
	if m.Numeric != 0 {
		d.dispatchNumeric(m)
		return
	}

	switch m.Command {
	case "PRIVMSG":
		d.handlePrivmsg(m, false)
	case "NOTICE":
		d.handlePrivmsg(m, true)
	case "JOIN":
		d.handleJoin(m)
	case "PART":
		d.handlePart(m)
	case "QUIT":
		d.handleQuit(m)
	case "KICK":
		d.handleKick(m)
	case "NICK":
		d.handleNick(m)
	case "MODE":
		d.handleMode(m)
	case "TOPIC":
		d.handleTopic(m)
	case "CHGHOST":
		d.handleChghost(m)
	case "CAP":
		d.handleCap(m)
	case "AUTHENTICATE":
		d.handleAuthenticate(m)
	case "PING":
		d.handlePing(m)
	default:
		d.statusf("%s", m.Serialize())
	}
}

func (d *Dispatcher) statusf(format string, args ...interface{}) {
	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}
	d.Store.AppendMessage(StatusContextName, KindStatus, text, "system", time.Now())
}

func (d *Dispatcher) me() string {
	if d.Me != nil {
		return d.Me()
	}
	return ""
}

func (d *Dispatcher) publish(channel string, data map[string]interface{}) {
	if d.Bus != nil {
		d.Bus.Publish(channel, data)
	}
}

func (d *Dispatcher) handlePrivmsg(m *ParsedMessage, notice bool) {
	if len(m.Params) == 0 {
		return
	}
	target := m.Params[0]
	text := m.Trailing

	if d.isIgnored(m.Source) {
		return
	}

	var ctxName string
	var kind ContextKind
	style := "message"

	switch {
	case IsValidChannel(target):
		ctxName, kind = target, KindChannel
	case target == d.me():
		nick := m.SourceNick()
		if nick == "" {
			ctxName, kind = StatusContextName, KindStatus
		} else if notice && (m.Source == nil || !strings.Contains(m.Source.String(), "!")) {
			ctxName, kind = StatusContextName, KindStatus
		} else {
			ctxName, kind = nick, KindQuery
		}
	default:
		ctxName, kind = StatusContextName, KindStatus
	}

	if d.me() != "" && containsWord(text, d.me()) {
		style = "highlight"
	}

	nick := m.SourceNick()
	var rendered string
	if notice {
		rendered = fmt.Sprintf("-%s- %s", nick, text)
	} else {
		rendered = fmt.Sprintf("<%s> %s", nick, text)
	}

	d.Store.AppendMessage(ctxName, kind, rendered, style, time.Now())

	eventName := "Privmsg"
	if notice {
		eventName = "Notice"
	}
	d.publish(eventName, map[string]interface{}{
		"nick": nick, "userhost": userhostOf(m.Source), "target": target,
		"message": text, "is_channel": IsValidChannel(target), "tags": m.Tags,
	})
}

func userhostOf(src *Source) string {
	if src == nil {
		return ""
	}
	return src.Userhost()
}

func (d *Dispatcher) isIgnored(src *Source) bool {
	if src == nil || d.IgnorePatterns == nil {
		return false
	}
	userhost := strings.ToLower(src.Userhost())
	for _, pat := range d.IgnorePatterns() {
		if ok, _ := path.Match(strings.ToLower(pat), userhost); ok {
			return true
		}
	}
	return false
}

func containsWord(text, word string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(word))
}

func (d *Dispatcher) handleJoin(m *ParsedMessage) {
	if len(m.Params) == 0 {
		return
	}
	channel := m.Params[0]
	nick := m.SourceNick()

	ctx := d.Store.GetOrCreate(channel, KindChannel)

	if nick == d.me() {
		ctx.SetJoinStatus(SelfJoinReceived)
		ctx.ClearUsers()
		if d.SendLine != nil {
			d.SendLine(NewMessage("NAMES", []string{channel}, "", false))
			d.SendLine(NewMessage("MODE", []string{channel}, "", false))
		}
	} else {
		ctx.AddUser(nick, "")
	}

	ctx.AppendMessage(fmt.Sprintf("%s has joined %s", nick, channel), "join", time.Now())

	data := map[string]interface{}{
		"nick": nick, "userhost": userhostOf(m.Source), "channel": channel,
		"is_self": nick == d.me(),
	}
	if len(m.Params) > 1 {
		data["account"] = m.Params[1]
	}
	if m.HasTrailing {
		data["realname"] = m.Trailing
	}
	d.publish("Join", data)
}

func (d *Dispatcher) handlePart(m *ParsedMessage) {
	if len(m.Params) == 0 {
		return
	}
	channel := m.Params[0]
	nick := m.SourceNick()

	ctx := d.Store.Get(channel)
	if ctx == nil {
		return
	}

	if nick == d.me() {
		ctx.SetJoinStatus(NotJoined)
		ctx.ClearUsers()
		d.selectFallbackIfActive(channel)
	} else {
		ctx.RemoveUser(nick)
	}

	ctx.AppendMessage(fmt.Sprintf("%s has left %s (%s)", nick, channel, m.Trailing), "part", time.Now())
	d.publish("Part", map[string]interface{}{
		"nick": nick, "userhost": userhostOf(m.Source), "channel": channel,
		"reason": m.Trailing, "is_self": nick == d.me(),
	})
}

func (d *Dispatcher) handleQuit(m *ParsedMessage) {
	nick := m.SourceNick()
	for _, name := range d.Store.Names() {
		ctx := d.Store.Get(name)
		if ctx != nil && ctx.Kind() == KindChannel && ctx.HasUser(nick) {
			ctx.RemoveUser(nick)
			ctx.AppendMessage(fmt.Sprintf("%s has quit (%s)", nick, m.Trailing), "quit", time.Now())
		}
	}
	d.publish("Quit", map[string]interface{}{
		"nick": nick, "userhost": userhostOf(m.Source), "reason": m.Trailing,
	})
}

func (d *Dispatcher) handleKick(m *ParsedMessage) {
	if len(m.Params) < 2 {
		return
	}
	channel, kicked := m.Params[0], m.Params[1]

	ctx := d.Store.Get(channel)
	if ctx == nil {
		return
	}

	if kicked == d.me() {
		ctx.SetJoinStatus(NotJoined)
		ctx.ClearUsers()
		d.selectFallbackIfActive(channel)
	} else {
		ctx.RemoveUser(kicked)
	}

	ctx.AppendMessage(fmt.Sprintf("%s was kicked by %s (%s)", kicked, m.SourceNick(), m.Trailing), "kick", time.Now())
	d.publish("Kick", map[string]interface{}{
		"channel": channel, "kicked": kicked, "by": m.SourceNick(), "reason": m.Trailing,
	})
}

func (d *Dispatcher) selectFallbackIfActive(channel string) {
	if d.Store.ActiveName() != channel {
		return
	}
	next := StatusContextName
	for _, name := range d.Store.Names() {
		if ctx := d.Store.Get(name); name != channel && ctx != nil && ctx.Kind() == KindChannel {
			next = name
			break
		}
	}
	d.Store.SetActive(next)
}

func (d *Dispatcher) handleNick(m *ParsedMessage) {
	if len(m.Params) == 0 {
		return
	}
	oldNick, newNick := m.SourceNick(), m.Params[0]

	for _, name := range d.Store.Names() {
		ctx := d.Store.Get(name)
		if ctx != nil && ctx.Kind() == KindChannel && ctx.HasUser(oldNick) {
			ctx.RenameUser(oldNick, newNick)
		}
	}

	d.publish("Nick", map[string]interface{}{
		"old_nick": oldNick, "new_nick": newNick, "userhost": userhostOf(m.Source),
		"is_self": oldNick == d.me(),
	})
}

func (d *Dispatcher) handleMode(m *ParsedMessage) {
	if len(m.Params) < 2 || !IsValidChannel(m.Params[0]) {
		return
	}

	ctx := d.Store.Get(m.Params[0])
	if ctx == nil {
		return
	}

	flags := m.Params[1]
	var args []string
	if len(m.Params) > 2 {
		args = m.Params[2:]
	}

	if ctx.modes.raw == "" {
		prefixModes, _ := parsePrefixes(DefaultPrefixes)
		ctx.modes = newCModes(ModeDefaults, prefixModes)
	}
	changes := ctx.modes.parse(flags, args)
	ctx.modes.apply(changes)

	for _, ch := range changes {
		if ch.setting || len(ch.args) == 0 {
			continue
		}
		applyRosterPrefixChange(ctx, ch)
	}

	d.publish("ChannelModeApplied", map[string]interface{}{
		"channel": m.Params[0], "flags": flags, "args": args,
	})
	d.publish("Mode", map[string]interface{}{
		"target": m.Params[0], "setter": m.SourceNick(), "setter_userhost": userhostOf(m.Source),
		"mode_string": flags, "mode_params": args, "parsed_modes": changes,
	})
}

func applyRosterPrefixChange(ctx *Context, ch CMode) {
	symbol := modeLetterToPrefix(ch.name)
	if symbol == "" {
		return
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	current := ctx.users[ch.args]
	if ch.add {
		if !strings.Contains(current, symbol) {
			ctx.users[ch.args] = current + symbol
		}
	} else {
		ctx.users[ch.args] = strings.ReplaceAll(current, symbol, "")
	}
}

func modeLetterToPrefix(letter byte) string {
	switch string(letter) {
	case ModeOwner:
		return OwnerPrefix
	case ModeAdmin:
		return AdminPrefix
	case ModeOperator:
		return OperatorPrefix
	case ModeHalfOperator:
		return HalfOperatorPrefix
	case ModeVoice:
		return VoicePrefix
	default:
		return ""
	}
}

func (d *Dispatcher) handleTopic(m *ParsedMessage) {
	if len(m.Params) == 0 {
		return
	}
	ctx := d.Store.GetOrCreate(m.Params[0], KindChannel)
	ctx.SetTopic(m.Trailing)
	ctx.AppendMessage(fmt.Sprintf("%s changed the topic to: %s", m.SourceNick(), m.Trailing), "topic", time.Now())
	d.publish("Topic", map[string]interface{}{
		"nick": m.SourceNick(), "userhost": userhostOf(m.Source), "channel": m.Params[0], "topic": m.Trailing,
	})
}

func (d *Dispatcher) handleChghost(m *ParsedMessage) {
	if m.Source == nil || len(m.Params) < 2 {
		return
	}
	nick := m.Source.Name
	oldUserhost := m.Source.String()
	newIdent, newHost := m.Params[0], m.Params[1]
	d.publish("Chghost", map[string]interface{}{
		"nick": nick, "new_ident": newIdent, "new_host": newHost, "old_userhost": oldUserhost,
	})
}

func (d *Dispatcher) handleCap(m *ParsedMessage) {
	if len(m.Params) < 2 {
		return
	}
	sub := strings.ToUpper(m.Params[1])

	payload := m.Trailing
	if !m.HasTrailing && len(m.Params) > 2 {
		payload = strings.Join(m.Params[2:], " ")
	}

	more := false
	if len(m.Params) > 2 && m.Params[2] == "*" {
		more = true
	}

	if d.CapNeg == nil {
		return
	}

	switch sub {
	case "LS":
		d.CapNeg.HandleLS(payload, more)
	case "ACK":
		d.CapNeg.HandleACK(payload)
	case "NAK":
		d.CapNeg.HandleNAK(payload)
	case "NEW":
		d.CapNeg.HandleNEW(payload)
	case "DEL":
		d.CapNeg.HandleDEL(payload)
	}
}

func (d *Dispatcher) handleAuthenticate(m *ParsedMessage) {
	if d.SASL == nil || len(m.Params) == 0 {
		return
	}
	d.SASL.OnAuthenticateChallenge(m.Params[0])
}

func (d *Dispatcher) handlePing(m *ParsedMessage) {
	if d.SendLine == nil {
		return
	}
	d.SendLine(NewMessage("PONG", nil, m.Trailing, true))
}

func (d *Dispatcher) dispatchNumeric(m *ParsedMessage) {
	switch m.Numeric {
	case RPL_WELCOME:
		if d.Registration != nil && len(m.Params) > 0 {
			d.Registration.OnWelcome(m.Params[0], m.Trailing)
		}
	case RPL_CREATED:
		d.handleCreated(m)
	case RPL_NOTOPIC:
		d.numericStatus(m)
	case RPL_TOPIC:
		if len(m.Params) >= 2 {
			ctx := d.Store.GetOrCreate(m.Params[1], KindChannel)
			ctx.SetTopic(m.Trailing)
		}
	case RPL_NAMREPLY:
		d.handleNamReply(m)
	case RPL_ENDOFNAMES:
		if len(m.Params) >= 2 {
			if ctx := d.Store.Get(m.Params[1]); ctx != nil {
				ctx.SetJoinStatus(FullyJoined)
				d.publish("ChannelFullyJoined", map[string]interface{}{"channel_name": m.Params[1]})
			}
		}
	case RPL_WHOISUSER, RPL_ENDOFWHOIS, RPL_WHOREPLY, RPL_ENDOFWHO:
		d.numericStatus(m)
	case RPL_WHOWASUSER, RPL_ENDOFWHOWAS:
		d.numericStatus(m)
	case RPL_LISTSTART, RPL_LIST, RPL_LISTEND:
		d.routeListNumeric(m)
	case ERR_NOSUCHNICK, ERR_NOSUCHCHANNEL:
		d.numericStatus(m)
	case ERR_NICKNAMEINUSE:
		if d.Registration != nil {
			d.Registration.OnNicknameInUse()
		}
	default:
		if saslResultNumerics[m.Numeric] {
			if d.SASL != nil {
				d.SASL.OnResult(m.Numeric, m.Trailing)
			}
			return
		}
		if channelJoinErrors[m.Numeric] {
			d.handleJoinError(m)
			return
		}
		d.numericStatus(m)
	}
}

// handleCreated parses the free-form "this server was created <date>"
// text of RPL_CREATED and records the result on the Store. Servers
// don't agree on a single date layout here, so this scans for the
// first recognizable weekday abbreviation and hands the remainder to
// a loose date parser, the same approach girc's handleCREATED takes
// with dateparse.ParseAny.
func (d *Dispatcher) handleCreated(m *ParsedMessage) {
	d.numericStatus(m)

	words := strings.Fields(m.Trailing)
	days := []string{"Mon,", "Tue,", "Wed,", "Thu,", "Fri,", "Sat,", "Sun,"}
	start := -1
	for i, w := range words {
		for _, day := range days {
			if w == day {
				start = i
				break
			}
		}
		if start != -1 {
			break
		}
	}
	if start == -1 {
		return
	}

	t, err := dateparse.ParseAny(strings.Join(words[start:], " "))
	if err != nil {
		return
	}
	d.Store.SetServerCreated(t)
}

func (d *Dispatcher) handleJoinError(m *ParsedMessage) {
	if len(m.Params) < 2 {
		d.numericStatus(m)
		return
	}
	if ctx := d.Store.Get(m.Params[1]); ctx != nil {
		ctx.SetJoinStatus(JoinFailed)
	}
	d.numericStatus(m)
}

func (d *Dispatcher) handleNamReply(m *ParsedMessage) {
	if len(m.Params) < 3 {
		return
	}
	channel := m.Params[2]
	ctx := d.Store.GetOrCreate(channel, KindChannel)

	for _, token := range strings.Fields(m.Trailing) {
		prefix, nick, ok := parseUserPrefix(token)
		if !ok {
			continue
		}
		ctx.AddUser(nick, prefix)
	}
}

func (d *Dispatcher) routeListNumeric(m *ParsedMessage) {
	target := StatusContextName
	kind := KindStatus
	if d.ActiveListContext != nil {
		if name := d.ActiveListContext(); name != "" {
			if ctx := d.Store.Get(name); ctx != nil && ctx.Kind() == KindListResults {
				target, kind = name, KindListResults
			}
		}
	}

	d.Store.AppendMessage(target, kind, m.Serialize(), "list", time.Now())
}

func (d *Dispatcher) numericStatus(m *ParsedMessage) {
	text := m.Trailing
	if text == "" && len(m.Params) > 0 {
		text = strings.Join(m.Params[1:], " ")
	}
	d.Store.AppendMessage(StatusContextName, KindStatus, fmt.Sprintf("[%03d] %s", m.Numeric, text), "numeric", time.Now())

	source := ""
	if m.Source != nil {
		source = m.Source.String()
	}
	displayParams := m.Params
	if len(displayParams) > 0 {
		displayParams = displayParams[1:]
	}
	d.publish("RawIrcNumeric", map[string]interface{}{
		"numeric": m.Numeric, "source": source, "params_list": m.Params,
		"display_params_list": displayParams, "trailing": m.Trailing, "tags": m.Tags,
	})
}
