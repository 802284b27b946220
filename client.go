// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"context"
	"crypto/tls"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds everything needed to dial and register with one IRC
// network. Mirrors the shape of girc's own Config, trimmed to the
// fields this system's components actually consume.
type Config struct {
	Server     string
	Port       int
	SSL        bool
	TLSConfig  *tls.Config
	Bind       string
	ServerPass string

	Nick     string
	User     string
	Name     string
	SASLUser string
	SASLPass string

	// RequestCaps lists IRCv3 capabilities to negotiate if the server
	// supports them. "sasl" is added automatically when SASLPass is set.
	RequestCaps []string

	// Headless shrinks default scrollback retention for non-interactive
	// use (e.g. a bot or a bridge process), per ctxstore.go's Store.
	Headless bool

	// IgnorePatterns lists nick!user@host glob patterns (case
	// insensitive, matched with path.Match semantics) silently dropped
	// from PRIVMSG/NOTICE delivery.
	IgnorePatterns []string

	// TriggerDir, if set, persists trigger rules to <dir>/triggers.json.
	TriggerDir string

	// Debug receives diagnostic log lines (connection state, outbound
	// traffic with secrets masked). Defaults to discarding.
	Debug *log.Logger
}

// Client is the top-level supervisor: it owns one Transport and wires
// the Message Codec, Capability Negotiator, SASL Authenticator,
// Registration Coordinator, Context Store, Dispatcher, Trigger Engine,
// and Event Bus together via the function-object hooks each component
// already exposes. Grounded on girc's Client (client.go: Config, state,
// Handlers, Cmd, mu-guarded conn), generalized from girc's single
// concurrent-Caller dispatch into this system's distinct, independently
// testable components.
type Client struct {
	mu sync.RWMutex

	cfg Config

	Transport    *Transport
	CapNeg       *CapNegotiator
	SASL         *SASLAuthenticator
	Registration *RegistrationCoordinator
	Store        *Store
	Dispatcher   *Dispatcher
	Triggers     *TriggerEngine
	Bus          *Bus
	Cmd          *Commands

	currentNick string

	activeListContext string

	id uuid.UUID
}

// New builds a Client from cfg, wiring every component's hooks. It does
// not dial; call Run to connect and block until ctx is canceled.
func New(cfg Config) *Client {
	logger := cfg.Debug
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}

	caps := append([]string{}, cfg.RequestCaps...)
	if cfg.SASLPass != "" {
		caps = append(caps, "sasl")
	}

	c := &Client{
		cfg:         cfg,
		currentNick: cfg.Nick,
		id:          uuid.New(),
	}

	c.Bus = NewBus(logger)
	c.Store = NewStore(cfg.Headless)
	c.Triggers = NewTriggerEngine(cfg.TriggerDir)
	c.Cmd = &Commands{c: c}

	c.Transport = NewTransport(cfg.Server, cfg.Port, cfg.SSL, cfg.TLSConfig, cfg.Bind, nil, logger)

	saslUser := cfg.SASLUser
	if saslUser == "" {
		saslUser = cfg.Nick
	}
	c.SASL = NewSASLAuthenticator(saslUser, cfg.SASLPass, nil, logger)
	c.SASL.capEnabled = func(cap string) bool { return c.CapNeg.IsEnabled(cap) }
	c.SASL.SendAuthenticate = func(payload string) {
		c.Transport.SendMessage(NewMessage("AUTHENTICATE", []string{payload}, "", false))
	}
	c.SASL.OnFlowCompleted = func(success bool) {
		c.CapNeg.OnSASLFlowCompleted(success)
	}

	c.CapNeg = NewCapNegotiator(caps, logger)
	c.CapNeg.SASL = c.SASL
	c.CapNeg.SendCapLS = func() {
		c.Transport.SendMessage(NewMessage("CAP", []string{"LS"}, "302", true))
	}
	c.CapNeg.SendCapReq = func(reqCaps []string) {
		c.Transport.SendMessage(NewMessage("CAP", []string{"REQ"}, joinSpace(reqCaps), true))
	}
	c.CapNeg.SendCapEnd = func() {
		c.Transport.SendMessage(NewMessage("CAP", []string{"END"}, "", false))
	}
	c.CapNeg.OnInitialFlowComplete = func() {
		c.Registration.OnCapNegotiationComplete()
	}

	c.Registration = NewRegistrationCoordinator(cfg.ServerPass, cfg.Nick, cfg.User, cfg.Name, logger)
	c.Registration.SendLine = func(m *ParsedMessage) { c.Transport.SendMessage(m) }
	c.Registration.OnReady = func(welcomeNick, serverMessage string) {
		c.mu.Lock()
		c.currentNick = welcomeNick
		c.mu.Unlock()
		c.Bus.Publish("ClientRegistered", map[string]interface{}{"nick": welcomeNick, "server_message": serverMessage})
		c.Bus.Publish("ClientReady", map[string]interface{}{"nick": welcomeNick})
	}
	c.Registration.OnError = func(err error) {
		c.Bus.Publish("RegistrationError", map[string]interface{}{"error": err.Error()})
	}

	c.Dispatcher = &Dispatcher{
		Store:        c.Store,
		Bus:          c.Bus,
		CapNeg:       c.CapNeg,
		SASL:         c.SASL,
		Registration: c.Registration,
		SendLine:     func(m *ParsedMessage) { c.Transport.SendMessage(m) },
		Me:           c.CurrentNick,
		IgnorePatterns: func() []string {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return c.cfg.IgnorePatterns
		},
		ActiveListContext: func() string {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return c.activeListContext
		},
	}

	c.Transport.OnLine = func(line string) { c.onLine(line) }
	c.Transport.OnStateChange = func(from, to ConnectionState) {
		if to == StateConnected {
			c.CapNeg.Reset()
			c.SASL.ResetAuthenticationState()
			c.Registration.Reset()
			c.CapNeg.StartNegotiation()
			c.Bus.Publish("ClientConnected", map[string]interface{}{
				"server": cfg.Server, "port": cfg.Port, "nick": c.CurrentNick(), "ssl": cfg.SSL,
			})
		}
		c.Bus.Publish("ConnectionStateChanged", map[string]interface{}{
			"from": from.String(), "to": to.String(),
		})
		if to == StateDisconnected {
			c.Bus.Publish("ClientDisconnected", map[string]interface{}{"server": cfg.Server, "port": cfg.Port})
		}
	}
	c.Transport.OnError = func(err error) {
		c.Bus.Publish("NetworkTransient", map[string]interface{}{"error": err.Error()})
	}

	return c
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// CurrentNick returns the nickname this client currently believes it
// holds, updated whenever RPL_WELCOME or a self-NICK is observed.
func (c *Client) CurrentNick() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentNick
}

// SetActiveListContext names the context a /LIST reply currently in
// flight should be routed into; pass "" to route to Status.
func (c *Client) SetActiveListContext(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeListContext = name
}

func (c *Client) onLine(raw string) {
	m, err := ParseMessage(raw)
	if err != nil {
		c.Bus.Publish("MalformedLine", map[string]interface{}{"raw": raw, "error": err.Error()})
		return
	}

	if m.SourceNick() != "" && m.Command == "NICK" && m.SourceNick() == c.CurrentNick() && len(m.Params) > 0 {
		oldNick := m.SourceNick()
		newNick := m.Params[0]
		c.mu.Lock()
		c.currentNick = newNick
		c.mu.Unlock()
		c.Bus.Publish("ClientNickChanged", map[string]interface{}{"old_nick": oldNick, "new_nick": newNick})
	}

	c.Dispatcher.Dispatch(m)
	c.fireTriggers(m)
}

// fireTriggers maps a dispatched message onto the Trigger Engine's
// event-data vocabulary and, on a match, executes the resulting
// outcome: a Command outcome is sent as a fresh PRIVMSG/raw line
// through the same /command routing a user's own input would take;
// a Script outcome is not executed: no ScriptRunner is called, and a
// TriggerScriptSkipped event is published instead.
func (c *Client) fireTriggers(m *ParsedMessage) {
	kind, data, ok := triggerEventFor(m, c.CurrentNick())
	if !ok {
		return
	}

	outcome := c.Triggers.Process(kind, data)
	if outcome == nil {
		return
	}

	switch outcome.ActionType {
	case ActionCommand:
		target := data["channel"]
		if target == "" {
			target = data["nick"]
		}
		err := c.Cmd.Execute(outcome.Command, target)
		c.Bus.Publish("TriggerFired", map[string]interface{}{
			"trigger_id": outcome.Trigger.ID, "command": outcome.Command,
		})
		if err != nil {
			c.Bus.Publish("TriggerCommandError", map[string]interface{}{
				"trigger_id": outcome.Trigger.ID, "error": err.Error(),
			})
		}
	case ActionScript:
		c.Bus.Publish("TriggerScriptSkipped", map[string]interface{}{
			"trigger_id": outcome.Trigger.ID,
		})
	}
}

// triggerEventFor maps a raw dispatched message to a TriggerEventKind
// plus the event-data fields buildSubstitutionEnv expects, per
// spec.md's §4.8 scanned-field table.
func triggerEventFor(m *ParsedMessage, me string) (TriggerEventKind, map[string]string, bool) {
	data := map[string]string{
		"client_nick": me,
		"raw_line":    m.Serialize(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	switch m.Command {
	case "PRIVMSG":
		data["nick"] = m.SourceNick()
		if len(m.Params) > 0 {
			data["target"] = m.Params[0]
			data["channel"] = m.Params[0]
		}
		data["message"] = m.Trailing
		if isCTCPAction(m.Trailing) {
			return TriggerAction, data, true
		}
		return TriggerText, data, true
	case "NOTICE":
		data["nick"] = m.SourceNick()
		if len(m.Params) > 0 {
			data["target"] = m.Params[0]
		}
		data["message"] = m.Trailing
		return TriggerNotice, data, true
	case "JOIN":
		data["nick"] = m.SourceNick()
		if len(m.Params) > 0 {
			data["channel"] = m.Params[0]
		}
		return TriggerJoin, data, true
	case "PART":
		data["nick"] = m.SourceNick()
		if len(m.Params) > 0 {
			data["channel"] = m.Params[0]
		}
		data["reason"] = m.Trailing
		return TriggerPart, data, true
	case "QUIT":
		data["nick"] = m.SourceNick()
		data["reason"] = m.Trailing
		return TriggerQuit, data, true
	case "KICK":
		if len(m.Params) >= 2 {
			data["channel"] = m.Params[0]
			data["kicked_nick"] = m.Params[1]
		}
		data["nick"] = m.SourceNick()
		data["reason"] = m.Trailing
		return TriggerKick, data, true
	case "MODE":
		if len(m.Params) >= 2 {
			data["channel"] = m.Params[0]
			data["modes_str"] = joinSpace(m.Params[1:])
		}
		return TriggerMode, data, true
	case "TOPIC":
		if len(m.Params) > 0 {
			data["channel"] = m.Params[0]
		}
		data["new_topic"] = m.Trailing
		return TriggerTopic, data, true
	case "NICK":
		data["old_nick"] = m.SourceNick()
		if len(m.Params) > 0 {
			data["nick"] = m.Params[0]
		}
		return TriggerNick, data, true
	case "INVITE":
		if len(m.Params) > 1 {
			data["channel"] = m.Params[1]
		}
		data["nick"] = m.SourceNick()
		return TriggerInvite, data, true
	default:
		return TriggerRaw, data, true
	}
}

func isCTCPAction(text string) bool {
	return len(text) > 8 && text[0] == '\x01' && text[len(text)-1] == '\x01' &&
		len(text) > 8 && text[1:8] == "ACTION "
}

// Run dials and services the connection until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	c.Transport.Run(ctx)
}

// Quit disconnects cleanly with the given reason.
func (c *Client) Quit(reason string) {
	c.Transport.Quit(reason)
	c.Bus.Publish("ClientShutdownFinal", map[string]interface{}{})
}

// Send transmits a fully formed outbound message.
func (c *Client) Send(m *ParsedMessage) {
	c.Transport.SendMessage(m)
}

// ID returns a unique identifier for this Client instance, used to
// correlate log output and DCC transfer records across a session that
// may reconnect many times.
func (c *Client) ID() uuid.UUID {
	return c.id
}
