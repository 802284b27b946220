// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
)

const maxNickMutationAttempts = 30

// RegistrationCoordinator gates NICK/USER registration behind CAP/SASL
// completion and owns nickname-collision recovery. It never blocks: it
// is driven entirely by calls from the Capability Negotiator (once the
// initial flow completes) and from the dispatcher (on 001 and 433).
//
// Grounded on girc's registration sequence in conn.go (PASS, then NICK,
// then USER, sent back to back once the connection is established), with
// the CAP-gating and collision-mutation rule added per
// original_source/cap_negotiator.py's RegistrationHandler coupling
// (on_cap_negotiation_complete / nick_user_sent).
type RegistrationCoordinator struct {
	mu sync.Mutex

	serverPass string
	username   string
	realname   string

	desiredNick string
	pendingNick string
	mutations   int

	sent  bool
	ready bool

	// SendLine transmits one fully formed outbound line's command +
	// params; set by the owning client.
	SendLine func(m *ParsedMessage)

	// OnReady fires once RPL_WELCOME confirms registration, passing the
	// confirmed nick and the numeric's trailing server message.
	OnReady func(welcomeNick, serverMessage string)

	// OnError fires if nickname mutation exhausts its attempt bound.
	OnError func(err error)

	log *log.Logger
}

// NewRegistrationCoordinator creates a coordinator for the given desired
// nickname, username, realname, and optional server password.
func NewRegistrationCoordinator(serverPass, nick, username, realname string, logger *log.Logger) *RegistrationCoordinator {
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}
	return &RegistrationCoordinator{
		serverPass:  serverPass,
		username:    username,
		realname:    realname,
		desiredNick: nick,
		pendingNick: nick,
		log:         logger,
	}
}

// OnCapNegotiationComplete is invoked by the Capability Negotiator once
// the initial CAP/SASL flow has concluded (or was skipped entirely). It
// is safe to call more than once; only the first call sends NICK/USER.
func (r *RegistrationCoordinator) OnCapNegotiationComplete() {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return
	}
	r.sent = true
	pass, nick, user, real := r.serverPass, r.pendingNick, r.username, r.realname
	send := r.SendLine
	r.mu.Unlock()

	if send == nil {
		return
	}

	if pass != "" {
		send(NewMessage("PASS", []string{pass}, "", false))
	}
	send(NewMessage("NICK", []string{nick}, "", false))
	send(NewMessage("USER", []string{user, "0", "*"}, real, true))
}

// NickUserSent reports whether NICK/USER has already been transmitted.
func (r *RegistrationCoordinator) NickUserSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// OnWelcome handles RPL_WELCOME (001): registration is finalized under
// whatever nick the server confirms in the numeric's target parameter.
// serverMessage is the numeric's trailing text, passed through to OnReady
// for callers publishing it alongside the confirmed nick.
func (r *RegistrationCoordinator) OnWelcome(confirmedNick, serverMessage string) {
	r.mu.Lock()
	r.ready = true
	r.pendingNick = confirmedNick
	hook := r.OnReady
	r.mu.Unlock()

	r.log.Printf("registration complete as %q", confirmedNick)
	if hook != nil {
		hook(confirmedNick, serverMessage)
	}
}

// OnNicknameInUse handles ERR_NICKNAMEINUSE (433) for our pending nick:
// it mutates the nickname with mutateNick and resends NICK, so repeated
// collisions walk bob -> bob_ -> bob_1 -> bob_2. Mutation stops and
// OnError fires after maxNickMutationAttempts.
func (r *RegistrationCoordinator) OnNicknameInUse() {
	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()
		return
	}

	r.mutations++
	if r.mutations > maxNickMutationAttempts {
		onErr := r.OnError
		r.mu.Unlock()
		if onErr != nil {
			onErr(fmt.Errorf("tirc: exhausted %d nickname mutation attempts", maxNickMutationAttempts))
		}
		return
	}

	r.pendingNick = mutateNick(r.pendingNick)
	nick := r.pendingNick
	send := r.SendLine
	r.mu.Unlock()

	r.log.Printf("nickname in use, retrying as %q", nick)
	if send != nil {
		send(NewMessage("NICK", []string{nick}, "", false))
	}
}

// mutateNick applies the collision-recovery rule: if the nick ends in
// digits, increment them; if it ends in "_", append "1"; otherwise
// append "_". This keeps repeated collisions on the same base walking
// bob -> bob_ -> bob_1 -> bob_2 instead of stacking ambiguous trailing
// underscores.
func mutateNick(nick string) string {
	i := len(nick)
	for i > 0 && nick[i-1] >= '0' && nick[i-1] <= '9' {
		i--
	}

	if i == len(nick) {
		if strings.HasSuffix(nick, "_") {
			return nick + "1"
		}
		return nick + "_"
	}

	base, digits := nick[:i], nick[i:]
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nick + "_1"
	}

	return base + strconv.Itoa(n+1)
}

// PendingNick returns the nickname currently being attempted.
func (r *RegistrationCoordinator) PendingNick() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingNick
}

// IsReady reports whether RPL_WELCOME has been received.
func (r *RegistrationCoordinator) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Reset clears registration state ahead of a reconnection attempt.
func (r *RegistrationCoordinator) Reset() {
	r.mu.Lock()
	r.sent = false
	r.ready = false
	r.mutations = 0
	r.pendingNick = r.desiredNick
	r.mu.Unlock()
}

// maskSecrets redacts password-bearing commands (PASS, AUTHENTICATE, and
// NickServ IDENTIFY PRIVMSGs) for diagnostic output.
func maskSecrets(line string) string {
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "PASS "):
		return "PASS ****"
	case strings.HasPrefix(upper, "AUTHENTICATE "):
		return "AUTHENTICATE ****"
	case strings.Contains(upper, "IDENTIFY "):
		idx := strings.Index(upper, "IDENTIFY ")
		return line[:idx] + "IDENTIFY ****"
	default:
		return line
	}
}
