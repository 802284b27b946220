// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"log"
	"sort"
	"strings"
	"sync"
)

// SASLDriver is the narrow view of the SASL Authenticator that the
// Capability Negotiator needs. Wiring code supplies the concrete
// *SASLAuthenticator; the negotiator only depends on this interface so
// the two components don't hold direct back-references to each other.
type SASLDriver interface {
	HasCredentials() bool
	StartAuthentication()
	IsFlowActive() bool
	NotifyCapRejected()
	AbortAuthentication(reason string)
}

// CapNegotiator drives the IRCv3 CAP LS/REQ/ACK/NAK/NEW/DEL/END handshake.
// It tracks three disjoint capability sets (supported, requested, enabled)
// and never blocks: every method is a synchronous reaction to an inbound
// event or an outbound trigger, wired together via function-object hooks
// rather than back-references, so the negotiator, the SASL authenticator,
// and the registration coordinator can each be tested independently.
//
// Grounded on girc's cap.go capability tracking, generalized into the
// full LS/REQ/ACK/NAK/NEW/DEL state machine documented by
// original_source/cap_negotiator.py (CapNegotiator.start_negotiation and
// friends); unlike that implementation, completion is signaled via
// callback hooks rather than threading.Event, since this negotiator is
// driven synchronously from the dispatcher goroutine, not polled from a
// second thread.
type CapNegotiator struct {
	mu sync.Mutex

	desired   map[string]bool
	supported map[string]bool
	requested map[string]bool
	enabled   map[string]bool

	pending             bool
	initialFlowComplete bool
	negotiationFinished bool

	// SendCapLS, SendCapReq, and SendCapEnd drive the outbound CAP
	// commands. Set by the owning client before use.
	SendCapLS  func()
	SendCapReq func(caps []string)
	SendCapEnd func()

	// SASL is the narrow coupling to the SASL Authenticator; nil means
	// SASL is not configured at all.
	SASL SASLDriver

	// OnInitialFlowComplete fires exactly once per connection, the moment
	// NICK/USER registration is allowed to proceed.
	OnInitialFlowComplete func()

	log *log.Logger
}

// NewCapNegotiator creates a negotiator that will request the given
// desired capabilities whenever the server advertises support for them.
func NewCapNegotiator(desired []string, logger *log.Logger) *CapNegotiator {
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}

	d := make(map[string]bool, len(desired))
	for _, c := range desired {
		d[c] = true
	}

	return &CapNegotiator{
		desired:   d,
		supported: make(map[string]bool),
		requested: make(map[string]bool),
		enabled:   make(map[string]bool),
		log:       logger,
	}
}

// StartNegotiation resets all capability state and sends CAP LS. Call
// once per new TCP connection, immediately after it completes.
func (n *CapNegotiator) StartNegotiation() {
	n.mu.Lock()
	n.pending = true
	n.initialFlowComplete = false
	n.negotiationFinished = false
	n.supported = make(map[string]bool)
	n.requested = make(map[string]bool)
	n.enabled = make(map[string]bool)
	n.mu.Unlock()

	n.log.Print("negotiating capabilities (CAP LS)")
	if n.SendCapLS != nil {
		n.SendCapLS()
	}
}

// HandleLS processes one "CAP * LS [*] :caps..." line. more is true when
// the middle "*" continuation marker was present, meaning additional
// lines follow before the list is complete.
func (n *CapNegotiator) HandleLS(capsStr string, more bool) {
	n.mu.Lock()
	if !n.pending {
		n.mu.Unlock()
		n.log.Print("received CAP LS but negotiation is not pending, ignoring")
		return
	}

	for _, c := range strings.Fields(capsStr) {
		n.supported[stripCapValue(c)] = true
	}

	if more {
		n.mu.Unlock()
		return
	}

	toRequest := n.intersectDesiredSupportedLocked()

	if toRequest["sasl"] && !n.saslViableLocked() {
		delete(toRequest, "sasl")
	}

	if len(toRequest) == 0 {
		n.finishWithoutRequestLocked()
		return
	}

	list := make([]string, 0, len(toRequest))
	for c := range toRequest {
		n.requested[c] = true
		list = append(list, c)
	}
	sort.Strings(list)
	n.mu.Unlock()

	n.log.Printf("requesting capabilities: %s", strings.Join(list, " "))
	if n.SendCapReq != nil {
		n.SendCapReq(list)
	}
}

// HandleACK processes a "CAP * ACK :caps..." line.
func (n *CapNegotiator) HandleACK(ackedStr string) {
	n.mu.Lock()
	if !n.pending {
		n.mu.Unlock()
		n.log.Print("received CAP ACK but negotiation is not pending, ignoring")
		return
	}

	saslAcked := false
	for _, c := range strings.Fields(ackedStr) {
		n.enabled[c] = true
		delete(n.requested, c)
		if c == "sasl" {
			saslAcked = true
		}
	}

	if saslAcked && n.saslViableLocked() {
		n.mu.Unlock()
		n.log.Print("sasl acked, starting authentication")
		n.SASL.StartAuthentication()
		return
	}

	n.maybeFinishLocked()
}

// HandleNAK processes a "CAP * NAK :caps..." line.
func (n *CapNegotiator) HandleNAK(nakedStr string) {
	n.mu.Lock()
	if !n.pending {
		n.mu.Unlock()
		n.log.Print("received CAP NAK but negotiation is not pending, ignoring")
		return
	}

	for _, c := range strings.Fields(nakedStr) {
		delete(n.requested, c)
		delete(n.enabled, c)
		if c == "sasl" && n.SASL != nil {
			n.SASL.NotifyCapRejected()
		}
	}

	n.maybeFinishLocked()
}

// HandleNEW processes a "CAP * NEW :caps..." line: newly advertised
// capabilities join the supported set, and any that are both desired and
// not yet enabled are auto-enabled (no REQ round-trip).
func (n *CapNegotiator) HandleNEW(newStr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, c := range strings.Fields(newStr) {
		n.supported[c] = true
		if n.desired[c] && !n.enabled[c] {
			n.enabled[c] = true
		}
	}
}

// HandleDEL processes a "CAP * DEL :caps..." line: removed capabilities
// are dropped from supported and enabled; an in-flight SASL flow is
// aborted if "sasl" was deleted.
func (n *CapNegotiator) HandleDEL(delStr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, c := range strings.Fields(delStr) {
		wasEnabled := n.enabled[c]
		delete(n.supported, c)
		delete(n.enabled, c)
		if c == "sasl" && wasEnabled && n.SASL != nil && n.SASL.IsFlowActive() {
			n.SASL.AbortAuthentication("sasl capability deleted by server")
		}
	}
}

// OnSASLFlowCompleted is the SASL Authenticator's callback into the
// negotiator once its flow concludes, success or failure.
func (n *CapNegotiator) OnSASLFlowCompleted(success bool) {
	n.mu.Lock()
	n.log.Printf("sasl flow completed (success=%t)", success)

	if !n.pending {
		n.initialFlowComplete = true
		n.negotiationFinished = true
		n.mu.Unlock()
		return
	}

	if len(n.requested) != 0 {
		n.mu.Unlock()
		return
	}

	n.pending = false
	n.initialFlowComplete = true
	n.negotiationFinished = true
	hook := n.OnInitialFlowComplete
	n.mu.Unlock()

	if n.SendCapEnd != nil {
		n.SendCapEnd()
	}
	if hook != nil {
		hook()
	}
}

// finishWithoutRequestLocked handles the "nothing to request" exit from
// HandleLS. Caller holds n.mu; it is released before returning.
func (n *CapNegotiator) finishWithoutRequestLocked() {
	n.pending = false
	n.initialFlowComplete = true
	n.negotiationFinished = true
	hook := n.OnInitialFlowComplete
	sendEnd := n.SendCapEnd

	n.mu.Unlock()
	if sendEnd != nil {
		sendEnd()
	}
	if hook != nil {
		hook()
	}
}

// maybeFinishLocked sends CAP END and signals completion once every
// requested capability has been resolved and SASL (if any) is not mid-
// flow. Caller holds n.mu; it is released before returning.
func (n *CapNegotiator) maybeFinishLocked() {
	if len(n.requested) != 0 {
		n.mu.Unlock()
		return
	}

	if n.SASL != nil && n.SASL.IsFlowActive() {
		n.mu.Unlock()
		return
	}

	n.pending = false
	n.initialFlowComplete = true
	n.negotiationFinished = true
	hook := n.OnInitialFlowComplete
	sendEnd := n.SendCapEnd
	n.mu.Unlock()

	if sendEnd != nil {
		sendEnd()
	}
	if hook != nil {
		hook()
	}
}

func (n *CapNegotiator) intersectDesiredSupportedLocked() map[string]bool {
	out := make(map[string]bool)
	for c := range n.desired {
		if n.supported[c] {
			out[c] = true
		}
	}
	return out
}

func (n *CapNegotiator) saslViableLocked() bool {
	return n.SASL != nil && n.SASL.HasCredentials()
}

// IsPending reports whether CAP negotiation is currently in flight.
func (n *CapNegotiator) IsPending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending
}

// IsEnabled reports whether cap was confirmed active by the server.
func (n *CapNegotiator) IsEnabled(cap string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled[cap]
}

// EnabledCaps returns a snapshot of the currently enabled capabilities.
func (n *CapNegotiator) EnabledCaps() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.enabled))
	for c := range n.enabled {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// IsInitialFlowComplete reports whether registration may proceed.
func (n *CapNegotiator) IsInitialFlowComplete() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.initialFlowComplete
}

// IsNegotiationFinished reports whether the overall CAP/SASL flow (both
// client- and server-side) has concluded.
func (n *CapNegotiator) IsNegotiationFinished() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.negotiationFinished
}

// ConfirmEnd marks negotiation finished once the server's own
// confirmation arrives (RPL_WELCOME, or an echoed CAP END). Safe to call
// more than once.
func (n *CapNegotiator) ConfirmEnd() {
	n.mu.Lock()
	alreadyComplete := n.initialFlowComplete
	n.pending = false
	n.initialFlowComplete = true
	n.negotiationFinished = true
	hook := n.OnInitialFlowComplete
	n.mu.Unlock()

	if hook != nil && !alreadyComplete {
		hook()
	}
}

// Reset clears all negotiation state, typically on disconnect.
func (n *CapNegotiator) Reset() {
	n.mu.Lock()
	n.supported = make(map[string]bool)
	n.requested = make(map[string]bool)
	n.enabled = make(map[string]bool)
	n.pending = false
	n.initialFlowComplete = false
	n.negotiationFinished = false
	n.mu.Unlock()
}

// stripCapValue trims a "cap=value" LS entry down to the bare capability
// name, since membership tests only care about the name.
func stripCapValue(raw string) string {
	if i := strings.IndexByte(raw, '='); i >= 0 {
		return raw[:i]
	}
	return raw
}
