// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"encoding/base64"
	"log"
	"sync"
)

const saslChunkLen = 400

// SASLAuthenticator implements the PLAIN mechanism. It holds no socket of
// its own: SendAuthenticate is wired by the owning client, and completion
// is reported to the Capability Negotiator through CapNegotiator.
// Grounded on original_source/sasl_authenticator.py, translated from its
// threading-free, event-driven shape one-for-one; the >400-byte chunking
// rule it does not implement is added per the outer payload-size bound.
type SASLAuthenticator struct {
	mu sync.Mutex

	nick     string
	password string

	initiated  bool
	flowActive bool
	succeeded  *bool // nil until the flow concludes.

	capEnabled func(cap string) bool

	// SendAuthenticate transmits one "AUTHENTICATE <payload>" line.
	SendAuthenticate func(payload string)

	// OnFlowCompleted notifies the Capability Negotiator.
	OnFlowCompleted func(success bool)

	log *log.Logger
}

// NewSASLAuthenticator creates an authenticator for the given nickname
// and password. capEnabled reports whether the "sasl" capability is
// currently enabled; pass CapNegotiator.IsEnabled bound to "sasl".
func NewSASLAuthenticator(nick, password string, capEnabled func(cap string) bool, logger *log.Logger) *SASLAuthenticator {
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}
	return &SASLAuthenticator{
		nick:       nick,
		password:   password,
		capEnabled: capEnabled,
		log:        logger,
	}
}

// HasCredentials reports whether a password was configured.
func (s *SASLAuthenticator) HasCredentials() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password != ""
}

// IsFlowActive reports whether a SASL exchange is currently in progress.
func (s *SASLAuthenticator) IsFlowActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowActive
}

// IsCompleted reports whether the flow has concluded, successfully or not.
func (s *SASLAuthenticator) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded != nil
}

// StartAuthentication begins the PLAIN exchange by sending
// "AUTHENTICATE PLAIN". If credentials are absent or the sasl capability
// is not enabled, it declines immediately and reports failure.
func (s *SASLAuthenticator) StartAuthentication() {
	s.mu.Lock()
	if s.password == "" {
		s.mu.Unlock()
		s.log.Print("sasl: no password configured, skipping")
		s.notifyCompletion(false)
		return
	}

	if s.capEnabled != nil && !s.capEnabled("sasl") {
		s.mu.Unlock()
		s.log.Print("sasl: 'sasl' capability not enabled, cannot start")
		s.notifyCompletion(false)
		return
	}

	s.initiated = true
	s.flowActive = true
	s.succeeded = nil
	send := s.SendAuthenticate
	s.mu.Unlock()

	s.log.Print("sasl: initiating PLAIN authentication")
	if send != nil {
		send("PLAIN")
	}
}

// OnAuthenticateChallenge handles an inbound "AUTHENTICATE <payload>"
// line from the server. A "+" is the empty-challenge signal to send
// credentials; anything else aborts the flow.
func (s *SASLAuthenticator) OnAuthenticateChallenge(challenge string) {
	s.mu.Lock()
	if !s.flowActive {
		s.mu.Unlock()
		s.log.Print("sasl: received challenge but flow is not active, ignoring")
		return
	}

	if challenge != "+" {
		s.mu.Unlock()
		s.handleFailure("unexpected challenge: " + challenge)
		return
	}

	nick, password := s.nick, s.password
	send := s.SendAuthenticate
	s.mu.Unlock()

	payload := nick + "\x00" + nick + "\x00" + password
	s.sendPlainPayload(send, payload)
}

// sendPlainPayload base64-encodes payload and sends it in 400-byte
// chunks. A final chunk exactly 400 bytes long requires a trailing empty
// "AUTHENTICATE +" so the server knows the payload has ended.
func (s *SASLAuthenticator) sendPlainPayload(send func(string), payload string) {
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))

	if send == nil {
		return
	}

	if len(encoded) == 0 {
		send("+")
		return
	}

	for i := 0; i < len(encoded); i += saslChunkLen {
		end := i + saslChunkLen
		if end > len(encoded) {
			end = len(encoded)
		}
		send(encoded[i:end])
	}

	if len(encoded)%saslChunkLen == 0 {
		send("+")
	}
}

// OnResult handles one of the SASL outcome numerics. 900 (RPL_LOGGEDIN)
// and 903 (RPL_SASLSUCCESS) are success; 902, 904, 905, 906, 908 are
// failure; 907 (ERR_SASLALREADY) is treated as success.
func (s *SASLAuthenticator) OnResult(numeric int, message string) {
	switch numeric {
	case 900, 903, 907:
		s.handleSuccess(message)
	case 902, 904, 905, 906, 908:
		s.handleFailure(message)
	default:
		s.log.Printf("sasl: unrecognized result numeric %d, ignoring", numeric)
	}
}

func (s *SASLAuthenticator) handleSuccess(message string) {
	s.mu.Lock()
	if !s.flowActive && s.succeeded != nil && *s.succeeded {
		s.mu.Unlock()
		return
	}

	t := true
	s.succeeded = &t
	s.flowActive = false
	s.mu.Unlock()

	s.log.Printf("sasl: authentication successful (%s)", message)
	s.notifyCompletion(true)
}

func (s *SASLAuthenticator) handleFailure(reason string) {
	s.mu.Lock()
	if !s.flowActive && s.succeeded != nil && !*s.succeeded {
		s.mu.Unlock()
		return
	}

	f := false
	s.succeeded = &f
	s.flowActive = false
	s.mu.Unlock()

	s.log.Printf("sasl: authentication failed: %s", reason)
	s.notifyCompletion(false)
}

// NotifyCapRejected is called by the Capability Negotiator when the
// "sasl" capability REQ was NAKed.
func (s *SASLAuthenticator) NotifyCapRejected() {
	s.mu.Lock()
	active := s.flowActive
	s.mu.Unlock()

	if active {
		s.handleFailure("sasl capability rejected after ACK")
		return
	}

	s.mu.Lock()
	s.initiated = true
	f := false
	s.succeeded = &f
	s.flowActive = false
	s.mu.Unlock()

	s.notifyCompletion(false)
}

// AbortAuthentication cancels an in-progress flow, e.g. because the
// "sasl" capability was DELeted mid-flow.
func (s *SASLAuthenticator) AbortAuthentication(reason string) {
	if s.IsFlowActive() {
		s.handleFailure("aborted: " + reason)
	}
}

func (s *SASLAuthenticator) notifyCompletion(success bool) {
	if s.OnFlowCompleted != nil {
		s.OnFlowCompleted(success)
	}
}

// ResetAuthenticationState clears SASL state, typically on disconnect.
func (s *SASLAuthenticator) ResetAuthenticationState() {
	s.mu.Lock()
	s.initiated = false
	s.flowActive = false
	s.succeeded = nil
	s.mu.Unlock()
}
