// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import "testing"

type fakeSASLDriver struct {
	credentials   bool
	started       bool
	flowActive    bool
	rejectedCount int
	abortedReason string
}

func (f *fakeSASLDriver) HasCredentials() bool    { return f.credentials }
func (f *fakeSASLDriver) StartAuthentication()     { f.started = true }
func (f *fakeSASLDriver) IsFlowActive() bool       { return f.flowActive }
func (f *fakeSASLDriver) NotifyCapRejected()        { f.rejectedCount++ }
func (f *fakeSASLDriver) AbortAuthentication(reason string) { f.abortedReason = reason }

func TestCapNegotiatorNoCommonCapsFinishesImmediately(t *testing.T) {
	n := NewCapNegotiator([]string{"server-time"}, nil)
	var ended, completed bool
	n.SendCapEnd = func() { ended = true }
	n.OnInitialFlowComplete = func() { completed = true }

	n.StartNegotiation()
	n.HandleLS("multi-prefix", false)

	if !ended || !completed {
		t.Errorf("ended=%v completed=%v, want both true", ended, completed)
	}
	if !n.IsInitialFlowComplete() {
		t.Error("expected initial flow complete")
	}
}

func TestCapNegotiatorRequestsDesiredCaps(t *testing.T) {
	n := NewCapNegotiator([]string{"server-time", "multi-prefix"}, nil)
	var requested []string
	n.SendCapReq = func(caps []string) { requested = caps }

	n.StartNegotiation()
	n.HandleLS("server-time multi-prefix account-tag", false)

	if len(requested) != 2 {
		t.Fatalf("requested = %v, want 2 entries", requested)
	}
}

func TestCapNegotiatorACKCompletesWithoutSASL(t *testing.T) {
	n := NewCapNegotiator([]string{"server-time"}, nil)
	var ended, completed bool
	n.SendCapEnd = func() { ended = true }
	n.OnInitialFlowComplete = func() { completed = true }

	n.StartNegotiation()
	n.HandleLS("server-time", false)
	n.HandleACK("server-time")

	if !ended || !completed {
		t.Errorf("ended=%v completed=%v", ended, completed)
	}
	if !n.IsEnabled("server-time") {
		t.Error("expected server-time enabled")
	}
}

func TestCapNegotiatorSASLFlow(t *testing.T) {
	sasl := &fakeSASLDriver{credentials: true, flowActive: true}
	n := NewCapNegotiator([]string{"sasl"}, nil)
	n.SASL = sasl
	var ended bool
	n.SendCapEnd = func() { ended = true }

	n.StartNegotiation()
	n.HandleLS("sasl", false)
	n.HandleACK("sasl")

	if !sasl.started {
		t.Error("expected SASL authentication to have started")
	}
	if ended {
		t.Error("CAP END should wait for the SASL flow to finish while it's active")
	}

	sasl.flowActive = false
	n.OnSASLFlowCompleted(true)

	if !ended {
		t.Error("expected CAP END to be sent once SASL completes")
	}
	if !n.IsInitialFlowComplete() {
		t.Error("expected initial flow complete after SASL success")
	}
}

func TestCapNegotiatorSASLNotViableSkipsRequest(t *testing.T) {
	sasl := &fakeSASLDriver{credentials: false}
	n := NewCapNegotiator([]string{"sasl"}, nil)
	n.SASL = sasl
	var ended bool
	n.SendCapEnd = func() { ended = true }

	n.StartNegotiation()
	n.HandleLS("sasl", false)

	if !ended {
		t.Error("expected negotiation to finish immediately when SASL has no credentials")
	}
}

func TestCapNegotiatorNAKNotifiesSASLRejection(t *testing.T) {
	sasl := &fakeSASLDriver{credentials: true}
	n := NewCapNegotiator([]string{"sasl"}, nil)
	n.SASL = sasl
	n.SendCapReq = func([]string) {}
	n.SendCapEnd = func() {}

	n.StartNegotiation()
	n.HandleLS("sasl", false)
	n.HandleNAK("sasl")

	if sasl.rejectedCount != 1 {
		t.Errorf("rejectedCount = %d, want 1", sasl.rejectedCount)
	}
}

func TestCapNegotiatorHandleNEWAutoEnables(t *testing.T) {
	n := NewCapNegotiator([]string{"account-tag"}, nil)
	n.HandleNEW("account-tag")
	if !n.IsEnabled("account-tag") {
		t.Error("expected account-tag auto-enabled by CAP NEW")
	}
}

func TestCapNegotiatorHandleDELAbortsActiveSASL(t *testing.T) {
	sasl := &fakeSASLDriver{credentials: true, flowActive: true}
	n := NewCapNegotiator([]string{"sasl"}, nil)
	n.SASL = sasl
	n.HandleNEW("sasl")
	n.HandleDEL("sasl")

	if sasl.abortedReason == "" {
		t.Error("expected SASL flow to be aborted when sasl cap is deleted")
	}
	if n.IsEnabled("sasl") {
		t.Error("expected sasl no longer enabled after DEL")
	}
}

func TestCapNegotiatorLSMultilineContinuation(t *testing.T) {
	n := NewCapNegotiator([]string{"server-time"}, nil)
	var requested []string
	n.SendCapReq = func(caps []string) { requested = caps }

	n.StartNegotiation()
	n.HandleLS("account-tag", true)
	if requested != nil {
		t.Error("should not request anything until the final LS line arrives")
	}
	n.HandleLS("server-time", false)
	if len(requested) != 1 || requested[0] != "server-time" {
		t.Errorf("requested = %v, want [server-time]", requested)
	}
}

func TestCapNegotiatorResetClearsState(t *testing.T) {
	n := NewCapNegotiator([]string{"server-time"}, nil)
	n.StartNegotiation()
	n.HandleLS("server-time", false)
	n.HandleACK("server-time")

	n.Reset()
	if n.IsEnabled("server-time") {
		t.Error("expected enabled caps cleared after Reset")
	}
	if n.IsPending() {
		t.Error("expected pending false after Reset")
	}
	if n.IsInitialFlowComplete() {
		t.Error("expected initial flow complete reset to false")
	}
}
