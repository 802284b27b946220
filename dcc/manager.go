// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package dcc

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names published through Manager's EventFunc hook.
const (
	EventTransferQueued   = "DCC_TRANSFER_QUEUED"
	EventTransferStart    = "DCC_TRANSFER_START"
	EventTransferProgress = "DCC_TRANSFER_PROGRESS"
	EventTransferComplete = "DCC_TRANSFER_COMPLETE"
	EventTransferError    = "DCC_TRANSFER_ERROR"
	EventTransferCancel   = "DCC_TRANSFER_CANCELLED"
	EventSendOfferIn      = "DCC_SEND_OFFER_INCOMING"
)

// EventFunc receives Manager lifecycle notifications, named after the
// event constants above, with a flat string-keyed payload.
type EventFunc func(name string, data map[string]interface{})

// Config holds the operator-controlled limits and paths a Manager
// enforces, equivalent to original_source/dcc_manager.py's
// _load_dcc_config.
type Config struct {
	Enabled           bool
	DownloadDir       string
	MaxFileSize       int64
	BlockedExtensions []string
	Timeout           time.Duration
	BandwidthLimitBps int64
	ChecksumAlgorithm string
	CleanupAfter      time.Duration
}

// entry pairs a Transfer with the bookkeeping the manager needs beyond
// what Transfer itself tracks.
type entry struct {
	transfer *Transfer
	ctx      context.Context
	cancel   context.CancelFunc
	filename string
	peerNick string
	size     int64
	kind     Direction
	doneAt   time.Time
}

// pendingPassive records an active SEND offered in passive (reverse)
// mode: we have listened for nobody yet, just advertised a token and
// are waiting for the peer's ACCEPT naming the port it is listening
// on, at which point we dial out.
type pendingPassive struct {
	peerNick  string
	localPath string
	filename  string
	size      int64
}

// SendOutcome reports what happened to one file passed to InitiateSend.
type SendOutcome struct {
	Filepath  string
	Status    string // "started", "queued", or "error"
	ID        string
	CTCPOffer string
	Token     string
	Err       error
}

// TransferSnapshot is one row of Manager.GetTransferStatuses' listing.
type TransferSnapshot struct {
	ID          string
	PeerNick    string
	Filename    string
	Direction   Direction
	Status      Status
	Transferred int64
	Total       int64
}

// Manager is the registry of in-flight transfers, the allocator of
// listening sockets, and the bridge between Transfer status/progress
// callbacks and the rest of the application via EventFunc. Grounded on
// original_source/dcc_manager.py's DCCManager, translating its
// threading.Lock-guarded dict into a sync.Mutex-guarded map and its
// background cleanup comment ("placeholder for future") into an actual
// scheduled sweep.
type Manager struct {
	cfg   Config
	Event EventFunc

	mu              sync.Mutex
	transfers       map[string]*entry
	pendingPassives map[string]*pendingPassive // token -> our outgoing passive offer

	stopCleanup chan struct{}
}

// NewManager constructs a Manager and ensures DownloadDir exists when
// DCC is enabled.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		cfg:             cfg,
		transfers:       make(map[string]*entry),
		pendingPassives: make(map[string]*pendingPassive),
		stopCleanup:     make(chan struct{}),
	}

	if cfg.Enabled && cfg.DownloadDir != "" {
		if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
			return nil, fmt.Errorf("dcc: creating download directory %q: %w", cfg.DownloadDir, err)
		}
	}

	return m, nil
}

func (m *Manager) emit(name string, data map[string]interface{}) {
	if m.Event != nil {
		m.Event(name, data)
	}
}

// listen binds to an OS-assigned ephemeral port, per the original's
// deliberately simplified "Phase 1" approach (port-range iteration was
// left for a later phase that was never reached).
func listen() (net.Listener, int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, 0, fmt.Errorf("dcc: could not create listening socket: %w", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		l.Close()
		return nil, 0, fmt.Errorf("dcc: unexpected listener address type")
	}
	return l, addr.Port, nil
}

// AdvertisedIP guesses the local IPv4 address a peer could dial back
// to, by opening a UDP "connection" to a well-known external address
// and reading the local endpoint it picked — mirrors the original's
// socket.connect(("8.8.8.8", 80)) trick, which never actually sends a
// packet. Falls back to loopback if the lookup fails.
func AdvertisedIP() net.IP {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return net.IPv4(127, 0, 0, 1)
	}
	return addr.IP.To4()
}

func (m *Manager) generateID() string {
	return uuid.New().String()
}

// InitiateSend starts one DCC SEND offer per path in localFilepaths,
// active or passive depending on passive. Each file gets its own
// transfer ID (and, in passive mode, its own token); an error on one
// file does not stop the rest from being attempted.
func (m *Manager) InitiateSend(peerNick string, localFilepaths []string, passive bool) []SendOutcome {
	outcomes := make([]SendOutcome, 0, len(localFilepaths))
	for _, path := range localFilepaths {
		outcomes = append(outcomes, m.initiateSendOne(peerNick, path, passive))
	}
	return outcomes
}

func (m *Manager) initiateSendOne(peerNick, localFilepath string, passive bool) SendOutcome {
	if !m.cfg.Enabled {
		return SendOutcome{Filepath: localFilepath, Status: "error", Err: fmt.Errorf("dcc: disabled")}
	}

	info, err := os.Stat(localFilepath)
	if err != nil {
		return SendOutcome{Filepath: localFilepath, Status: "error", Err: fmt.Errorf("dcc: file not found: %w", err)}
	}
	if info.IsDir() {
		return SendOutcome{Filepath: localFilepath, Status: "error", Err: fmt.Errorf("dcc: %q is a directory", localFilepath)}
	}
	size := info.Size()
	if m.cfg.MaxFileSize > 0 && size > m.cfg.MaxFileSize {
		return SendOutcome{Filepath: localFilepath, Status: "error", Err: fmt.Errorf("dcc: file exceeds maximum size of %d bytes", m.cfg.MaxFileSize)}
	}

	filename := basename(localFilepath)

	if passive {
		return m.initiatePassiveSend(peerNick, localFilepath, filename, size)
	}

	l, port, err := listen()
	if err != nil {
		return SendOutcome{Filepath: localFilepath, Status: "error", Err: err}
	}

	offer, err := FormatSend(filename, AdvertisedIP(), port, size)
	if err != nil {
		l.Close()
		return SendOutcome{Filepath: localFilepath, Status: "error", Err: err}
	}

	id := m.generateID()
	t := &Transfer{
		ID:                id,
		Direction:         DirectionSend,
		PeerNick:          peerNick,
		Filename:          filename,
		LocalPath:         localFilepath,
		Size:              size,
		BandwidthLimitBps: m.cfg.BandwidthLimitBps,
		ChecksumAlgorithm: m.cfg.ChecksumAlgorithm,
		Listener:          l,
	}

	m.register(id, t, peerNick, filename, size, DirectionSend)

	m.emit(EventTransferQueued, map[string]interface{}{
		"transfer_id": id, "type": "SEND", "nick": peerNick,
		"filename": filename, "size": size,
	})

	return SendOutcome{Filepath: localFilepath, Status: "started", ID: id, CTCPOffer: offer}
}

// initiatePassiveSend advertises a reverse-SEND offer (port 0, plus a
// token the peer echoes back in its ACCEPT) without opening a
// listening socket yet; the outward connection happens once the
// matching ACCEPT arrives, handled by HandleIncomingCTCP.
func (m *Manager) initiatePassiveSend(peerNick, localFilepath, filename string, size int64) SendOutcome {
	token := m.generateID()

	offer, err := FormatPassiveSend(filename, AdvertisedIP(), size, token)
	if err != nil {
		return SendOutcome{Filepath: localFilepath, Status: "error", Err: err}
	}

	m.mu.Lock()
	m.pendingPassives[token] = &pendingPassive{peerNick: peerNick, localPath: localFilepath, filename: filename, size: size}
	m.mu.Unlock()

	m.emit(EventTransferQueued, map[string]interface{}{
		"token": token, "type": "SEND", "nick": peerNick,
		"filename": filename, "size": size, "passive": true,
	})

	return SendOutcome{Filepath: localFilepath, Status: "queued", Token: token, CTCPOffer: offer}
}

// HandleIncomingCTCP is the single entry point for an inbound CTCP DCC
// payload: it parses the payload and routes it by kind. SEND offers
// are surfaced via EventSendOfferIn (and auto-accepted when
// autoAccept is true); ACCEPT completes a passive send we previously
// offered by dialing out to the port the peer names; RESUME restarts
// a matching SEND that has failed, been cancelled or timed out, at the
// requested offset.
func (m *Manager) HandleIncomingCTCP(nick, userhost, payload string, autoAccept bool) error {
	offer, err := ParseCTCP(payload)
	if err != nil {
		return err
	}

	switch offer.Kind {
	case KindSend:
		m.emit(EventSendOfferIn, map[string]interface{}{
			"nick": nick, "userhost": userhost, "filename": offer.Filename,
			"size": offer.Size, "port": offer.Port, "token": offer.Token,
		})
		if offer.IP != nil {
			m.emit(EventSendOfferIn, map[string]interface{}{"ip": offer.IP.String()})
		}
		if offer.Port == 0 {
			// Passive (reverse) SEND: the peer is waiting for us to
			// listen and ACCEPT. Leave it for accept_passive_offer_by_token.
			return nil
		}
		if autoAccept {
			_, err := m.AcceptIncomingSendOffer(nick, offer.Filename, offer.IP, offer.Port, offer.Size)
			return err
		}
		return nil

	case KindAccept:
		return m.handleIncomingAccept(userhost, offer)

	case KindResume:
		return m.handleIncomingResume(nick, offer)

	default:
		return fmt.Errorf("dcc: unhandled CTCP DCC kind %s", offer.Kind)
	}
}

// handleIncomingAccept completes a passive send we offered: dial out
// to the port the peer names in its ACCEPT, using the host recovered
// from the peer's userhost (the ACCEPT payload itself carries no
// address, only the port and token), and the position as a resume
// offset if nonzero.
func (m *Manager) handleIncomingAccept(userhost string, offer *Offer) error {
	m.mu.Lock()
	pending, ok := m.pendingPassives[offer.Token]
	if ok {
		delete(m.pendingPassives, offer.Token)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("dcc: no pending passive send for token %q", offer.Token)
	}

	host := hostFromUserhost(userhost)
	if host == "" {
		return fmt.Errorf("dcc: cannot resolve dial address from userhost %q", userhost)
	}

	id := m.generateID()
	t := &Transfer{
		ID:                id,
		Direction:         DirectionSend,
		PeerNick:          pending.peerNick,
		Filename:          pending.filename,
		LocalPath:         pending.localPath,
		Size:              pending.size,
		ResumeAt:          offer.Position,
		BandwidthLimitBps: m.cfg.BandwidthLimitBps,
		ChecksumAlgorithm: m.cfg.ChecksumAlgorithm,
		DialAddr:          fmt.Sprintf("%s:%d", host, offer.Port),
	}

	m.register(id, t, pending.peerNick, pending.filename, pending.size, DirectionSend)
	m.emit(EventTransferQueued, map[string]interface{}{
		"transfer_id": id, "type": "SEND", "nick": pending.peerNick,
		"filename": pending.filename, "size": pending.size,
	})
	return m.Start(id)
}

// hostFromUserhost extracts the host portion of a "nick!user@host"
// string, or "" if it isn't in that form.
func hostFromUserhost(userhost string) string {
	at := strings.IndexByte(userhost, '@')
	if at < 0 || at == len(userhost)-1 {
		return ""
	}
	return userhost[at+1:]
}

// handleIncomingResume locates a matching SEND transfer (by peer nick
// and filename, in a terminal non-completed state) and restarts it
// from offer.Position. No ACCEPT reply is sent to the peer.
func (m *Manager) handleIncomingResume(nick string, offer *Offer) error {
	m.mu.Lock()
	var e *entry
	var id string
	for candidateID, candidate := range m.transfers {
		if candidate.kind != DirectionSend || candidate.peerNick != nick || candidate.filename != offer.Filename {
			continue
		}
		switch candidate.transfer.Status() {
		case StatusFailed, StatusCancelled, StatusTimedOut:
			e, id = candidate, candidateID
		}
	}
	m.mu.Unlock()

	if e == nil {
		return fmt.Errorf("dcc: no resumable SEND to %s for %q", nick, offer.Filename)
	}

	e.transfer.ResumeAt = offer.Position
	return m.restart(id)
}

// AcceptIncomingSendOffer validates the proposed download path and
// begins receiving a file previously offered by a peer's active DCC
// SEND, connecting out to the offer's advertised address.
func (m *Manager) AcceptIncomingSendOffer(peerNick, filename string, ip net.IP, port int, size int64) (id string, err error) {
	if !m.cfg.Enabled {
		return "", fmt.Errorf("dcc: disabled")
	}

	validation := ValidateDownloadPath(filename, m.cfg.DownloadDir, m.cfg.BlockedExtensions, m.cfg.MaxFileSize, size)
	if !validation.Success {
		return "", fmt.Errorf("dcc: %s", validation.FailureReason)
	}

	id = m.generateID()
	t := &Transfer{
		ID:                id,
		Direction:         DirectionReceive,
		PeerNick:          peerNick,
		Filename:          filename,
		LocalPath:         validation.AbsolutePath,
		Size:              size,
		BandwidthLimitBps: m.cfg.BandwidthLimitBps,
		ChecksumAlgorithm: m.cfg.ChecksumAlgorithm,
		DialAddr:          fmt.Sprintf("%s:%d", ip.String(), port),
	}

	m.register(id, t, peerNick, filename, size, DirectionReceive)

	m.emit(EventTransferQueued, map[string]interface{}{
		"transfer_id": id, "type": "RECEIVE", "nick": peerNick,
		"filename": filename, "size": size,
	})

	if err := m.Start(id); err != nil {
		return "", err
	}
	return id, nil
}

// AcceptPassiveOfferByToken accepts a reverse-SEND offer received from
// a peer: filename/token identify the offer; we open the listening
// socket the peer will dial into and return the CTCP ACCEPT line that
// must be sent back, naming our port and this token.
func (m *Manager) AcceptPassiveOfferByToken(nick, filename, token string) (id, ctcpAccept string, err error) {
	if !m.cfg.Enabled {
		return "", "", fmt.Errorf("dcc: disabled")
	}

	// Size is not known from the token alone in this minimal registry;
	// the caller is expected to have re-parsed the original SEND offer
	// and validated its size/path before calling this. We still run
	// path validation against the filename.
	validation := ValidateDownloadPath(filename, m.cfg.DownloadDir, m.cfg.BlockedExtensions, 0, 0)
	if !validation.Success {
		return "", "", fmt.Errorf("dcc: %s", validation.FailureReason)
	}

	l, port, err := listen()
	if err != nil {
		return "", "", err
	}

	id = m.generateID()
	t := &Transfer{
		ID:                id,
		Direction:         DirectionReceive,
		PeerNick:          nick,
		Filename:          filename,
		LocalPath:         validation.AbsolutePath,
		BandwidthLimitBps: m.cfg.BandwidthLimitBps,
		ChecksumAlgorithm: m.cfg.ChecksumAlgorithm,
		Listener:          l,
	}

	m.register(id, t, nick, filename, 0, DirectionReceive)
	m.emit(EventTransferQueued, map[string]interface{}{
		"transfer_id": id, "type": "RECEIVE", "nick": nick, "filename": filename, "passive": true,
	})

	ctcpAccept, err = FormatAccept(filename, port, 0, token)
	if err != nil {
		return "", "", err
	}

	if err := m.Start(id); err != nil {
		return "", "", err
	}
	return id, ctcpAccept, nil
}

// AttemptUserResume locates a failed, cancelled, or timed-out transfer
// by an ID prefix or exact filename match and restarts it from its
// recorded byte count.
func (m *Manager) AttemptUserResume(identifier string) (id string, err error) {
	m.mu.Lock()
	var match *entry
	var matchID string
	for candidateID, candidate := range m.transfers {
		if candidateID != identifier && !strings.HasPrefix(candidateID, identifier) && candidate.filename != identifier {
			continue
		}
		switch candidate.transfer.Status() {
		case StatusFailed, StatusCancelled, StatusTimedOut:
			match, matchID = candidate, candidateID
		}
	}
	m.mu.Unlock()

	if match == nil {
		return "", fmt.Errorf("dcc: no resumable transfer matching %q", identifier)
	}

	match.transfer.ResumeAt = match.transfer.BytesTransferred()
	if err := m.restart(matchID); err != nil {
		return "", err
	}
	return matchID, nil
}

// register wires a freshly built Transfer's callbacks into the
// manager's event emission and stores it in the registry, but does not
// start it; call Start to launch the transfer goroutine.
func (m *Manager) register(id string, t *Transfer, peerNick, filename string, size int64, dir Direction) {
	t.OnStatus = func(status Status, message string) {
		m.onStatus(id, status, message)
	}
	t.OnProgress = func(transferred, total int64, rate float64) {
		m.onProgress(id, transferred, total, rate)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.transfers[id] = &entry{transfer: t, ctx: ctx, cancel: cancel, filename: filename, peerNick: peerNick, size: size, kind: dir}
	m.mu.Unlock()
}

// Start launches the transfer's goroutine. Safe to call once per
// transfer ID.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	e, ok := m.transfers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("dcc: unknown transfer %q", id)
	}

	go e.transfer.Run(e.ctx)
	return nil
}

// restart gives a terminal transfer a fresh context before Start
// relaunches it; reusing a cancelled context would make Run exit
// immediately instead of resuming.
func (m *Manager) restart(id string) error {
	m.mu.Lock()
	e, ok := m.transfers[id]
	if ok {
		e.ctx, e.cancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("dcc: unknown transfer %q", id)
	}
	return m.Start(id)
}

func (m *Manager) onStatus(id string, status Status, message string) {
	m.mu.Lock()
	e, ok := m.transfers[id]
	if ok && (status == StatusCompleted || status == StatusFailed || status == StatusCancelled || status == StatusTimedOut) {
		e.doneAt = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	var eventName string
	switch status {
	case StatusCompleted:
		eventName = EventTransferComplete
	case StatusFailed, StatusTimedOut:
		eventName = EventTransferError
	case StatusCancelled:
		eventName = EventTransferCancel
	case StatusTransferring:
		eventName = EventTransferStart
	}
	if eventName == "" {
		return
	}

	data := map[string]interface{}{
		"transfer_id": id,
		"type":        directionName(e.kind),
		"nick":        e.peerNick,
		"filename":    e.filename,
		"local_path":  e.transfer.LocalPath,
		"size":        e.size,
	}
	if message != "" {
		data["error_message"] = message
	}
	m.emit(eventName, data)
}

func (m *Manager) onProgress(id string, transferred, total int64, rate float64) {
	m.emit(EventTransferProgress, map[string]interface{}{
		"transfer_id":       id,
		"bytes_transferred": transferred,
		"total_size":        total,
		"rate_bps":          rate,
	})
}

func directionName(d Direction) string {
	if d == DirectionSend {
		return "SEND"
	}
	return "RECEIVE"
}

// Cancel stops an in-flight transfer.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	e, ok := m.transfers[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Status reports a transfer's current lifecycle status and byte
// count, for /dcc list style output.
func (m *Manager) Status(id string) (status Status, transferred, total int64, ok bool) {
	m.mu.Lock()
	e, found := m.transfers[id]
	m.mu.Unlock()
	if !found {
		return 0, 0, 0, false
	}
	return e.transfer.Status(), e.transfer.BytesTransferred(), e.size, true
}

// List returns the IDs of every tracked transfer, regardless of
// status.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.transfers))
	for id := range m.transfers {
		ids = append(ids, id)
	}
	return ids
}

// GetTransferStatuses returns a snapshot of every tracked transfer,
// for /dcc list style output that needs more than a bare ID.
func (m *Manager) GetTransferStatuses() []TransferSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]TransferSnapshot, 0, len(m.transfers))
	for id, e := range m.transfers {
		snapshots = append(snapshots, TransferSnapshot{
			ID:          id,
			PeerNick:    e.peerNick,
			Filename:    e.filename,
			Direction:   e.kind,
			Status:      e.transfer.Status(),
			Transferred: e.transfer.BytesTransferred(),
			Total:       e.size,
		})
	}
	return snapshots
}

// RunCleanup sweeps terminal transfers older than cfg.CleanupAfter
// from the registry until ctx is canceled. Intended to be launched
// once with `go m.RunCleanup(ctx)`.
func (m *Manager) RunCleanup(ctx context.Context) {
	if m.cfg.CleanupAfter <= 0 {
		return
	}

	ticker := time.NewTicker(m.cfg.CleanupAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.CleanupAfter)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.transfers {
		if e.doneAt.IsZero() {
			continue
		}
		if e.doneAt.Before(cutoff) {
			delete(m.transfers, id)
		}
	}
}

// Close stops the cleanup sweep goroutine, if running.
func (m *Manager) Close() {
	select {
	case <-m.stopCleanup:
	default:
		close(m.stopCleanup)
	}
}

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
