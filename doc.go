// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package tirc implements the core of a terminal IRC client: the
// connection lifecycle state machine (TCP/TLS, CAP, SASL, registration,
// reconnection), the message codec and command dispatcher, per-conversation
// context tracking, a trigger engine, and an event bus. The terminal UI,
// command-line parsing, configuration file I/O, and script loading are
// external collaborators that consume this package's events and commands;
// see the dcc subpackage for the DCC file-transfer engine.
package tirc
