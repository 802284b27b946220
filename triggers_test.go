// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTriggerEventKindRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kind TriggerEventKind
	}{
		{"TEXT", TriggerText},
		{"action", TriggerAction},
		{"Join", TriggerJoin},
		{"KICK", TriggerKick},
		{"raw", TriggerRaw},
	}
	for _, c := range cases {
		k, ok := ParseTriggerEventKind(c.name)
		if !ok {
			t.Fatalf("ParseTriggerEventKind(%q) failed", c.name)
		}
		if k != c.kind {
			t.Errorf("ParseTriggerEventKind(%q) = %v, want %v", c.name, k, c.kind)
		}
		if k.String() != c.kind.String() {
			t.Errorf("String mismatch for %v", k)
		}
	}

	if _, ok := ParseTriggerEventKind("NOT_A_KIND"); ok {
		t.Error("expected failure for unknown kind name")
	}
}

func TestParseTriggerActionKindLegacyAlias(t *testing.T) {
	k, ok := ParseTriggerActionKind("PYTHON")
	if !ok || k != ActionScript {
		t.Errorf("PYTHON alias = %v, %v, want ActionScript, true", k, ok)
	}
	k, ok = ParseTriggerActionKind("command")
	if !ok || k != ActionCommand {
		t.Errorf("command = %v, %v, want ActionCommand, true", k, ok)
	}
	if _, ok := ParseTriggerActionKind("bogus"); ok {
		t.Error("expected failure for unknown action kind")
	}
}

func TestTriggerEngineAddRemoveSetEnabled(t *testing.T) {
	e := NewTriggerEngine(t.TempDir())

	id1, err := e.Add(TriggerText, `^hello`, ActionCommand, "/msg $nick hi")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id2, err := e.Add(TriggerJoin, `.*`, ActionCommand, "/msg $channel welcome $nick")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct IDs, got %d and %d", id1, id2)
	}

	if _, err := e.Add(TriggerText, `(unterminated`, ActionCommand, "/msg x y"); err == nil {
		t.Error("expected error for invalid regex pattern")
	}

	all := e.List(nil)
	if len(all) != 2 {
		t.Fatalf("List(nil) returned %d triggers, want 2", len(all))
	}

	textKind := TriggerText
	onlyText := e.List(&textKind)
	if len(onlyText) != 1 || onlyText[0].ID != id1 {
		t.Fatalf("List(TriggerText) = %+v, want single trigger with ID %d", onlyText, id1)
	}

	if !e.SetEnabled(id1, false) {
		t.Fatal("SetEnabled on existing ID returned false")
	}
	if e.SetEnabled(9999, false) {
		t.Fatal("SetEnabled on nonexistent ID returned true")
	}
	disabled := e.List(&textKind)
	if disabled[0].Enabled {
		t.Error("trigger should be disabled after SetEnabled(false)")
	}

	if !e.Remove(id2) {
		t.Fatal("Remove on existing ID returned false")
	}
	if e.Remove(id2) {
		t.Fatal("Remove on already-removed ID returned true")
	}
	if len(e.List(nil)) != 1 {
		t.Fatalf("expected 1 trigger remaining, got %d", len(e.List(nil)))
	}
}

func TestTriggerEngineProcessFirstMatchWins(t *testing.T) {
	e := NewTriggerEngine(t.TempDir())

	idFirst, _ := e.Add(TriggerText, `^ping`, ActionCommand, "/msg $nick pong-first")
	_, _ = e.Add(TriggerText, `^ping`, ActionCommand, "/msg $nick pong-second")

	outcome := e.Process(TriggerText, map[string]string{
		"message":     "ping",
		"nick":        "alice",
		"client_nick": "bot",
	})
	if outcome == nil {
		t.Fatal("expected a match")
	}
	if outcome.Trigger.ID != idFirst {
		t.Errorf("expected first-added trigger %d to win, got %d", idFirst, outcome.Trigger.ID)
	}
	if outcome.Command != "/msg alice pong-first" {
		t.Errorf("Command = %q", outcome.Command)
	}
}

func TestTriggerEngineProcessDisabledSkipped(t *testing.T) {
	e := NewTriggerEngine(t.TempDir())
	id, _ := e.Add(TriggerText, `^ping`, ActionCommand, "/msg $nick pong")
	e.SetEnabled(id, false)

	outcome := e.Process(TriggerText, map[string]string{"message": "ping", "nick": "alice"})
	if outcome != nil {
		t.Fatalf("disabled trigger should not match, got %+v", outcome)
	}
}

func TestTriggerEngineProcessNoMatch(t *testing.T) {
	e := NewTriggerEngine(t.TempDir())
	e.Add(TriggerText, `^ping$`, ActionCommand, "/msg $nick pong")

	outcome := e.Process(TriggerText, map[string]string{"message": "something else", "nick": "alice"})
	if outcome != nil {
		t.Fatalf("expected no match, got %+v", outcome)
	}

	outcome = e.Process(TriggerEventKind(999), map[string]string{"message": "ping"})
	if outcome != nil {
		t.Fatal("expected nil outcome for a kind with no matching field")
	}
}

func TestTriggerEngineProcessScriptAction(t *testing.T) {
	e := NewTriggerEngine(t.TempDir())
	e.Add(TriggerText, `^run`, ActionScript, "print('hi')")

	outcome := e.Process(TriggerText, map[string]string{"message": "run", "nick": "alice"})
	if outcome == nil {
		t.Fatal("expected a match")
	}
	if outcome.ActionType != ActionScript {
		t.Fatalf("ActionType = %v, want ActionScript", outcome.ActionType)
	}
	if outcome.Script != "print('hi')" {
		t.Errorf("Script = %q", outcome.Script)
	}
}

func TestBuildSubstitutionEnvFixedFields(t *testing.T) {
	env := buildSubstitutionEnv(map[string]string{
		"nick":        "alice",
		"channel":     "#general",
		"target":      "#general",
		"client_nick": "bot",
		"message":     "hello world",
		"reason":      "bye",
		"modes_str":   "+o alice",
		"new_topic":   "new topic here",
		"raw_line":    ":alice!a@b PRIVMSG #general :hello world",
		"timestamp":   "12345",
	}, nil)

	want := map[string]string{
		"$nick":      "alice",
		"$channel":   "#general",
		"$target":    "#general",
		"$me":        "bot",
		"$msg":       "hello world",
		"$message":   "hello world",
		"$reason":    "bye",
		"$mode":      "+o alice",
		"$topic":     "new topic here",
		"$raw":       ":alice!a@b PRIVMSG #general :hello world",
		"$timestamp": "12345",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%q] = %q, want %q", k, env[k], v)
		}
	}
}

func TestBuildSubstitutionEnvWords(t *testing.T) {
	env := buildSubstitutionEnv(map[string]string{"message": "hello world again"}, nil)

	if env["$$1"] != "hello" {
		t.Errorf(`env["$$1"] = %q, want "hello"`, env["$$1"])
	}
	if env["$$2"] != "world" {
		t.Errorf(`env["$$2"] = %q, want "world"`, env["$$2"])
	}
	if env["$$3"] != "again" {
		t.Errorf(`env["$$3"] = %q, want "again"`, env["$$3"])
	}
	if env["$1-"] != "world again" {
		t.Errorf(`env["$1-"] = %q, want "world again"`, env["$1-"])
	}
	if env["$2-"] != "again" {
		t.Errorf(`env["$2-"] = %q, want "again"`, env["$2-"])
	}
}

func TestBuildSubstitutionEnvGroups(t *testing.T) {
	env := buildSubstitutionEnv(map[string]string{}, []string{"hello world", "world"})

	if env["$0"] != "hello world" {
		t.Errorf(`env["$0"] = %q, want "hello world"`, env["$0"])
	}
	if env["$1"] != "world" {
		t.Errorf(`env["$1"] = %q, want "world"`, env["$1"])
	}
}

func TestTriggerEngineProcessSubstitutionExample(t *testing.T) {
	e := NewTriggerEngine(t.TempDir())
	e.Add(TriggerText, `^hello (\w+)$`, ActionCommand, "/msg $nick hi $1 from $me")

	outcome := e.Process(TriggerText, map[string]string{
		"message":     "hello world",
		"nick":        "source",
		"client_nick": "alice",
	})
	if outcome == nil {
		t.Fatal("expected a match")
	}
	want := "/msg source hi world from alice"
	if outcome.Command != want {
		t.Errorf("Command = %q, want %q", outcome.Command, want)
	}
}

func TestSubstituteLongestKeyFirst(t *testing.T) {
	env := map[string]string{
		"$msg":     "short",
		"$message": "long",
	}
	got := substitute("value is $message", env)
	if got != "value is long" {
		t.Errorf("substitute = %q, want %q", got, "value is long")
	}
}

func TestTriggerEnginePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	e1 := NewTriggerEngine(dir)
	id, err := e1.Add(TriggerKick, `^baduser$`, ActionCommand, "/msg $channel kicked $nick")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	e1.SetEnabled(id, true)

	path := filepath.Join(dir, "triggers.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected triggers.json to exist after Add: %v", err)
	}

	e2 := NewTriggerEngine(dir)
	loaded := e2.List(nil)
	if len(loaded) != 1 {
		t.Fatalf("expected 1 trigger loaded, got %d", len(loaded))
	}
	if loaded[0].ID != id || loaded[0].EventType != TriggerKick || loaded[0].Pattern != `^baduser$` {
		t.Errorf("loaded trigger mismatch: %+v", loaded[0])
	}

	nextID, err := e2.Add(TriggerText, `^x$`, ActionCommand, "/msg x y")
	if err != nil {
		t.Fatalf("Add after load: %v", err)
	}
	if nextID <= id {
		t.Errorf("nextID %d should be greater than previously loaded max ID %d", nextID, id)
	}
}

func TestTriggerEngineLoadIgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triggers.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	e := NewTriggerEngine(dir)
	if len(e.List(nil)) != 0 {
		t.Fatal("expected empty engine when backing file is corrupt")
	}

	if _, err := e.Add(TriggerText, `^x$`, ActionCommand, "/msg x y"); err != nil {
		t.Fatalf("Add after corrupt load: %v", err)
	}
}
