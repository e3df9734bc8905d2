package main

import (
	"bytes"
	"strings"
	"testing"
)

func runRootForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelpListsSubcommands(t *testing.T) {
	out, err := runRootForTest("--help")
	if err != nil {
		t.Fatalf("help: %v\n%s", err, out)
	}
	for _, sub := range []string{"onboard", "run", "cycle", "memory", "change", "review", "status", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing %q", sub)
		}
	}
}

func TestRootWithoutSubcommandErrors(t *testing.T) {
	out, err := runRootForTest()
	if err == nil {
		t.Fatal("bare invocation should demand a subcommand")
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("bare invocation should print help, got:\n%s", out)
	}
}

func TestUnknownSubcommandErrors(t *testing.T) {
	if _, err := runRootForTest("frobnicate"); err == nil {
		t.Fatal("unknown subcommand accepted")
	}
}

func TestCycleHelp(t *testing.T) {
	out, err := runRootForTest("cycle", "--help")
	if err != nil {
		t.Fatalf("cycle help: %v", err)
	}
	for _, sub := range []string{"start", "status", "cancel"} {
		if !strings.Contains(out, sub) {
			t.Errorf("cycle help missing %q", sub)
		}
	}
}

func TestMemoryHelp(t *testing.T) {
	out, err := runRootForTest("memory", "--help")
	if err != nil {
		t.Fatalf("memory help: %v", err)
	}
	for _, sub := range []string{"store", "inject", "retrieve", "prune", "backup", "list", "get"} {
		if !strings.Contains(out, sub) {
			t.Errorf("memory help missing %q", sub)
		}
	}
}
