package emoji

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestTable_Lookup(t *testing.T) {
	tbl := NewTable()

	tests := []struct {
		code   string
		want   string
		wantOK bool
	}{
		{"+1", "👍", true},
		{":+1:", "👍", true},
		{" :tada: ", "🎉", true},
		{"100", "💯", true},
		{"shrug", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := tbl.Lookup(tt.code)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Lookup(%q) = (%q, %v), want (%q, %v)", tt.code, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestTable_Expand(t *testing.T) {
	tbl := NewTable()

	tests := []struct {
		in   string
		want string
	}{
		{"good work :+1:", "good work 👍"},
		{":tada: :fire:", "🎉 🔥"},
		{"plain text", "plain text"},
		{"meet at 10:30: room A", "meet at 10:30: room A"},
		{":shrug: stays literal", ":shrug: stays literal"},
		{"unterminated :+1", "unterminated :+1"},
		{"back to back:clap::clap:", "back to back👏👏"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := tbl.Expand(tt.in); got != tt.want {
			t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTable_LoadFile(t *testing.T) {
	tbl := NewTable()
	path := filepath.Join(t.TempDir(), "emoji.yaml")
	content := "shrug: \"🤷\"\n\":custom:\": \"🦆\"\n\"+1\": \"👍🏽\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := tbl.LoadFile(path, testLogger()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got, ok := tbl.Lookup("shrug"); !ok || got != "🤷" {
		t.Errorf("user code shrug = (%q, %v)", got, ok)
	}
	if got, ok := tbl.Lookup("custom"); !ok || got != "🦆" {
		t.Errorf("colon-wrapped key custom = (%q, %v)", got, ok)
	}
	if got, _ := tbl.Lookup("+1"); got != "👍🏽" {
		t.Errorf("user override of +1 = %q", got)
	}
	if got, ok := tbl.Lookup("tada"); !ok || got != "🎉" {
		t.Errorf("builtin tada after load = (%q, %v)", got, ok)
	}
}

func TestTable_LoadFileMissing(t *testing.T) {
	tbl := NewTable()
	if err := tbl.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), testLogger()); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if _, ok := tbl.Lookup("+1"); !ok {
		t.Fatal("builtins lost after skipped load")
	}
}

func TestTable_LoadFileMalformed(t *testing.T) {
	tbl := NewTable()
	path := filepath.Join(t.TempDir(), "emoji.yaml")
	os.WriteFile(path, []byte("[this is a list, not a map]"), 0o644)

	if err := tbl.LoadFile(path, testLogger()); err == nil {
		t.Fatal("malformed table should error")
	}
}
