package devserver

import (
	"reflect"
	"testing"

	"classchat/internal/domain"
)

func seedMessages(t *testing.T, s *memStore, conv string, n int) []domain.Message {
	t.Helper()
	out := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		m := s.Append(conv, domain.Message{
			Author:  domain.Author{ID: "u-1", Name: "Sam"},
			Content: "message " + string(rune('a'+i)),
		})
		out = append(out, m)
	}
	return out
}

func TestMemStore_AppendAssignsIDs(t *testing.T) {
	s := newMemStore()
	m := s.Append("course-1", domain.Message{Content: "hi"})

	if m.ID == "" {
		t.Fatal("expected an assigned id")
	}
	if m.CreatedAt.IsZero() {
		t.Fatal("expected an assigned timestamp")
	}
	if m.Conversation != "course-1" {
		t.Fatalf("conversation = %q, want course-1", m.Conversation)
	}
}

func TestMemStore_PageWindows(t *testing.T) {
	s := newMemStore()
	all := seedMessages(t, s, "course-1", 5)

	// Newest two first.
	page, hasMore, err := s.Page("course-1", 2, "")
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if !hasMore {
		t.Fatal("expected more history behind the first page")
	}
	if len(page) != 2 || page[0].ID != all[3].ID || page[1].ID != all[4].ID {
		t.Fatalf("first page = %v, want messages 4 and 5", ids(page))
	}

	// Walk back from the cursor.
	page, hasMore, err = s.Page("course-1", 2, page[0].ID)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if !hasMore {
		t.Fatal("expected one more message behind the second page")
	}
	if len(page) != 2 || page[0].ID != all[1].ID || page[1].ID != all[2].ID {
		t.Fatalf("second page = %v, want messages 2 and 3", ids(page))
	}

	// Final page drains the rest.
	page, hasMore, err = s.Page("course-1", 2, page[0].ID)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if hasMore {
		t.Fatal("expected no more history")
	}
	if len(page) != 1 || page[0].ID != all[0].ID {
		t.Fatalf("last page = %v, want just the oldest", ids(page))
	}
}

func TestMemStore_PageFromOldestIsEmpty(t *testing.T) {
	s := newMemStore()
	all := seedMessages(t, s, "course-1", 3)

	page, hasMore, err := s.Page("course-1", 10, all[0].ID)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 0 || hasMore {
		t.Fatalf("page = %v hasMore = %v, want empty and false", ids(page), hasMore)
	}
}

func TestMemStore_PageRejectsForeignCursor(t *testing.T) {
	s := newMemStore()
	other := seedMessages(t, s, "course-2", 1)
	seedMessages(t, s, "course-1", 2)

	if _, _, err := s.Page("course-1", 10, "nope"); err == nil {
		t.Fatal("expected an error for an unknown cursor")
	}
	if _, _, err := s.Page("course-1", 10, other[0].ID); err == nil {
		t.Fatal("expected an error for a cursor from another conversation")
	}
}

func TestMemStore_ToggleReaction(t *testing.T) {
	s := newMemStore()
	m := s.Append("course-1", domain.Message{Content: "hi"})

	got, added, ok := s.ToggleReaction(m.ID, "👍", "zara")
	if !ok || !added {
		t.Fatalf("first toggle: added = %v ok = %v", added, ok)
	}
	got, added, ok = s.ToggleReaction(m.ID, "👍", "adam")
	if !ok || !added {
		t.Fatalf("second toggle: added = %v ok = %v", added, ok)
	}
	if want := []string{"adam", "zara"}; !reflect.DeepEqual(got.Reactions["👍"], want) {
		t.Fatalf("reactors = %v, want %v sorted", got.Reactions["👍"], want)
	}

	got, added, ok = s.ToggleReaction(m.ID, "👍", "zara")
	if !ok || added {
		t.Fatalf("removal toggle: added = %v ok = %v", added, ok)
	}
	if want := []string{"adam"}; !reflect.DeepEqual(got.Reactions["👍"], want) {
		t.Fatalf("reactors after removal = %v, want %v", got.Reactions["👍"], want)
	}

	got, _, ok = s.ToggleReaction(m.ID, "👍", "adam")
	if !ok {
		t.Fatal("expected toggle on existing message to succeed")
	}
	if len(got.Reactions) != 0 {
		t.Fatalf("reactions = %v, want empty map once the last reactor leaves", got.Reactions)
	}

	if _, _, ok := s.ToggleReaction("missing", "👍", "zara"); ok {
		t.Fatal("expected ok=false for an unknown message")
	}
}

func TestMemStore_MuteIsPerUser(t *testing.T) {
	s := newMemStore()
	s.SetMuted("course-1", "u-1", true)

	if !s.Muted("course-1", "u-1") {
		t.Fatal("expected u-1 muted")
	}
	if s.Muted("course-1", "u-2") {
		t.Fatal("did not expect u-2 muted")
	}
	if got := s.Info("course-1", "u-1"); !got.Muted {
		t.Fatal("expected info to reflect the caller's mute flag")
	}

	s.SetMuted("course-1", "u-1", false)
	if s.Muted("course-1", "u-1") {
		t.Fatal("expected unmute to stick")
	}
}

func TestMemStore_CloneIsolatesCallers(t *testing.T) {
	s := newMemStore()
	m := s.Append("course-1", domain.Message{Content: "hi"})
	s.ToggleReaction(m.ID, "👍", "zara")

	page, _, err := s.Page("course-1", 10, "")
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	page[0].Reactions["👍"][0] = "mallory"

	fresh, _, _ := s.ToggleReaction(m.ID, "🎉", "adam")
	if got := fresh.Reactions["👍"][0]; got != "zara" {
		t.Fatalf("stored reactor = %q, caller mutation leaked into the store", got)
	}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
