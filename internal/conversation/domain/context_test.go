package domain

import (
	"testing"
	"time"
)

func TestAppendKeepsActivityMonotonic(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	conv := NewConversationContext("s1", nil, "en", start)

	first := conv.Append(RoleUser, "hello", nil, start.Add(time.Minute))
	second := conv.Append(RoleAssistant, "hi there", nil, start)

	if second.Timestamp.Before(first.Timestamp) {
		t.Fatalf("message timestamps went backwards: %s then %s", first.Timestamp, second.Timestamp)
	}
	if !conv.LastActivityAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("last activity regressed to %s", conv.LastActivityAt)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].Content != "hello" {
		t.Fatalf("unexpected messages %+v", conv.Messages)
	}
}

func TestCloneDoesNotShareState(t *testing.T) {
	customer := "cust-1"
	conv := NewConversationContext("s1", &customer, "nl", time.Now())
	conv.Append(RoleUser, "hallo", map[string]any{"channel": "whatsapp"}, time.Now())

	clone := conv.Clone()
	*clone.CustomerID = "cust-2"
	clone.Messages[0].Metadata["channel"] = "web"
	clone.Messages = append(clone.Messages, Message{Content: "extra"})

	if *conv.CustomerID != "cust-1" {
		t.Fatal("clone shares customer id pointer")
	}
	if conv.Messages[0].Metadata["channel"] != "whatsapp" {
		t.Fatal("clone shares metadata map")
	}
	if len(conv.Messages) != 1 {
		t.Fatal("clone shares message slice")
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleSystem} {
		if !r.Valid() {
			t.Errorf("%s should be valid", r)
		}
	}
	if Role("tool").Valid() {
		t.Error("tool is not a conversation role")
	}
}
