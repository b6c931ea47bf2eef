package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestResolveStatus(t *testing.T) {
	t0 := time.UnixMilli(1000)
	t1 := time.UnixMilli(2000)
	t2 := time.UnixMilli(3000)

	tests := []struct {
		name string
		msg  Message
		want Status
	}{
		{"no timestamps", Message{}, StatusSending},
		{"sent", Message{SentAt: &t0}, StatusSent},
		{"delivered", Message{SentAt: &t0, DeliveredAt: &t1}, StatusDelivered},
		{"read", Message{SentAt: &t0, DeliveredAt: &t1, ReadAt: &t2}, StatusRead},
		{"stored status ignored", Message{SentAt: &t0, Status: StatusFailed}, StatusSent},
		{"read without sent is sending", Message{ReadAt: &t2}, StatusSending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveStatus(&tt.msg)
			if got != tt.want {
				t.Errorf("ResolveStatus() = %s, want %s", got, tt.want)
			}
			// Same input, same output.
			if again := ResolveStatus(&tt.msg); again != got {
				t.Errorf("second ResolveStatus() = %s, want %s", again, got)
			}
		})
	}
}

func TestAnnotate(t *testing.T) {
	t0 := time.UnixMilli(1000)
	msgs := []Message{{ID: "a"}, {ID: "b", SentAt: &t0, ReadAt: &t0}}
	Annotate(msgs)
	if msgs[0].Status != StatusSending || msgs[1].Status != StatusRead {
		t.Errorf("statuses = %s,%s, want sending,read", msgs[0].Status, msgs[1].Status)
	}
}

func TestMessageRowRoundTripFloat(t *testing.T) {
	// Rows decoded from a protobuf Struct carry numbers as float64.
	row := map[string]any{
		"id":              "m1",
		"conversation_id": "c1",
		"sender_id":       "u1",
		"content":         "hello",
		"message_type":    "text",
		"is_admin":        true,
		"sent_at":         float64(1700000000123),
		"delivered_at":    nil,
		"read_at":         nil,
		"created_at":      float64(1700000000100),
	}
	m := MessageFromRow(row)
	if m.SentAt == nil || m.SentAt.UnixMilli() != 1700000000123 {
		t.Fatalf("SentAt = %v, want 1700000000123", m.SentAt)
	}
	if m.DeliveredAt != nil {
		t.Errorf("DeliveredAt = %v, want nil", m.DeliveredAt)
	}
	if m.Status != StatusSent {
		t.Errorf("Status = %s, want sent", m.Status)
	}
	if !m.IsAdmin {
		t.Error("IsAdmin = false, want true")
	}

	out := MessageToRow(&m)
	if out["delivered_at"] != nil {
		t.Errorf("delivered_at = %#v, want untyped nil", out["delivered_at"])
	}
	if _, ok := out["status"]; ok {
		t.Error("status must not be written to the backend")
	}
}

func TestConversationFromRow(t *testing.T) {
	c := ConversationFromRow(map[string]any{
		"id": "c1", "user_id": "u1", "admin_id": "a1",
		"unread_count": float64(4), "is_active": true, "last_message_at": nil,
	})
	if c.AdminID == nil || *c.AdminID != "a1" {
		t.Errorf("AdminID = %v, want a1", c.AdminID)
	}
	if c.UnreadCount != 4 {
		t.Errorf("UnreadCount = %d, want 4", c.UnreadCount)
	}
	if c.LastMessageAt != nil {
		t.Errorf("LastMessageAt = %v, want nil", c.LastMessageAt)
	}
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		in   string
		want MessageType
	}{
		{"hello", TypeText},
		{"see https://cherrygifts.example/order/12", TypeLink},
		{"https://cdn.example/a.png", TypeImage},
		{"https://cdn.example/a.PNG?w=100", TypeImage},
		{"look https://cdn.example/a.png", TypeLink},
	}
	for _, tt := range tests {
		if got := DetectType(tt.in); got != tt.want {
			t.Errorf("DetectType(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestValidateContent(t *testing.T) {
	if err := ValidateContent("  \n\t"); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("ValidateContent(blank) = %v, want ErrEmptyMessage", err)
	}
	if err := ValidateContent("hi"); err != nil {
		t.Errorf("ValidateContent(hi) = %v, want nil", err)
	}
}

func TestClassify(t *testing.T) {
	base := fmt.Errorf("dial tcp: refused")
	e := Classify(CodeQueryFailed, "load messages", base)
	if e.Code != CodeQueryFailed {
		t.Errorf("Code = %s, want QUERY_FAILED", e.Code)
	}
	if !errors.Is(e, base) {
		t.Error("classified error should unwrap to the cause")
	}
	// Already-typed errors keep their code.
	if again := Classify(CodeNetwork, "x", e); again != e {
		t.Error("Classify should return an existing *Error unchanged")
	}
	if Classify(CodeNetwork, "x", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
	if CodeOf(fmt.Errorf("wrap: %w", e)) != CodeQueryFailed {
		t.Error("CodeOf should see through wrapping")
	}
}
