package hub

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/internal/session"
)

func TestHub_Create_Get_SamePointer(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx, zap.NewNop())
	reply := make(chan *session.Session, 1)

	h.Inbox() <- CreateSession{Code: "KX2M4A", Reply: reply}
	s1 := <-reply

	h.Inbox() <- GetSession{Code: "KX2M4A", Reply: reply}
	s2 := <-reply

	if s1 == nil || s2 == nil || s1 != s2 {
		t.Fatalf("expected same session pointer")
	}
}

func TestHub_GetMissingReturnsNil(t *testing.T) {
	h := NewHub(context.Background(), zap.NewNop())
	reply := make(chan *session.Session, 1)

	h.Inbox() <- GetSession{Code: "NOPE", Reply: reply}
	if s := <-reply; s != nil {
		t.Fatalf("expected nil for unknown code")
	}
}

func TestHub_RemoveForgetsSession(t *testing.T) {
	h := NewHub(context.Background(), zap.NewNop())
	reply := make(chan *session.Session, 1)

	h.Inbox() <- EnsureSession{Code: "KX2M4A", Reply: reply}
	<-reply

	h.Inbox() <- RemoveSession{Code: "KX2M4A"}

	h.Inbox() <- GetSession{Code: "KX2M4A", Reply: reply}
	if got := <-reply; got != nil {
		t.Fatalf("expected session removed")
	}
}

func TestHub_EnsureIsIdempotent(t *testing.T) {
	h := NewHub(context.Background(), zap.NewNop())
	reply := make(chan *session.Session, 1)

	h.Inbox() <- EnsureSession{Code: "KX2M4A", Reply: reply}
	s1 := <-reply
	h.Inbox() <- EnsureSession{Code: "KX2M4A", Reply: reply}
	s2 := <-reply

	if s1 != s2 {
		t.Fatalf("ensure must reuse the existing session")
	}
}
