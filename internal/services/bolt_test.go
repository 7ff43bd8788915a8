package services_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/MegaGrindStone/ollama-web-chat/internal/services"
)

func newBoltDB(t *testing.T) services.BoltDB {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDBChats(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	now := time.Now()
	for _, c := range []models.Chat{
		{ID: "a", UserID: "alice", Title: "older", CreatedAt: now.Add(-time.Hour)},
		{ID: "b", UserID: "alice", Title: "newer", CreatedAt: now},
		{ID: "c", UserID: "bob", Title: "bob's", CreatedAt: now},
	} {
		if _, err := db.AddChat(ctx, c); err != nil {
			t.Fatalf("AddChat() error = %v", err)
		}
	}

	chats, err := db.Chats(ctx, "alice")
	if err != nil {
		t.Fatalf("Chats() error = %v", err)
	}
	if len(chats) != 2 || chats[0].ID != "b" || chats[1].ID != "a" {
		t.Errorf("Chats() = %+v, want b then a", chats)
	}

	if err := db.UpdateChat(ctx, models.Chat{ID: "a", UserID: "alice", Title: "renamed"}); err != nil {
		t.Fatalf("UpdateChat() error = %v", err)
	}
	chat, err := db.Chat(ctx, "a")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if chat.Title != "renamed" {
		t.Errorf("Chat().Title = %q, want renamed", chat.Title)
	}

	if _, err := db.Chat(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Chat(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := db.AddChat(ctx, models.Chat{}); err == nil {
		t.Error("AddChat() without id succeeded")
	}
}

func TestBoltDBMessagesKeepOrder(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	if _, err := db.AddChat(ctx, models.Chat{ID: "chat", UserID: "alice"}); err != nil {
		t.Fatal(err)
	}

	// More than ten messages, so unpadded sequence keys would sort "10" before "2".
	var want []string
	for i := range 12 {
		id := string(rune('a' + i))
		want = append(want, id)
		if _, err := db.AddMessage(ctx, "chat", models.Message{ID: id, Role: models.RoleUser, Content: id}); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}

	msgs, err := db.Messages(ctx, "chat")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != len(want) {
		t.Fatalf("Messages() returned %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Errorf("message %d = %q, want %q", i, m.ID, want[i])
		}
		if m.ChatID != "chat" {
			t.Errorf("message %d chat = %q, want chat", i, m.ChatID)
		}
	}

	if _, err := db.AddMessage(ctx, "missing", models.Message{ID: "x"}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("AddMessage(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBoltDBVotes(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	votes, err := db.Votes(ctx, "chat")
	if err != nil {
		t.Fatalf("Votes() error = %v", err)
	}
	if votes == nil || len(votes) != 0 {
		t.Errorf("Votes() = %#v, want empty non-nil slice", votes)
	}

	if err := db.Vote(ctx, models.Vote{ChatID: "chat", MessageID: "m1", IsUpvoted: true}); err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	if err := db.Vote(ctx, models.Vote{ChatID: "chat", MessageID: "m1", IsUpvoted: false}); err != nil {
		t.Fatalf("Vote() error = %v", err)
	}

	votes, err = db.Votes(ctx, "chat")
	if err != nil {
		t.Fatalf("Votes() error = %v", err)
	}
	if len(votes) != 1 || votes[0].IsUpvoted {
		t.Errorf("Votes() = %+v, want a single downvote", votes)
	}
}

func TestBoltDBDeleteChat(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	if _, err := db.AddChat(ctx, models.Chat{ID: "chat", UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AddMessage(ctx, "chat", models.Message{ID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Vote(ctx, models.Vote{ChatID: "chat", MessageID: "m1", IsUpvoted: true}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteChat(ctx, "chat"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}
	if _, err := db.Chat(ctx, "chat"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Chat() after delete error = %v, want ErrNotFound", err)
	}
	msgs, err := db.Messages(ctx, "chat")
	if err != nil || len(msgs) != 0 {
		t.Errorf("Messages() after delete = %v, %v", msgs, err)
	}
	votes, err := db.Votes(ctx, "chat")
	if err != nil || len(votes) != 0 {
		t.Errorf("Votes() after delete = %v, %v", votes, err)
	}

	if err := db.DeleteChat(ctx, "chat"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second DeleteChat() error = %v, want ErrNotFound", err)
	}
}

func TestBoltDBFiles(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	id, err := db.AddFile(ctx, models.File{ID: "f1", Name: "cat.png", ContentType: "image/png", Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}

	f, err := db.File(ctx, id)
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}
	if f.Name != "cat.png" || len(f.Data) != 3 {
		t.Errorf("File() = %+v", f)
	}

	if _, err := db.File(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("File(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := db.AddFile(ctx, models.File{ID: "../x"}); err == nil {
		t.Error("AddFile() accepted an id with a slash")
	}
}
