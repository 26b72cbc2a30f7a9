package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchHistoryBuildsRequest(t *testing.T) {
	var gotPath, gotAuth string
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = map[string]string{
			"chat_id":   r.URL.Query().Get("chat_id"),
			"before_id": r.URL.Query().Get("before_id"),
			"limit":     r.URL.Query().Get("limit"),
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"id": "srv-1", "chat_id": "room-1", "sender_id": "alice", "content": "hi"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token-1")
	msgs, err := c.FetchHistory(context.Background(), "room-1", "srv-9", 25)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if gotPath != "/api/history" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("unexpected auth %q", gotAuth)
	}
	if gotQuery["chat_id"] != "room-1" || gotQuery["before_id"] != "srv-9" || gotQuery["limit"] != "25" {
		t.Fatalf("unexpected query %v", gotQuery)
	}
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestFetchHistoryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.FetchHistory(context.Background(), "room-1", "", 10); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient("", "")
	if c.Enabled() {
		t.Fatal("empty base url must be disabled")
	}
	msgs, err := c.FetchHistory(context.Background(), "room-1", "", 10)
	if err != nil || msgs != nil {
		t.Fatalf("disabled fetch: msgs=%v err=%v", msgs, err)
	}
	if err := c.MarkRead(context.Background(), "room-1", "me"); err != nil {
		t.Fatalf("disabled mark read: %v", err)
	}
	if _, err := c.CreateRoom(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("disabled create room must error")
	}
}

func TestCreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			ParticipantIDs []string `json:"participant_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ParticipantIDs) != 2 {
			t.Errorf("bad request body: %v %v", req, err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "room-new", "kind": "private"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	room, err := c.CreateRoom(context.Background(), []string{"me", "alice"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.ID != "room-new" {
		t.Fatalf("unexpected room %+v", room)
	}
}
