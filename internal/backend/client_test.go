package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caiofn/chatsync/internal/outbox"
	"github.com/caiofn/chatsync/internal/pager"
	"github.com/caiofn/chatsync/internal/store"
	"github.com/caiofn/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "token-1", 2*time.Second, zap.NewNop())
}

func TestSendEchoesClientRef(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":              "42",
			"conversation_id": gotBody["conversation_id"],
			"sender_id":       "me",
			"receiver_id":     gotBody["receiver_id"],
			"content":         gotBody["content"],
			"content_type":    gotBody["content_type"],
			"client_ref":      gotBody["client_ref"],
			"created_at":      1000,
			"is_delivered":    true,
		})
	})

	msg, err := c.Send(context.Background(), outbox.SendRequest{
		ConversationID: "c1", ReceiverID: "them",
		Content: "hello", ContentType: store.ContentText, ClientRef: "corr-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer token-1" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody["client_ref"] != "corr-1" {
		t.Errorf("client_ref = %q, want %q", gotBody["client_ref"], "corr-1")
	}
	if msg.ID != "42" || msg.CorrelationID != "" || msg.DeliveryState != store.DeliverySent {
		t.Errorf("message = %+v", msg)
	}
}

func TestFetchMessagesBeforePassesCursor(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("before_at") != "1000" || q.Get("before_id") != "42" || q.Get("limit") != "30" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "41", "conversation_id": "c1", "sender_id": "them", "receiver_id": "me",
				"content": "older", "content_type": "text", "created_at": 999},
		})
	})

	msgs, err := c.FetchMessagesBefore(context.Background(), "c1",
		pager.Cursor{CreatedAt: 1000, ID: "42"}, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "41" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestFetchSnapshotCarriesClientRefs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/snapshot" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"conversations": []map[string]any{
				{"id": "c1", "participant_a_id": "me", "participant_b_id": "them", "created_at": 900},
			},
			"messages": []map[string]any{
				{"id": "42", "conversation_id": "c1", "sender_id": "me", "receiver_id": "them",
					"content": "hi", "content_type": "text", "created_at": 1000, "client_ref": "corr-1"},
			},
		})
	})

	snap, err := c.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Conversations) != 1 || snap.Conversations[0].ID != "c1" {
		t.Errorf("conversations = %+v", snap.Conversations)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].ClientRef != "corr-1" {
		t.Errorf("messages = %+v", snap.Messages)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusUnauthorized, func(err error) bool {
			var e *syncerr.AuthError
			return errors.As(err, &e)
		}, "auth"},
		{http.StatusUnprocessableEntity, func(err error) bool {
			var e *syncerr.ValidationError
			return errors.As(err, &e)
		}, "validation"},
		{http.StatusConflict, func(err error) bool {
			var e *syncerr.ConflictError
			return errors.As(err, &e)
		}, "conflict"},
		{http.StatusServiceUnavailable, syncerr.Retryable, "retryable 5xx"},
		{http.StatusTooManyRequests, syncerr.Retryable, "retryable 429"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
			})
			err := c.MarkConversationRead(context.Background(), "c1")
			if err == nil || !tc.check(err) {
				t.Errorf("status %d classified as %v", tc.status, err)
			}
		})
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "token", 200*time.Millisecond, zap.NewNop())
	err := c.MarkConversationRead(context.Background(), "c1")
	if !syncerr.Retryable(err) {
		t.Errorf("transport error not retryable: %v", err)
	}
}

func TestFlagCommands(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.SetStarred(context.Background(), "c1", true); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/v1/conversations/c1" || !gotBody["starred"] {
		t.Errorf("request = %s %s %v", gotMethod, gotPath, gotBody)
	}

	if err := c.SetArchived(context.Background(), "c1", true); err != nil {
		t.Fatal(err)
	}
	if !gotBody["archived"] {
		t.Errorf("body = %v", gotBody)
	}
}
