package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/crypto"
)

func TestStaticDirectoryRoundTrip(t *testing.T) {
	addr := [20]byte{0xA1}
	dir, err := NewStatic(map[string]string{"alice": crypto.FormatAddress(addr)})
	if err != nil {
		t.Fatalf("new static: %v", err)
	}
	got, err := dir.Resolve(context.Background(), " alice ")
	if err != nil || got != addr {
		t.Fatalf("resolve: %x %v", got, err)
	}
	id, err := dir.Participant(context.Background(), addr)
	if err != nil || id != "alice" {
		t.Fatalf("participant: %q %v", id, err)
	}
	if _, err := dir.Resolve(context.Background(), "mallory"); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := NewStatic(map[string]string{"bad": "zz"}); err == nil {
		t.Fatalf("expected malformed address error")
	}
}

func TestClientResolvesOverHTTP(t *testing.T) {
	addr := [20]byte{0xB2}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/participants/bob":
			_ = json.NewEncoder(w).Encode(participantPayload{ParticipantID: "bob", Address: crypto.FormatAddress(addr)})
		case "/addresses/" + crypto.FormatAddress(addr):
			_ = json.NewEncoder(w).Encode(participantPayload{ParticipantID: "bob"})
		case "/participants/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "key"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	if got, err := client.Resolve(ctx, "bob"); err != nil || got != addr {
		t.Fatalf("resolve: %x %v", got, err)
	}
	if id, err := client.Participant(ctx, addr); err != nil || id != "bob" {
		t.Fatalf("participant: %q %v", id, err)
	}
	if _, err := client.Resolve(ctx, "nobody"); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected unknown participant, got %v", err)
	}
	if _, err := client.Resolve(ctx, "down"); coreerrors.KindOf(err) != coreerrors.ErrExternal {
		t.Fatalf("expected external failure, got %v", err)
	}
}
