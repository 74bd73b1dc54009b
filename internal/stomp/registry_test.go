package stomp

import "testing"

func TestSubscribeChatIdempotent(t *testing.T) {
	r := NewRegistry()
	dest := QuoteChatDest(14)

	id1, created1 := r.Subscribe(dest)
	id2, created2 := r.Subscribe(dest)

	if !created1 {
		t.Error("first subscribe should report created")
	}
	if created2 {
		t.Error("second subscribe should be a no-op")
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestSubscribeNonChatGeneratesFreshID(t *testing.T) {
	r := NewRegistry()

	id1, _ := r.Subscribe(DestSystemErrors)
	id2, created := r.Subscribe(DestSystemErrors)

	if !created {
		t.Error("non-chat resubscribe should report created")
	}
	if id1 == id2 {
		t.Error("non-chat resubscribe should generate a fresh id")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry()
	dest := QuoteChatDest(7)

	id, _ := r.Subscribe(dest)
	removed, ok := r.Unsubscribe(dest)

	if !ok {
		t.Fatal("unsubscribe should find the destination")
	}
	if removed != id {
		t.Errorf("removed id = %q, want %q", removed, id)
	}
	if _, ok := r.Lookup(dest); ok {
		t.Error("destination still present after unsubscribe")
	}

	if _, ok := r.Unsubscribe(dest); ok {
		t.Error("second unsubscribe should report not found")
	}
}

func TestAllActiveKeepsOrder(t *testing.T) {
	r := NewRegistry()
	dests := []string{DestSystemErrors, CompanyRequestsDest(3), QuoteChatDest(1), QuoteChatDest(2)}
	for _, d := range dests {
		r.Subscribe(d)
	}

	entries := r.AllActive()
	if len(entries) != len(dests) {
		t.Fatalf("entries = %d, want %d", len(entries), len(dests))
	}
	for i, d := range dests {
		if entries[i].Destination != d {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].Destination, d)
		}
	}
}

func TestChatDestinations(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(DestSystemErrors)
	r.Subscribe(QuoteChatDest(5))
	r.Subscribe(AccountQuotesDest(9))
	r.Subscribe(QuoteChatDest(6))

	chats := r.ChatDestinations()
	want := []string{QuoteChatDest(5), QuoteChatDest(6)}
	if len(chats) != len(want) {
		t.Fatalf("chat destinations = %v, want %v", chats, want)
	}
	for i := range want {
		if chats[i] != want[i] {
			t.Errorf("chats[%d] = %q, want %q", i, chats[i], want[i])
		}
	}
}

func TestRenewAssignsFreshID(t *testing.T) {
	r := NewRegistry()
	dest := QuoteChatDest(4)
	old, _ := r.Subscribe(dest)

	fresh, ok := r.Renew(dest)
	if !ok {
		t.Fatal("renew should find the destination")
	}
	if fresh == old {
		t.Error("renew should assign a fresh id")
	}

	current, _ := r.Lookup(dest)
	if current != fresh {
		t.Errorf("lookup = %q, want renewed id %q", current, fresh)
	}

	if _, ok := r.Renew("/topic/unknown"); ok {
		t.Error("renew of unknown destination should fail")
	}
}

func TestClear(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(DestSystemErrors)
	r.Subscribe(QuoteChatDest(1))

	r.Clear()

	if r.Len() != 0 {
		t.Errorf("Len after clear = %d, want 0", r.Len())
	}
	if len(r.AllActive()) != 0 {
		t.Error("AllActive should be empty after clear")
	}
}
