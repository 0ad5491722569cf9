package broadcast

import "testing"

func TestPublishDropsOldest(t *testing.T) {
	h := New[int](2)
	ch, cancel := h.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		h.Publish(i)
	}

	var got []int
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	if len(got) != 2 || got[len(got)-1] != 5 {
		t.Fatalf("expected the newest value to survive, got %v", got)
	}
}

func TestCancelAndClose(t *testing.T) {
	h := New[string](0)
	a, cancelA := h.Subscribe()
	b, _ := h.Subscribe()
	if h.Len() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", h.Len())
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatal("cancelled channel should be closed")
	}

	h.Publish("x")
	if v := <-b; v != "x" {
		t.Fatalf("expected x, got %q", v)
	}

	h.Close()
	h.Close()
	if _, ok := <-b; ok {
		t.Fatal("channel should be closed after hub close")
	}

	late, _ := h.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("subscribing to a closed hub should return a closed channel")
	}
}
