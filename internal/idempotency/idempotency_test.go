package idempotency

import (
	"errors"
	"testing"
	"time"
)

type resp struct {
	Status string `json:"status"`
}

func TestReplayRoundTrip(t *testing.T) {
	c := New(8, time.Minute)
	fp := Fingerprint(map[string]string{"signature": "x"})
	var out resp
	if ok, err := c.Replay("u1", "k1", "approve", fp, &out); ok || err != nil {
		t.Fatalf("unexpected hit: %v %v", ok, err)
	}
	if err := c.Save("u1", "k1", "approve", fp, resp{Status: "pending_cpso"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err := c.Replay("u1", "k1", "approve", fp, &out)
	if !ok || err != nil || out.Status != "pending_cpso" {
		t.Fatalf("replay: %v %v %+v", ok, err, out)
	}
	if ok, _ := c.Replay("u2", "k1", "approve", fp, &out); ok {
		t.Fatalf("key leaked across actors")
	}
	if ok, _ := c.Replay("u1", "k1", "cancel", fp, &out); ok {
		t.Fatalf("key leaked across endpoints")
	}
}

func TestReplayDetectsReuse(t *testing.T) {
	c := New(8, time.Minute)
	_ = c.Save("u1", "k1", "approve", Fingerprint("a"), resp{Status: "x"})
	var out resp
	if _, err := c.Replay("u1", "k1", "approve", Fingerprint("b"), &out); !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected ErrKeyReused, got %v", err)
	}
}

func TestDisabledCacheAndEmptyKey(t *testing.T) {
	var out resp
	c := New(0, time.Minute)
	if err := c.Save("u1", "k1", "approve", "", resp{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok, _ := c.Replay("u1", "k1", "approve", "", &out); ok {
		t.Fatalf("disabled cache replayed")
	}
	c = New(8, time.Minute)
	_ = c.Save("u1", "", "approve", "", resp{Status: "x"})
	if ok, _ := c.Replay("u1", "", "approve", "", &out); ok {
		t.Fatalf("empty key replayed")
	}
}
