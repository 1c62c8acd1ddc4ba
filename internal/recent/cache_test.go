package recent

import (
	"testing"
	"time"

	"github.com/Napageneral/pulse/imessage"
)

func TestPutGet(t *testing.T) {
	c := New(0)

	if _, ok := c.Get(1); ok {
		t.Error("expected miss on empty cache")
	}

	msgs := []imessage.ExtractedMessage{{Text: "hello", Timestamp: 100}}
	c.Put(1, msgs)

	got, ok := c.Get(1)
	if !ok || len(got) != 1 || got[0].Text != "hello" {
		t.Errorf("Get = %v, %v", got, ok)
	}

	if _, ok := c.Get(2); ok {
		t.Error("expected miss for other chat")
	}
}

func TestExpiry(t *testing.T) {
	c := New(30 * time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(1, []imessage.ExtractedMessage{{Text: "hello"}})

	now = now.Add(29 * time.Second)
	if _, ok := c.Get(1); !ok {
		t.Error("entry expired early")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.Get(1); ok {
		t.Error("entry should have expired")
	}
}

func TestClear(t *testing.T) {
	c := New(0)
	c.Put(1, []imessage.ExtractedMessage{{Text: "a"}})
	c.Put(2, []imessage.ExtractedMessage{{Text: "b"}})

	c.Clear()

	if _, ok := c.Get(1); ok {
		t.Error("expected miss after clear")
	}
	if _, ok := c.Get(2); ok {
		t.Error("expected miss after clear")
	}
}
