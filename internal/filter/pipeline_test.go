package filter

import (
	"testing"

	"github.com/SamSaffron/message-bus/internal/backlog"
)

func msg(ch string, id uint64, data string) backlog.Message {
	return backlog.Message{ID: id, Channel: ch, Data: []byte(data)}
}

func TestVisibleUnrestricted(t *testing.T) {
	if !Visible(msg("/foo", 1, "x"), Identity{UserID: "anyone"}) {
		t.Fatalf("unrestricted message should be visible")
	}
}

func TestVisibleUserAllowList(t *testing.T) {
	m := msg("/foo", 1, "x")
	m.UserIDs = []string{"1"}
	if !Visible(m, Identity{UserID: "1"}) {
		t.Fatalf("listed user should see the message")
	}
	if Visible(m, Identity{UserID: "0"}) {
		t.Fatalf("unlisted user should not see the message")
	}
}

func TestVisibleGroupIntersection(t *testing.T) {
	m := msg("/foo", 1, "x")
	m.GroupIDs = []string{"3", "4", "5"}
	if !Visible(m, Identity{UserID: "u", GroupIDs: []string{"9", "4"}}) {
		t.Fatalf("intersecting groups should pass")
	}
	if Visible(m, Identity{UserID: "u", GroupIDs: []string{"1"}}) {
		t.Fatalf("disjoint groups should be dropped")
	}
}

func TestVisibleBothRestrictionsIndependent(t *testing.T) {
	m := msg("/foo", 1, "x")
	m.UserIDs = []string{"1"}
	m.GroupIDs = []string{"g"}
	if Visible(m, Identity{UserID: "1", GroupIDs: []string{"other"}}) {
		t.Fatalf("group gate must apply even when user gate passes")
	}
	if !Visible(m, Identity{UserID: "1", GroupIDs: []string{"g"}}) {
		t.Fatalf("both gates pass")
	}
}

func TestClientFilterTransformsCopy(t *testing.T) {
	p := New(nil)
	calls := 0
	p.RegisterFilter("/demo", func(id Identity, m backlog.Message) (backlog.Message, bool) {
		calls++
		m.Data = []byte("rewritten")
		return m, true
	})

	orig := msg("/demo", 1, "original")
	out := p.Deliver(Identity{UserID: "1"}, []backlog.Message{orig})
	if calls != 1 {
		t.Fatalf("filter must run exactly once per message, ran %d", calls)
	}
	if len(out) != 1 || string(out[0].Data) != "rewritten" {
		t.Fatalf("transform lost: %+v", out)
	}
	if string(orig.Data) != "original" {
		t.Fatalf("stored message mutated: %q", orig.Data)
	}
}

func TestClientFilterDrops(t *testing.T) {
	p := New(nil)
	p.RegisterFilter("/demo", func(id Identity, m backlog.Message) (backlog.Message, bool) {
		return m, false
	})
	out := p.Deliver(Identity{}, []backlog.Message{msg("/demo", 1, "x")})
	if len(out) != 0 {
		t.Fatalf("expected drop, got %+v", out)
	}
}

func TestBatchWrapperBracketsWholeAttempt(t *testing.T) {
	p := New(nil)
	var events []string
	p.RegisterWrapper("/demo", func(id Identity, next func()) {
		events = append(events, "enter")
		defer func() { events = append(events, "exit") }()
		next()
	})
	p.RegisterFilter("/demo", func(id Identity, m backlog.Message) (backlog.Message, bool) {
		events = append(events, "filter")
		return m, true
	})

	msgs := []backlog.Message{msg("/demo", 1, "a"), msg("/demo", 2, "b")}
	out := p.Deliver(Identity{}, msgs)
	if len(out) != 2 {
		t.Fatalf("want 2 delivered, got %d", len(out))
	}
	want := []string{"enter", "filter", "filter", "exit"}
	if len(events) != len(want) {
		t.Fatalf("wrapper must run once per attempt: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("order mismatch: %v", events)
		}
	}
}

func TestPanickingFilterDropsOnlyThatChannel(t *testing.T) {
	p := New(nil)
	p.RegisterFilter("/bad", func(id Identity, m backlog.Message) (backlog.Message, bool) {
		panic("boom")
	})
	msgs := []backlog.Message{msg("/bad", 1, "x"), msg("/ok", 1, "y")}
	out := p.Deliver(Identity{}, msgs)
	if len(out) != 1 || out[0].Channel != "/ok" {
		t.Fatalf("panic isolation failed: %+v", out)
	}
}

func TestPanickingWrapperStillTearsDown(t *testing.T) {
	p := New(nil)
	tornDown := false
	p.RegisterWrapper("/demo", func(id Identity, next func()) {
		defer func() { tornDown = true }()
		next()
		panic("after next")
	})
	out := p.Deliver(Identity{}, []backlog.Message{msg("/demo", 1, "x")})
	if len(out) != 0 {
		t.Fatalf("panicked attempt must deliver nothing")
	}
	if !tornDown {
		t.Fatalf("wrapper teardown must run")
	}
}

func TestDeliverPreservesOrder(t *testing.T) {
	p := New(nil)
	msgs := []backlog.Message{msg("/a", 1, "1"), msg("/b", 1, "2"), msg("/a", 2, "3")}
	out := p.Deliver(Identity{}, msgs)
	if len(out) != 3 {
		t.Fatalf("want 3, got %d", len(out))
	}
	if out[0].Data[0] != '1' || out[1].Data[0] != '2' || out[2].Data[0] != '3' {
		t.Fatalf("order changed: %+v", out)
	}
}
