package id

import "testing"

func TestNextMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		cur := g.Next()
		if cur.Compare(prev) <= 0 {
			t.Fatalf("id %s not greater than %s", cur, prev)
		}
		prev = cur
	}
}

func TestNextClockBackwards(t *testing.T) {
	g := NewGenerator()
	orig := NowMs
	defer func() { NowMs = orig }()

	fake := int64(10_000)
	NowMs = func() int64 { return fake }
	a := g.Next()
	fake = 9_000 // clock regression
	b := g.Next()
	if b.Compare(a) <= 0 {
		t.Fatalf("expected monotonic id across clock regression: %s then %s", a, b)
	}
}

func TestStringHex(t *testing.T) {
	var i ID
	i[0] = 0xab
	i[15] = 0x01
	s := i.String()
	if len(s) != 32 || s[:2] != "ab" || s[30:] != "01" {
		t.Fatalf("unexpected hex: %s", s)
	}
}
