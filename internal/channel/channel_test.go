package channel

import "testing"

func TestResolveSiteScoped(t *testing.T) {
	k := Resolve("site-a", "/foo")
	if k.Site != "site-a" || k.Name != "/foo" {
		t.Fatalf("unexpected key: %+v", k)
	}
}

func TestResolveGlobalIgnoresSite(t *testing.T) {
	a := Resolve("site-a", "/global/alerts")
	b := Resolve("site-b", "/global/alerts")
	if a != b {
		t.Fatalf("global keys differ: %+v vs %+v", a, b)
	}
	if a.Site != "" {
		t.Fatalf("global key should not carry a site: %+v", a)
	}
}

func TestEncodeNoCollisions(t *testing.T) {
	cases := [][2]Key{
		{Resolve("a", "/b/c"), Resolve("a/", "b/c")},
		{Resolve("ab", "/c"), Resolve("a", "b/c")},
		{Resolve("s", "/global-ish"), Resolve("s", "/global/ish")},
	}
	for _, c := range cases {
		if c[0].Encode() == c[1].Encode() {
			t.Fatalf("encoded collision between %+v and %+v", c[0], c[1])
		}
	}
}

func TestIsGlobal(t *testing.T) {
	if !IsGlobal("/global/x") {
		t.Fatalf("expected /global/x to be global")
	}
	if IsGlobal("/globalish") || IsGlobal("/foo") {
		t.Fatalf("unexpected global classification")
	}
}
