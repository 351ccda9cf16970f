package xmpp

import (
	"errors"
	"testing"
)

func TestParseJID(t *testing.T) {
	cases := []struct {
		in   string
		want JID
	}{
		{"example.net", JID{Domain: "example.net"}},
		{"alice@example.net", JID{Local: "alice", Domain: "example.net"}},
		{"alice@example.net/uuid/1234", JID{Local: "alice", Domain: "example.net", Resource: "uuid/1234"}},
		{"NWWS@conference.nwws-oi.weather.gov/bob/r", JID{Local: "NWWS", Domain: "conference.nwws-oi.weather.gov", Resource: "bob/r"}},
	}
	for _, tc := range cases {
		got, err := ParseJID(tc.in)
		if err != nil {
			t.Fatalf("ParseJID(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseJID(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
		if got.String() != tc.in {
			t.Fatalf("String() = %q, want %q", got.String(), tc.in)
		}
	}
}

func TestParseJIDRejects(t *testing.T) {
	for _, in := range []string{"", "@example.net", "alice@", "alice@example.net/", "a b@example.net", "alice@.example.net", "alice@exa mple.net"} {
		if _, err := ParseJID(in); !errors.Is(err, ErrJIDParse) {
			t.Fatalf("ParseJID(%q) err = %v, want ErrJIDParse", in, err)
		}
	}
}

func TestJIDBareAndWithResource(t *testing.T) {
	j := JID{Local: "room", Domain: "conf.example.net"}
	if got := j.WithResource("nick").String(); got != "room@conf.example.net/nick" {
		t.Fatalf("WithResource = %q", got)
	}
	if j.Resource != "" {
		t.Fatalf("WithResource must not mutate the receiver")
	}
	if got := (JID{Local: "a", Domain: "b", Resource: "c"}).Bare(); got != "a@b" {
		t.Fatalf("Bare = %q, want a@b", got)
	}
}
