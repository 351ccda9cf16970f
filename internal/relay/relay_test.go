package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	kit "nwwsoi/internal/transport"
	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/nwws"
)

type recordingNotifier struct {
	got  []kit.Notification
	fail bool
}

func (r *recordingNotifier) Notify(_ context.Context, n kit.Notification) error {
	if r.fail {
		return errors.New("queue full")
	}
	r.got = append(r.got, n)
	return nil
}

var tornado = nwws.Bulletin{
	TTAAII:  "WFUS53",
	CCCC:    "KDMX",
	AWIPSID: "TORDMX",
	Issue:   time.Date(2024, 5, 21, 20, 3, 0, 0, time.UTC),
	ID:      "14425.19584",
	Text:    "\n\nWFUS53 KDMX 212003\nTORDMX\n\nBULLETIN - EAS ACTIVATION REQUESTED\nTornado Warning\nNational Weather Service Des Moines IA\n<test & more>\n",
}

func mustRules(t *testing.T, rules ...Rule) []Rule {
	t.Helper()
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}
	return rules
}

func TestRuleMatches(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
		want bool
	}{
		{"empty matches all", Rule{}, true},
		{"ttaaii prefix", Rule{TTAAII: []string{"WF"}}, true},
		{"lower case prefix", Rule{AWIPSID: []string{"tor"}}, true},
		{"all lists must match", Rule{TTAAII: []string{"WF"}, CCCC: []string{"KOAX"}}, false},
		{"any entry in a list", Rule{CCCC: []string{"KOAX", "KDMX"}}, true},
		{"awips mismatch", Rule{AWIPSID: []string{"SVR"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := tc.rule
			r.Name, r.Target = "r", kit.ChatTarget{ChatID: 1}
			if err := r.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if got := r.Matches(tornado); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	bad := []Rule{
		{Target: kit.ChatTarget{ChatID: 1}},
		{Name: "x"},
		{Name: "x", Target: kit.ChatTarget{ChatID: 1}, Format: "markdown"},
		{Name: "x", Target: kit.ChatTarget{ChatID: 1}, Priority: 11},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Fatalf("rule %d accepted: %+v", i, r)
		}
	}
	r := Rule{Name: "x", Target: kit.ChatTarget{ChatID: 1}}
	if err := r.Validate(); err != nil || r.Format != FormatHeading || r.MaxLines != DefaultMaxLines {
		t.Fatalf("defaults: %+v, %v", r, err)
	}
}

func TestRouteOncePerChat(t *testing.T) {
	rn := &recordingNotifier{}
	rules := mustRules(t,
		Rule{Name: "all", Target: kit.ChatTarget{ChatID: -100}, Priority: 1},
		Rule{Name: "tor", AWIPSID: []string{"TOR"}, Target: kit.ChatTarget{ChatID: -100}, Priority: 9},
		Rule{Name: "ops", CCCC: []string{"KDMX"}, Target: kit.ChatTarget{ChatID: 42, ThreadID: 3}},
		Rule{Name: "svr", AWIPSID: []string{"SVR"}, Target: kit.ChatTarget{ChatID: 7}},
	)
	r := NewRouter(rules, rn, logx.Nop())

	if n := r.Route(context.Background(), tornado); n != 2 {
		t.Fatalf("routed %d, want 2", n)
	}
	if rn.got[0].Channel != "relay.tor" || rn.got[0].Priority != 9 {
		t.Fatalf("first notification = %+v, want the tor rule", rn.got[0])
	}
	if rn.got[1].Target.ThreadID != 3 {
		t.Fatalf("thread lost: %+v", rn.got[1].Target)
	}

	r.SetRules(nil)
	if n := r.Route(context.Background(), tornado); n != 0 {
		t.Fatalf("routed %d after clearing rules", n)
	}
}

func TestRouteSwallowsNotifyErrors(t *testing.T) {
	r := NewRouter(mustRules(t, Rule{Name: "all", Target: kit.ChatTarget{ChatID: 1}}), &recordingNotifier{fail: true}, logx.Nop())
	if n := r.Route(context.Background(), tornado); n != 0 {
		t.Fatalf("routed %d, want 0", n)
	}
}

func TestRender(t *testing.T) {
	rule := mustRules(t, Rule{Name: "h", Target: kit.ChatTarget{ChatID: 1}, MaxLines: 3})[0]
	got := Render(tornado, rule)
	if !strings.HasPrefix(got, "<b>WFUS53 KDMX TORDMX</b>\n<i>2024-05-21 20:03Z · 14425.19584</i>\n") {
		t.Fatalf("header = %q", got)
	}
	if !strings.Contains(got, "<pre>WFUS53 KDMX 212003\nTORDMX\nBULLETIN - EAS ACTIVATION REQUESTED\n…</pre>") {
		t.Fatalf("body = %q", got)
	}

	rule.Format = FormatFull
	if got := Render(tornado, rule); !strings.Contains(got, "&lt;test &amp; more&gt;") {
		t.Fatalf("full body not escaped: %q", got)
	}
}

func TestParseChatID(t *testing.T) {
	if id, err := ParseChatID(" -1001234567890 "); err != nil || id != -1001234567890 {
		t.Fatalf("ParseChatID = %d, %v", id, err)
	}
	if _, err := ParseChatID("@channel"); err == nil {
		t.Fatalf("username accepted")
	}
}
