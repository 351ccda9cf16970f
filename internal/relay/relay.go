// Package relay routes bulletins to chats. A rule matches on prefixes of the
// WMO heading fields; every matching rule's chat gets the bulletin once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync/atomic"

	kit "nwwsoi/internal/transport"
	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/nwws"
)

type Format string

const (
	FormatHeading Format = "heading"
	FormatFull    Format = "full"

	DefaultMaxLines = 12
)

// Rule matches on header prefixes. An empty list matches anything; all
// non-empty lists must match.
type Rule struct {
	Name     string
	TTAAII   []string
	CCCC     []string
	AWIPSID  []string
	Target   kit.ChatTarget
	Priority int
	Format   Format
	MaxLines int
}

// Validate normalizes prefixes to upper case and fills defaults.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("relay rule: name is required")
	}
	if r.Target.IsZero() {
		return fmt.Errorf("relay rule %q: chat is required", r.Name)
	}
	switch r.Format {
	case "":
		r.Format = FormatHeading
	case FormatHeading, FormatFull:
	default:
		return fmt.Errorf("relay rule %q: unknown format %q", r.Name, r.Format)
	}
	if r.MaxLines <= 0 {
		r.MaxLines = DefaultMaxLines
	}
	if r.Priority < 0 || r.Priority > 10 {
		return fmt.Errorf("relay rule %q: priority must be 0..10", r.Name)
	}
	for _, list := range [][]string{r.TTAAII, r.CCCC, r.AWIPSID} {
		for i, p := range list {
			list[i] = strings.ToUpper(strings.TrimSpace(p))
		}
	}
	return nil
}

func (r Rule) Matches(b nwws.Bulletin) bool {
	return anyPrefix(r.TTAAII, b.TTAAII) && anyPrefix(r.CCCC, b.CCCC) && anyPrefix(r.AWIPSID, b.AWIPSID)
}

func anyPrefix(prefixes []string, v string) bool {
	if len(prefixes) == 0 {
		return true
	}
	v = strings.ToUpper(v)
	for _, p := range prefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

// ParseChatID accepts the numeric chat id forms Telegram uses, including
// "-100..." supergroup ids.
func ParseChatID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return id, nil
}

// Notifier is the part of the notifier the router needs.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Router holds the live rule set. SetRules swaps it atomically so reloads
// never race with routing.
type Router struct {
	rules    atomic.Pointer[[]Rule]
	notifier Notifier
	log      logx.Logger
}

func NewRouter(rules []Rule, n Notifier, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{notifier: n, log: log}
	r.SetRules(rules)
	return r
}

func (r *Router) SetRules(rules []Rule) {
	cp := append([]Rule(nil), rules...)
	r.rules.Store(&cp)
}

func (r *Router) Rules() []Rule {
	return *r.rules.Load()
}

// Match returns the rules that fire for b, one per chat target: the
// highest priority one, earliest on ties.
func (r *Router) Match(b nwws.Bulletin) []Rule {
	var out []Rule
	idx := map[kit.ChatTarget]int{}
	for _, rule := range r.Rules() {
		if !rule.Matches(b) {
			continue
		}
		if i, ok := idx[rule.Target]; ok {
			if rule.Priority > out[i].Priority {
				out[i] = rule
			}
			continue
		}
		idx[rule.Target] = len(out)
		out = append(out, rule)
	}
	return out
}

// Route enqueues b for every matching chat and returns how many were
// queued. Enqueue failures are logged, never returned: routing must not
// stall the feed.
func (r *Router) Route(ctx context.Context, b nwws.Bulletin) int {
	if r.notifier == nil {
		return 0
	}
	n := 0
	for _, rule := range r.Match(b) {
		err := r.notifier.Notify(ctx, kit.Notification{
			Channel:  "relay." + rule.Name,
			Priority: rule.Priority,
			Target:   rule.Target,
			Text:     Render(b, rule),
			Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
		})
		if err != nil {
			r.log.Warn("relay enqueue failed",
				logx.String("rule", rule.Name),
				logx.String("id", b.ID),
				logx.Err(err),
			)
			continue
		}
		n++
	}
	return n
}

// Render formats b as Telegram HTML for rule.
func Render(b nwws.Bulletin, rule Rule) string {
	var sb strings.Builder
	sb.WriteString("<b>")
	sb.WriteString(html.EscapeString(b.Heading()))
	sb.WriteString("</b>\n")
	fmt.Fprintf(&sb, "<i>%s · %s</i>\n", b.Issue.UTC().Format("2006-01-02 15:04Z"), html.EscapeString(b.ID))

	body := strings.TrimSpace(b.Text)
	if rule.Format != FormatFull {
		body = firstLines(body, rule.MaxLines)
	}
	if body != "" {
		sb.WriteString("<pre>")
		sb.WriteString(html.EscapeString(body))
		sb.WriteString("</pre>")
	}
	return sb.String()
}

// firstLines keeps the first n non-blank lines and marks the cut.
func firstLines(s string, n int) string {
	if n <= 0 {
		n = DefaultMaxLines
	}
	lines := strings.Split(s, "\n")
	out := make([]string, 0, n+1)
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		if len(out) == n {
			out = append(out, "…")
			break
		}
		out = append(out, strings.TrimRight(l, " "))
	}
	return strings.Join(out, "\n")
}
