package nwws

import (
	"strconv"
	"strings"
	"time"

	"nwwsoi/pkg/xmpp"
)

// NSPayload is the namespace of the bulletin payload element.
const NSPayload = "nwws-oi"

// Bulletin is one decoded weather product.
type Bulletin struct {
	TTAAII string `json:"ttaaii"`
	CCCC   string `json:"cccc"`
	// AWIPSID is empty when the product has no AWIPS identifier.
	AWIPSID string    `json:"awips_id,omitempty"`
	Issue   time.Time `json:"issue"`
	// ID is the feed identifier, "<process id>.<sequence>".
	ID    string     `json:"id"`
	Delay *time.Time `json:"delay,omitempty"`
	// Sequence is the LDM sequence number stripped from the top of the text.
	Sequence *uint32 `json:"ldm_sequence,omitempty"`
	Text     string  `json:"text"`
}

func (b Bulletin) HasAWIPSID() bool { return b.AWIPSID != "" }

// ProcessID is the part of ID before the first dot.
func (b Bulletin) ProcessID() string {
	pid, _, _ := strings.Cut(b.ID, ".")
	return pid
}

// SequenceNumber is the numeric part of ID after the first dot.
func (b Bulletin) SequenceNumber() (uint64, bool) {
	_, seq, ok := strings.Cut(b.ID, ".")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Heading is "TTAAII CCCC" followed by the AWIPS identifier when present.
func (b Bulletin) Heading() string {
	h := b.TTAAII + " " + b.CCCC
	if b.AWIPSID != "" {
		h += " " + b.AWIPSID
	}
	return h
}

func (b Bulletin) String() string {
	return b.Heading() + " " + b.ID + " " + b.Issue.UTC().Format(time.RFC3339)
}

// RejectReason says why a message did not decode. The empty reason means the
// message was accepted.
type RejectReason string

const (
	RejectNotGroupchat RejectReason = "not_groupchat"
	RejectNoPayload    RejectReason = "no_payload"
	RejectMissingAttr  RejectReason = "missing_attribute"
	RejectBadIssue     RejectReason = "bad_issue_time"
)

// DecodeBulletin decodes a message stanza. Rejection is the normal outcome
// for room banners, subjects and server notices.
func DecodeBulletin(msg *xmpp.Element) (Bulletin, bool) {
	b, reason := Decode(msg)
	return b, reason == ""
}

// Decode is DecodeBulletin with the rejection reason.
func Decode(msg *xmpp.Element) (Bulletin, RejectReason) {
	if msg.AttrValue("type") != "groupchat" {
		return Bulletin{}, RejectNotGroupchat
	}

	var delay *time.Time
	if d := msg.Child("delay", xmpp.NSDelay); d != nil {
		if stamp, ok := d.Attr("stamp"); ok {
			if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
				delay = &t
			}
		}
	}

	x := msg.Child("x", NSPayload)
	if x == nil {
		return Bulletin{}, RejectNoPayload
	}

	text := normalizeNewlines(x.Text)
	seq, text := splitSequence(text)

	awips, okAwips := x.Attr("awipsid")
	cccc, okCCCC := x.Attr("cccc")
	id, okID := x.Attr("id")
	issueRaw, okIssue := x.Attr("issue")
	ttaaii, okTTAAII := x.Attr("ttaaii")
	if !okAwips || !okCCCC || !okID || !okIssue || !okTTAAII {
		return Bulletin{}, RejectMissingAttr
	}
	issue, err := time.Parse(time.RFC3339Nano, issueRaw)
	if err != nil {
		return Bulletin{}, RejectBadIssue
	}

	return Bulletin{
		TTAAII:   ttaaii,
		CCCC:     cccc,
		AWIPSID:  awips,
		Issue:    issue,
		ID:       id,
		Delay:    delay,
		Sequence: seq,
		Text:     text,
	}, ""
}

// normalizeNewlines undoes feeds that turn every newline into two. It fires
// only when every newline is part of a doubled pair, and only once.
func normalizeNewlines(s string) string {
	if strings.Count(s, "\n") == 2*strings.Count(s, "\n\n") {
		return strings.ReplaceAll(s, "\n\n", "\n")
	}
	return s
}

// splitSequence strips a leading "\n<number>\n" LDM sequence line.
func splitSequence(s string) (*uint32, string) {
	parts := strings.SplitN(s, "\n", 3)
	if len(parts) != 3 || parts[0] != "" {
		return nil, s
	}
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, s
	}
	seq := uint32(n)
	return &seq, parts[2]
}
