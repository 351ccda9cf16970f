package eventbus

import "time"

// Feed topics. The pump republishes every Stream event under one of the
// nwws.* types; the gap tracker and notifier add their own.
const (
	TypeState    = "nwws.state"
	TypeError    = "nwws.error"
	TypeBulletin = "nwws.bulletin"
	TypeGap      = "nwws.gap"

	TypeNotifyQueued  = "notifier.queued"
	TypeNotifySent    = "notifier.sent"
	TypeNotifyFailed  = "notifier.failed"
	TypeNotifyDropped = "notifier.dropped"
	TypeNotifyDeduped = "notifier.deduped"
)

// StateData is the payload of TypeState.
type StateData struct {
	State string `json:"state"`
}

// ErrorData is the payload of TypeError.
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// BulletinData is the payload of TypeBulletin. It carries the heading only;
// the text stays with the pump.
type BulletinData struct {
	ID      string    `json:"id"`
	TTAAII  string    `json:"ttaaii"`
	CCCC    string    `json:"cccc"`
	AWIPSID string    `json:"awips_id,omitempty"`
	Issue   time.Time `json:"issue"`
}

// GapData is the payload of TypeGap: sequence numbers From..To (inclusive)
// were never seen for process ProcessID.
type GapData struct {
	ProcessID string `json:"process_id"`
	From      uint64 `json:"from"`
	To        uint64 `json:"to"`
}

// NotifyData is the payload of the notifier topics.
type NotifyData struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
