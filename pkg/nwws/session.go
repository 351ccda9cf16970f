package nwws

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/xmpp"
)

// HistorySeconds is how much room history is replayed on join.
const HistorySeconds = 300

const endTimeout = 5 * time.Second

// Transport is one authenticated XMPP stream. Recv reports the end of the
// stream as io.EOF. *xmpp.Client implements it.
type Transport interface {
	Send(ctx context.Context, el *xmpp.Element) error
	Recv(ctx context.Context) (*xmpp.Element, error)
	BoundJID() xmpp.JID
	Close() error
}

// Dialer opens a Transport for cfg.
type Dialer func(ctx context.Context, cfg Config) (Transport, error)

// DialXMPP is the default Dialer: a TLS client stream to cfg.Server on 5222.
func DialXMPP(ctx context.Context, cfg Config) (Transport, error) {
	jid, err := xmpp.ParseJID(cfg.JID())
	if err != nil {
		return nil, err
	}
	c, err := xmpp.Dial(ctx, xmpp.Options{
		Addr:     net.JoinHostPort(cfg.Server.Hostname(), xmpp.DefaultPort),
		JID:      jid,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Conn is one joined room session. Any error from it is terminal: the
// caller ends the Conn and connects again.
type Conn struct {
	t     Transport
	bound xmpp.JID
	room  xmpp.JID
	leave *xmpp.Element

	log      logx.Logger
	onReject func(RejectReason)

	endOnce sync.Once
}

// Connect logs in, joins the configured room and waits for the room to
// confirm our own presence.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Conn, error) {
	o := newOptions(opts)
	log := o.log.With(logx.String("server", cfg.Server.Hostname()))

	room, err := xmpp.ParseJID(cfg.Room.Address())
	if err != nil {
		return nil, newError(KindConfiguration, err)
	}
	room = room.WithResource(cfg.Nickname())

	log.Info("connecting")
	t, err := o.dialer(ctx, cfg)
	if err != nil {
		log.Error("connection failed", logx.Err(err))
		return nil, classifyDial(err)
	}
	bound := t.BoundJID()
	log.Debug("connected", logx.String("jid", bound.String()))

	join := presence(bound, room).AddChild(
		xmpp.NewElement(xmpp.NSMUC, "x").AddChild(
			xmpp.NewElement(xmpp.NSMUC, "history").SetAttr("seconds", strconv.Itoa(HistorySeconds))))
	c := &Conn{
		t:        t,
		bound:    bound,
		room:     room,
		leave:    presence(bound, room).SetAttr("type", "unavailable").AddChild(xmpp.NewElement(xmpp.NSMUC, "x")),
		log:      o.log.With(logx.String("room", room.Bare())),
		onReject: o.onReject,
	}

	log.Debug("joining room", logx.String("room", room.String()))
	if err := t.Send(ctx, join); err != nil {
		_ = t.Close()
		return nil, newError(KindNetwork, err)
	}
	if err := c.awaitJoin(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}
	log.Info("joined room", logx.String("jid", bound.String()), logx.String("room", room.String()))
	return c, nil
}

func presence(from, to xmpp.JID) *xmpp.Element {
	return xmpp.NewElement(xmpp.NSClient, "presence").
		SetAttr("from", from.String()).
		SetAttr("to", to.String())
}

// awaitJoin discards stanzas until the self-presence (status 110) arrives.
func (c *Conn) awaitJoin(ctx context.Context) error {
	for {
		el, err := c.t.Recv(ctx)
		if err != nil {
			return classifyRecv(err)
		}
		if el.Is("presence", xmpp.NSClient) && isSelfPresence(el) {
			return nil
		}
		c.log.Trace("discarded while joining", logx.String("stanza", el.Name.Local))
	}
}

func isSelfPresence(p *xmpp.Element) bool {
	for _, x := range p.ChildrenNamed("x", xmpp.NSMUCUser) {
		for _, st := range x.ChildrenNamed("status", xmpp.NSMUCUser) {
			if st.AttrValue("code") == "110" {
				return true
			}
		}
	}
	return false
}

// BoundJID is the address the server assigned to this session.
func (c *Conn) BoundJID() xmpp.JID { return c.bound }

// Room is the joined room address including our nickname.
func (c *Conn) Room() xmpp.JID { return c.room }

// Next blocks until the next bulletin arrives. Messages that do not decode
// are skipped and unsupported requests are answered along the way.
// Cancelling ctx is terminal like any other error: Next returns a network
// error wrapping ctx.Err() and the caller must End the Conn, even though
// the transport underneath would still deliver the next stanza.
func (c *Conn) Next(ctx context.Context) (Bulletin, error) {
	for {
		el, err := c.t.Recv(ctx)
		if err != nil {
			return Bulletin{}, classifyRecv(err)
		}
		if c.log.Enabled(logx.LevelTrace) {
			c.log.Trace("received", logx.String("xml", el.String()))
		}

		switch {
		case el.Is("message", xmpp.NSClient):
			b, reason := Decode(el)
			if reason == "" {
				return b, nil
			}
			if c.onReject != nil {
				c.onReject(reason)
			}
		case el.Is("iq", xmpp.NSClient):
			if err := c.handleIQ(ctx, el); err != nil {
				return Bulletin{}, err
			}
		case el.Is("presence", xmpp.NSClient):
			c.log.Trace("presence", logx.String("from", el.AttrValue("from")))
		default:
			c.log.Warn("unhandled stanza", logx.String("name", el.Name.Local), logx.String("ns", el.Name.Space))
		}
	}
}

// handleIQ answers get and set requests with service-unavailable.
func (c *Conn) handleIQ(ctx context.Context, iq *xmpp.Element) error {
	id := iq.AttrValue("id")
	if id == "" {
		return newError(KindProtocol, errors.New("iq without id"))
	}
	switch typ := iq.AttrValue("type"); typ {
	case "get", "set":
	case "result", "error":
		return nil
	default:
		return newError(KindProtocol, fmt.Errorf("iq %q has invalid type %q", id, typ))
	}

	from := iq.AttrValue("from")
	c.log.Debug("responding to iq with service-unavailable", logx.String("from", from), logx.String("id", id))

	reply := xmpp.NewElement(xmpp.NSClient, "iq").SetAttr("type", "error").SetAttr("id", id)
	if to := iq.AttrValue("to"); to != "" {
		reply.SetAttr("from", to)
	}
	if from != "" {
		reply.SetAttr("to", from)
	}
	reply.AddChild(xmpp.NewElement(xmpp.NSClient, "error").SetAttr("type", "cancel").
		AddChild(xmpp.NewElement(xmpp.NSStanzas, "service-unavailable")))
	if err := c.t.Send(ctx, reply); err != nil {
		return newError(KindNetwork, err)
	}
	return nil
}

// End leaves the room and closes the stream. Errors are ignored.
func (c *Conn) End() {
	c.endOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
		defer cancel()
		_ = c.t.Send(ctx, c.leave)
		_ = c.t.Close()
		c.log.Debug("session ended")
	})
}

func classifyDial(err error) *Error {
	var (
		ne   *Error
		auth *xmpp.AuthError
	)
	switch {
	case errors.As(err, &ne):
		return ne
	case errors.Is(err, xmpp.ErrJIDParse):
		return newError(KindConfiguration, err)
	case errors.As(err, &auth):
		return newError(KindCredentials, err)
	default:
		return newError(KindNetwork, err)
	}
}

func classifyRecv(err error) *Error {
	var (
		ne  *Error
		se  *xmpp.StreamError
		syn *xml.SyntaxError
	)
	switch {
	case errors.As(err, &ne):
		return ne
	case errors.Is(err, io.EOF):
		return newError(KindStreamEnded, nil)
	case errors.Is(err, xmpp.ErrClosed), errors.As(err, &se):
		return newError(KindStreamEnded, err)
	case errors.As(err, &syn):
		return newError(KindProtocol, err)
	default:
		return newError(KindNetwork, err)
	}
}
