package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mellium.im/sasl"
	mellium "mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stream"
)

// DefaultPort is the client-to-server port used when Options.Addr is empty.
const DefaultPort = "5222"

const closeTimeout = 2 * time.Second

var aLongTimeAgo = time.Unix(1, 0)

// DefaultMechanisms are the SASL mechanisms offered when Options leaves
// them empty, most preferred first.
var DefaultMechanisms = []sasl.Mechanism{sasl.ScramSha256, sasl.ScramSha1, sasl.Plain}

type Options struct {
	// Addr is the host:port to dial. Empty means the JID domain on DefaultPort.
	Addr     string
	JID      JID
	Password string

	// TLSConfig is cloned for STARTTLS. ServerName defaults to the JID domain.
	TLSConfig  *tls.Config
	Mechanisms []sasl.Mechanism

	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client is an authenticated, resource-bound XMPP stream.
//
// Recv and Send may be used from different goroutines. Close ends the
// stream and unblocks both.
type Client struct {
	raw  net.Conn
	sess *mellium.Session
	jid  JID

	in       chan *Element
	readDone chan struct{}
	readErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects, negotiates STARTTLS and SASL and binds o.JID.Resource.
// ctx bounds the whole handshake.
func Dial(ctx context.Context, o Options) (*Client, error) {
	if o.JID.Local == "" || o.JID.Domain == "" {
		return nil, fmt.Errorf("%w: account needs a local part and a domain", ErrJIDParse)
	}
	origin, err := jid.New(o.JID.Local, o.JID.Domain, o.JID.Resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJIDParse, err)
	}
	addr := o.Addr
	if addr == "" {
		addr = net.JoinHostPort(o.JID.Domain, DefaultPort)
	}
	dial := o.DialContext
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	raw, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	sess, err := negotiate(ctx, raw, origin, o)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	bound, err := ParseJID(sess.LocalAddr().String())
	if err != nil {
		_ = sess.Close()
		_ = raw.Close()
		return nil, err
	}

	c := &Client{
		raw:      raw,
		sess:     sess,
		jid:      bound,
		in:       make(chan *Element),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// negotiate runs the client handshake on raw. A failure after the SASL
// exchange started that is not a transport or stream error is reported as
// *AuthError.
func negotiate(ctx context.Context, raw net.Conn, origin jid.JID, o Options) (*mellium.Session, error) {
	cfg := &tls.Config{}
	if o.TLSConfig != nil {
		cfg = o.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = o.JID.Domain
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	mechs := o.Mechanisms
	if len(mechs) == 0 {
		mechs = DefaultMechanisms
	}
	var authStarted atomic.Bool
	tracked := make([]sasl.Mechanism, 0, len(mechs))
	for _, m := range mechs {
		start := m.Start
		m.Start = func(n *sasl.Negotiator) (bool, []byte, interface{}, error) {
			authStarted.Store(true)
			return start(n)
		}
		tracked = append(tracked, m)
	}

	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(aLongTimeAgo) })
	sess, err := mellium.NewClientSession(ctx, origin, raw,
		mellium.StartTLS(cfg),
		mellium.SASL("", o.Password, tracked...),
		mellium.BindResource(),
	)
	if !stop() {
		if err == nil {
			_ = sess.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		err = streamErr(err)
		if authStarted.Load() && !isTransport(err) {
			return nil, &AuthError{Condition: err.Error(), Err: err}
		}
		return nil, err
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

func isTransport(err error) bool {
	var (
		ne net.Error
		se *StreamError
	)
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &ne) ||
		errors.As(err, &se)
}

// streamErr maps a stream error reported by the session to *StreamError.
func streamErr(err error) error {
	var se stream.Error
	if errors.As(err, &se) {
		return &StreamError{Condition: se.Err}
	}
	return err
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	r := c.sess.TokenReader()
	defer r.Close()
	for {
		el, err := nextStanza(r)
		if err != nil {
			select {
			case <-c.closed:
				c.readErr = ErrClosed
			default:
				c.readErr = err
			}
			return
		}
		select {
		case c.in <- el:
		case <-c.closed:
			c.readErr = ErrClosed
			return
		}
	}
}

// nextStanza reads the next top-level element. The end of the stream is
// io.EOF and a stream error is returned as *StreamError.
func nextStanza(r xml.TokenReader) (*Element, error) {
	for {
		tok, err := r.Token()
		if tok == nil {
			if err == nil {
				continue
			}
			return nil, streamErr(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == "" {
				t.Name.Space = NSClient
			}
			el, err := readElement(r, t)
			if err != nil {
				return nil, streamErr(err)
			}
			if el.Is("error", NSStream) {
				cond, text := conditionOf(el)
				return nil, &StreamError{Condition: cond, Text: text}
			}
			return el, nil
		case xml.EndElement:
			return nil, io.EOF
		}
		if err != nil {
			return nil, streamErr(err)
		}
	}
}

// BoundJID is the full JID assigned by the server during binding.
func (c *Client) BoundJID() JID { return c.jid }

// Recv returns the next top-level stanza. Whitespace keepalives are skipped.
// When ctx ends first Recv returns ctx.Err() and the stream stays usable:
// the stanza it was waiting for goes to the next call.
func (c *Client) Recv(ctx context.Context) (*Element, error) {
	select {
	case el := <-c.in:
		return el, nil
	case <-c.readDone:
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes one stanza. If ctx ends mid-write the stream is unusable and
// the client should be closed.
func (c *Client) Send(ctx context.Context, el *Element) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.raw.SetWriteDeadline(aLongTimeAgo) })
	err := c.sess.Send(ctx, el.TokenReader())
	if !stop() {
		return ctx.Err()
	}
	return err
}

// Close sends the closing stream tag and closes the connection. It is safe
// to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.raw.SetWriteDeadline(time.Now().Add(closeTimeout))
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = c.sess.Close()
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
		}
		err = c.raw.Close()
	})
	return err
}

// Done is closed once the read side of the stream has ended.
func (c *Client) Done() <-chan struct{} { return c.readDone }
