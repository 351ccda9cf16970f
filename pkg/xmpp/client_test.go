package xmpp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"mellium.im/sasl"
)

const (
	tlsFeatures   = `<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls>`
	plainFeatures = `<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms>`
	bindFeatures  = `<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/>`
)

// testCerts returns a server config with a self-signed certificate for
// example.net and a client config that trusts it.
func testCerts(t *testing.T) (srv, cli *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "example.net"},
		DNSNames:              []string{"example.net"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	srv = &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}}}
	cli = &tls.Config{RootCAs: pool}
	return srv, cli
}

// scriptServer is the server end of a net.Pipe driven by a test script.
type scriptServer struct {
	conn net.Conn
	dec  *xml.Decoder
	tls  *tls.Config
}

// open waits for the client's stream header and answers with features.
func (s *scriptServer) open(features string) error {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return err
		}
		if st, ok := tok.(xml.StartElement); ok {
			if st.Name.Local != "stream" || st.Name.Space != NSStream {
				return fmt.Errorf("got <%s>, want stream header", st.Name.Local)
			}
			break
		}
	}
	return s.write(`<?xml version='1.0'?><stream:stream xmlns='jabber:client' ` +
		`xmlns:stream='http://etherx.jabber.org/streams' id='s1' from='example.net' version='1.0' xml:lang='en'>` +
		`<stream:features>` + features + `</stream:features>`)
}

func (s *scriptServer) read() (*Element, error) {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return readElement(s.dec, t)
		case xml.EndElement:
			return nil, io.EOF
		}
	}
}

func (s *scriptServer) write(str string) error {
	_, err := io.WriteString(s.conn, str)
	return err
}

// secure answers STARTTLS and continues over TLS.
func (s *scriptServer) secure() error {
	s.dec = xml.NewDecoder(s.conn)
	if err := s.open(tlsFeatures); err != nil {
		return err
	}
	el, err := s.read()
	if err != nil {
		return err
	}
	if !el.Is("starttls", NSTLS) {
		return fmt.Errorf("got %s, want starttls", el)
	}
	if err := s.write(`<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`); err != nil {
		return err
	}
	tc := tls.Server(s.conn, s.tls)
	if err := tc.Handshake(); err != nil {
		return err
	}
	s.conn = tc
	s.dec = xml.NewDecoder(tc)
	return nil
}

// authenticate reads the PLAIN exchange and checks the credentials.
func (s *scriptServer) authenticate(wantCred string) error {
	if err := s.secure(); err != nil {
		return err
	}
	if err := s.open(plainFeatures); err != nil {
		return err
	}
	auth, err := s.read()
	if err != nil {
		return err
	}
	if !auth.Is("auth", NSSASL) || auth.AttrValue("mechanism") != "PLAIN" {
		return fmt.Errorf("unexpected auth element %s", auth)
	}
	cred, err := base64.StdEncoding.DecodeString(auth.Text)
	if err != nil {
		return err
	}
	if string(cred) != wantCred {
		return fmt.Errorf("credentials = %q, want %q", cred, wantCred)
	}
	return nil
}

// login accepts the credentials and binds the requested resource.
func (s *scriptServer) login(wantCred string) error {
	if err := s.authenticate(wantCred); err != nil {
		return err
	}
	if err := s.write(`<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`); err != nil {
		return err
	}
	if err := s.open(bindFeatures); err != nil {
		return err
	}
	iq, err := s.read()
	if err != nil {
		return err
	}
	b := iq.Child("bind", NSBind)
	if !iq.Is("iq", NSClient) || b == nil {
		return fmt.Errorf("expected bind request, got %s", iq)
	}
	res := "srv-assigned"
	if r := b.Child("resource", NSBind); r != nil && r.Text != "" {
		res = r.Text
	}
	return s.write(`<iq type='result' id='` + iq.AttrValue("id") + `'>` +
		`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>alice@example.net/` + res + `</jid></bind></iq>`)
}

func pipeServer(t *testing.T, script func(*scriptServer) error) (Options, <-chan error) {
	t.Helper()
	srvTLS, cliTLS := testCerts(t)
	cli, srv := net.Pipe()
	t.Cleanup(func() {
		_ = cli.Close()
		_ = srv.Close()
	})
	errc := make(chan error, 1)
	go func() {
		s := &scriptServer{conn: srv, tls: srvTLS}
		errc <- script(s)
		_, _ = io.Copy(io.Discard, s.conn)
	}()
	opts := Options{
		JID:         JID{Local: "alice", Domain: "example.net", Resource: "uuid/r1"},
		Password:    "secret",
		TLSConfig:   cliTLS,
		Mechanisms:  []sasl.Mechanism{sasl.Plain},
		DialContext: func(context.Context, string, string) (net.Conn, error) { return cli, nil },
	}
	return opts, errc
}

func waitScript(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("server script: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server script did not finish")
	}
}

func TestDialSendRecvClose(t *testing.T) {
	gotMsg := make(chan *Element, 1)
	opts, errc := pipeServer(t, func(s *scriptServer) error {
		if err := s.login("\x00alice\x00secret"); err != nil {
			return err
		}
		el, err := s.read()
		if err != nil {
			return err
		}
		gotMsg <- el
		if err := s.write(" <message from='room@conf/x' type='groupchat'><body>hi</body></message>"); err != nil {
			return err
		}
		if _, err := s.read(); !errors.Is(err, io.EOF) {
			return fmt.Errorf("expected stream close, got %v", err)
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if got := c.BoundJID(); got.Local != "alice" || got.Domain != "example.net" || got.Resource != "uuid/r1" {
		t.Fatalf("BoundJID = %v", got)
	}

	out := NewElement(NSClient, "presence").SetAttr("to", "room@conf/nick").
		AddChild(NewElement(NSMUC, "x").AddChild(NewElement(NSMUC, "history").SetAttr("seconds", "300")))
	if err := c.Send(ctx, out); err != nil {
		t.Fatalf("Send: %v", err)
	}
	el := <-gotMsg
	if !el.Is("presence", NSClient) || el.AttrValue("to") != "room@conf/nick" {
		t.Fatalf("server received %s", el)
	}
	if h := el.Child("x", NSMUC).Child("history", NSMUC); h == nil || h.AttrValue("seconds") != "300" {
		t.Fatalf("room payload lost: %s", el)
	}

	in, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !in.Is("message", NSClient) || in.Child("body", NSClient).Text != "hi" {
		t.Fatalf("Recv = %s", in)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitScript(t, errc)
	if _, err := c.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after Close err = %v, want ErrClosed", err)
	}
	if err := c.Send(ctx, out); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close err = %v, want ErrClosed", err)
	}
}

func TestDialRejectsIncompleteJID(t *testing.T) {
	_, err := Dial(context.Background(), Options{JID: JID{Domain: "example.net"}})
	if !errors.Is(err, ErrJIDParse) {
		t.Fatalf("Dial err = %v, want ErrJIDParse", err)
	}
}

func TestDialAuthFailure(t *testing.T) {
	opts, _ := pipeServer(t, func(s *scriptServer) error {
		if err := s.authenticate("\x00alice\x00secret"); err != nil {
			return err
		}
		return s.write(`<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/>` +
			`<text>bad password</text></failure>`)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, opts)
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("Dial err = %v, want *AuthError", err)
	}
	if ae.Err == nil {
		t.Fatalf("AuthError without cause")
	}
}

func TestDialDropBeforeAuthIsNotAuthError(t *testing.T) {
	opts, _ := pipeServer(t, func(s *scriptServer) error {
		s.dec = xml.NewDecoder(s.conn)
		if err := s.open(tlsFeatures); err != nil {
			return err
		}
		return s.conn.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, opts)
	if err == nil {
		t.Fatalf("Dial succeeded on a dropped connection")
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		t.Fatalf("Dial err = %v, must not be an auth failure", err)
	}
}

func TestDialHonorsContext(t *testing.T) {
	opts, _ := pipeServer(t, func(s *scriptServer) error {
		// Read the header and then stay silent.
		s.dec = xml.NewDecoder(s.conn)
		_, err := s.dec.Token()
		return err
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Dial(ctx, opts)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dial err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Dial took %v after the deadline", time.Since(start))
	}
}

func TestRecvStreamEndAndError(t *testing.T) {
	cases := []struct {
		name  string
		tail  string
		check func(error) bool
	}{
		{"end", `</stream:stream>`, func(err error) bool { return err != nil && !errors.Is(err, ErrClosed) }},
		{"error", `<stream:error><conflict xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>`, func(err error) bool {
			var se *StreamError
			return errors.As(err, &se) && se.Condition == "conflict"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts, _ := pipeServer(t, func(s *scriptServer) error {
				if err := s.login("\x00alice\x00secret"); err != nil {
					return err
				}
				return s.write(tc.tail)
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := Dial(ctx, opts)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer c.Close()
			_, err = c.Recv(ctx)
			if !tc.check(err) {
				t.Fatalf("Recv err = %v", err)
			}
			select {
			case <-c.Done():
			default:
				t.Fatalf("Done not closed after stream end")
			}
		})
	}
}

func TestRecvCancelKeepsStream(t *testing.T) {
	release := make(chan struct{})
	opts, _ := pipeServer(t, func(s *scriptServer) error {
		if err := s.login("\x00alice\x00secret"); err != nil {
			return err
		}
		<-release
		return s.write(`<message type='groupchat'><body>late</body></message>`)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	if _, err := c.Recv(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Recv err = %v, want deadline exceeded", err)
	}
	close(release)
	el, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv after cancel: %v", err)
	}
	if el.Child("body", NSClient).Text != "late" {
		t.Fatalf("Recv = %s", el)
	}
}

func TestElementTokensForClientStream(t *testing.T) {
	el := NewElement(NSClient, "iq").SetAttr("type", "error").SetAttr("id", "q1").
		AddChild(NewElement(NSClient, "error").SetAttr("type", "cancel").
			AddChild(NewElement(NSStanzas, "service-unavailable")))

	var starts []xml.StartElement
	r := el.TokenReader()
	for {
		tok, err := r.Token()
		if tok != nil {
			if st, ok := tok.(xml.StartElement); ok {
				starts = append(starts, st)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("Token: %v", err)
			}
			break
		}
	}
	if len(starts) != 3 {
		t.Fatalf("got %d start elements, want 3", len(starts))
	}
	if starts[0].Name.Space != "" || starts[1].Name.Space != "" {
		t.Fatalf("jabber:client must stay implicit: %v %v", starts[0].Name, starts[1].Name)
	}
	if starts[2].Name.Space != NSStanzas {
		t.Fatalf("condition namespace = %q, want %q", starts[2].Name.Space, NSStanzas)
	}
}
