package xmpp

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"mellium.im/xmlstream"
)

// Namespaces used by the client and the room protocol.
const (
	NSClient   = "jabber:client"
	NSStream   = "http://etherx.jabber.org/streams"
	NSTLS      = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind     = "urn:ietf:params:xml:ns:xmpp-bind"
	NSSession  = "urn:ietf:params:xml:ns:xmpp-session"
	NSStanzas  = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSMUC      = "http://jabber.org/protocol/muc"
	NSMUCUser  = "http://jabber.org/protocol/muc#user"
	NSDelay    = "urn:xmpp:delay"
)

const nsXMLNS = "xmlns"

// Element is a namespaced XML element with its direct text content.
//
// Text holds the concatenation of all character data (including CDATA
// sections) that appears directly inside the element.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Children []*Element
	Text     string
}

// NewElement returns an empty element in namespace space.
func NewElement(space, local string) *Element {
	return &Element{Name: xml.Name{Space: space, Local: local}}
}

func (e *Element) SetAttr(local, value string) *Element {
	for i := range e.Attrs {
		if e.Attrs[i].Name.Space == "" && e.Attrs[i].Name.Local == local {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: local}, Value: value})
	return e
}

func (e *Element) AddChild(c *Element) *Element {
	if c != nil {
		e.Children = append(e.Children, c)
	}
	return e
}

func (e *Element) SetText(s string) *Element {
	e.Text = s
	return e
}

// Is reports whether the element has the given local name and namespace.
func (e *Element) Is(local, space string) bool {
	return e != nil && e.Name.Local == local && e.Name.Space == space
}

// Attr returns the value of an unqualified attribute and whether it was present.
func (e *Element) Attr(local string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// AttrValue is Attr without the presence flag.
func (e *Element) AttrValue(local string) string {
	v, _ := e.Attr(local)
	return v
}

// Child returns the first direct child matching local and space, or nil.
func (e *Element) Child(local, space string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Is(local, space) {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every direct child matching local and space.
func (e *Element) ChildrenNamed(local, space string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Children {
		if c.Is(local, space) {
			out = append(out, c)
		}
	}
	return out
}

// String renders the element as XML with every namespace declared where
// it changes.
func (e *Element) String() string {
	var b strings.Builder
	enc := xml.NewEncoder(&b)
	if _, err := xmlstream.Copy(enc, e.tokens("")); err != nil {
		return ""
	}
	if err := enc.Flush(); err != nil {
		return ""
	}
	return b.String()
}

// TokenReader streams the element as XML tokens for a client stream:
// jabber:client is the implied default namespace and children only name a
// namespace when it differs from their parent's.
func (e *Element) TokenReader() xml.TokenReader {
	return e.tokens(NSClient)
}

func (e *Element) tokens(parentSpace string) xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Local: e.Name.Local}}
	if e.Name.Space != parentSpace {
		start.Name.Space = e.Name.Space
	}
	for _, a := range e.Attrs {
		if a.Name.Space != "" || a.Name.Local == nsXMLNS {
			continue
		}
		start.Attr = append(start.Attr, a)
	}
	inner := make([]xml.TokenReader, 0, len(e.Children)+1)
	if e.Text != "" {
		inner = append(inner, xmlstream.Token(xml.CharData(e.Text)))
	}
	for _, c := range e.Children {
		inner = append(inner, c.tokens(e.Name.Space))
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

// Parse decodes a single element from s.
func Parse(s string) (*Element, error) {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return readElement(dec, start)
		}
	}
}

// readElement consumes tokens up to the end element matching start. A child
// without a namespace takes its parent's.
func readElement(r xml.TokenReader, start xml.StartElement) (*Element, error) {
	el := &Element{Name: start.Name}
	for _, a := range start.Attr {
		if a.Name.Space == nsXMLNS || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		el.Attrs = append(el.Attrs, a)
	}
	var text strings.Builder
	for {
		tok, err := r.Token()
		if tok == nil {
			if err == nil || errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == "" {
				t.Name.Space = el.Name.Space
			}
			child, err := readElement(r, t)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			el.Text = text.String()
			return el, nil
		}
	}
}
