package xmpp

import (
	"fmt"
	"strings"
	"unicode"

	"mellium.im/xmpp/jid"
)

// JID is a parsed Jabber identifier: local@domain/resource.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// ParseJID parses s and validates it with the PRECIS and IDNA rules of
// RFC 7622. The parts are kept as written. Errors wrap ErrJIDParse.
func ParseJID(s string) (JID, error) {
	local, domain, res, err := jid.SplitString(s)
	if err == nil {
		err = checkParts(s, local, domain, res)
	}
	if err == nil {
		_, err = jid.New(local, domain, res)
	}
	if err != nil {
		return JID{}, fmt.Errorf("%w: %q: %v", ErrJIDParse, s, err)
	}
	return JID{Local: local, Domain: domain, Resource: res}, nil
}

// checkParts rejects empty separators and the domain shapes that the
// library normalizes away instead of refusing.
func checkParts(s, local, domain, res string) error {
	bare, _, hasRes := strings.Cut(s, "/")
	if hasRes && res == "" {
		return fmt.Errorf("empty resource")
	}
	if strings.Contains(bare, "@") && local == "" {
		return fmt.Errorf("empty local part")
	}
	if strings.ContainsFunc(local, unicode.IsSpace) {
		return fmt.Errorf("invalid local part")
	}
	return validDomain(domain)
}

func validDomain(d string) error {
	if d == "" {
		return fmt.Errorf("empty domain")
	}
	if len(d) > 1023 {
		return fmt.Errorf("domain too long")
	}
	if strings.ContainsFunc(d, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(`"&'/<>@`, r)
	}) {
		return fmt.Errorf("invalid domain %q", d)
	}
	if strings.HasPrefix(d, ".") || strings.HasSuffix(d, ".") {
		return fmt.Errorf("invalid domain %q", d)
	}
	return nil
}

// Bare returns local@domain (or domain when there is no local part).
func (j JID) Bare() string {
	if j.Local == "" {
		return j.Domain
	}
	return j.Local + "@" + j.Domain
}

func (j JID) String() string {
	if j.Resource == "" {
		return j.Bare()
	}
	return j.Bare() + "/" + j.Resource
}

// WithResource returns a copy of j with the resource replaced.
func (j JID) WithResource(res string) JID {
	j.Resource = res
	return j
}
