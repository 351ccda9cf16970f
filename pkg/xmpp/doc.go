// Package xmpp is the XMPP client transport used by the NWWS-OI session.
//
// The handshake (STARTTLS, SASL and resource binding) is negotiated by
// mellium.im/xmpp. This package adds what a read-mostly room participant
// needs on top of it:
//   - a generic Element tree for stanzas, built from the session's tokens
//   - Send/Recv of whole top-level stanzas with context-aware deadlines
//   - JIDs that keep their parts as written
//
// Room semantics (join, leave, self-presence) live in package nwws.
package xmpp
