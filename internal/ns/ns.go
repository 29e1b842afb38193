// Package ns defines XML namespace constants used throughout the call engine
// and the XMPP plumbing it is built on.
package ns

const (
	// Core XMPP namespaces (RFC 6120)
	Client  = "jabber:client"
	Stream  = "http://etherx.jabber.org/streams"
	Streams = "urn:ietf:params:xml:ns:xmpp-streams"
	TLS     = "urn:ietf:params:xml:ns:xmpp-tls"
	SASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	Bind    = "urn:ietf:params:xml:ns:xmpp-bind"
	Session = "urn:ietf:params:xml:ns:xmpp-session"
	Stanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"

	// Service Discovery (XEP-0030)
	DiscoInfo  = "http://jabber.org/protocol/disco#info"
	DiscoItems = "http://jabber.org/protocol/disco#items"

	// Entity Capabilities (XEP-0115)
	Caps = "http://jabber.org/protocol/caps"

	// Message Processing Hints (XEP-0334)
	Hints = "urn:xmpp:hints"

	// XMPP Ping (XEP-0199)
	Ping = "urn:xmpp:ping"

	// Jingle (XEP-0166)
	Jingle = "urn:xmpp:jingle:1"

	// Jingle RTP Sessions (XEP-0167)
	JingleRTP = "urn:xmpp:jingle:apps:rtp:1"

	// Jingle ICE-UDP Transport (XEP-0176)
	JingleICEUDP = "urn:xmpp:jingle:transports:ice-udp:1"

	// Jingle Raw UDP Transport (XEP-0177)
	JingleRawUDP = "urn:xmpp:jingle:transports:raw-udp:1"

	// DTLS-SRTP in Jingle (XEP-0320)
	JingleDTLS = "urn:xmpp:jingle:apps:dtls:0"

	// Jingle Message Initiation (XEP-0353)
	JingleMI = "urn:xmpp:jingle-message:0"

	// Jingle Grouping Framework (XEP-0338) — used to echo the BUNDLE group.
	JingleGrouping = "urn:xmpp:jingle:apps:grouping:0"

	// RTP Header Extensions Negotiation in Jingle (XEP-0294)
	JingleRTPHdrExt = "urn:xmpp:jingle:apps:rtp:rtp-hdrext:0"

	// Source-Specific Media Attributes in Jingle (XEP-0339)
	JingleSSMA = "urn:xmpp:jingle:apps:rtp:ssma:0"

	// RTP Feedback Negotiation in Jingle (XEP-0293)
	JingleRTCPFB = "urn:xmpp:jingle:apps:rtp:rtcp-fb:0"

	// Non-standard trickle ICE / half-trickle renomination option, as used
	// by Conversations/Gajim-family clients.
	JingleICEOption = "http://gultsch.de/xmpp/drafts/jingle/transports/ice-udp/option"
)
