// Package jingle implements XEP-0166 Jingle and related extensions.
package jingle

import (
	"context"
	"encoding/xml"

	"github.com/driftline/callcore/call"
	"github.com/driftline/callcore/engine"
	"github.com/driftline/callcore/internal/ns"
	"github.com/driftline/callcore/plugin"
)

const Name = "jingle"

// Actions
const (
	ActionSessionInitiate  = "session-initiate"
	ActionSessionAccept    = "session-accept"
	ActionSessionTerminate = "session-terminate"
	ActionContentAdd       = "content-add"
	ActionContentRemove    = "content-remove"
	ActionContentModify    = "content-modify"
	ActionTransportInfo    = "transport-info"
	ActionTransportReplace = "transport-replace"
	ActionTransportAccept  = "transport-accept"
	ActionTransportReject  = "transport-reject"
	ActionDescriptionInfo  = "description-info"
	ActionSessionInfo      = "session-info"
)

type Jingle struct {
	XMLName   xml.Name  `xml:"urn:xmpp:jingle:1 jingle"`
	Action    string    `xml:"action,attr"`
	Initiator string    `xml:"initiator,attr,omitempty"`
	Responder string    `xml:"responder,attr,omitempty"`
	SID       string    `xml:"sid,attr"`
	Group     *Group    `xml:"urn:xmpp:jingle:apps:grouping:0 group,omitempty"`
	Contents  []Content `xml:"content"`
	Reason    *Reason   `xml:"reason,omitempty"`
}

// Group is the BUNDLE grouping element (XEP-0338) echoed at the top of an
// answer when the offer carried one.
type Group struct {
	XMLName     xml.Name       `xml:"urn:xmpp:jingle:apps:grouping:0 group"`
	Semantics   string         `xml:"semantics,attr"`
	ContentRefs []GroupContent `xml:"content"`
}

// GroupContent is a single <content name="..."/> reference inside a group.
type GroupContent struct {
	XMLName xml.Name `xml:"content"`
	Name    string   `xml:"name,attr"`
}

type Content struct {
	XMLName     xml.Name `xml:"content"`
	Creator     string   `xml:"creator,attr"`
	Name        string   `xml:"name,attr"`
	Senders     string   `xml:"senders,attr,omitempty"`
	Disposition string   `xml:"disposition,attr,omitempty"`
	Description []byte   `xml:",innerxml"`
}

type Reason struct {
	XMLName   xml.Name `xml:"reason"`
	Condition string   `xml:"-"`
	Text      string   `xml:"text,omitempty"`
}

// MarshalXML encodes the reason's condition as its own child element name
// (e.g. <success/>, <decline/>, <busy/>), since XEP-0166 models conditions
// as element names rather than as an attribute value.
func (r Reason) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "reason"}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if r.Condition != "" {
		cond := xml.StartElement{Name: xml.Name{Local: r.Condition}}
		if err := enc.EncodeToken(cond); err != nil {
			return err
		}
		if err := enc.EncodeToken(cond.End()); err != nil {
			return err
		}
	}
	if r.Text != "" {
		if err := enc.EncodeElement(r.Text, xml.StartElement{Name: xml.Name{Local: "text"}}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// UnmarshalXML decodes a reason, taking its single child element's local
// name (with namespace stripped) as the Condition and its
// text child, if present, as Text.
func (r *Reason) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" {
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return err
				}
				r.Text = text
				continue
			}
			if r.Condition == "" {
				r.Condition = t.Name.Local
			}
			if err := dec.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

// RTP Description (XEP-0167)
type RTPDescription struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media        string        `xml:"media,attr"`
	PayloadTypes []PayloadType `xml:"payload-type"`
}

type PayloadType struct {
	XMLName    xml.Name    `xml:"payload-type"`
	ID         int         `xml:"id,attr"`
	Name       string      `xml:"name,attr"`
	Clockrate  int         `xml:"clockrate,attr,omitempty"`
	Channels   int         `xml:"channels,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
}

type Parameter struct {
	XMLName xml.Name `xml:"parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// Jingle Message Initiation (XEP-0353)
type Propose struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle-message:0 propose"`
	ID           string        `xml:"id,attr"`
	Descriptions []ProposeDesc `xml:"description"`
}

type ProposeDesc struct {
	XMLName xml.Name `xml:"description"`
	Media   string   `xml:"media,attr"`
	NS      string   `xml:"xmlns,attr"`
}

type Retract struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle-message:0 retract"`
	ID      string   `xml:"id,attr"`
}

type Reject struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle-message:0 reject"`
	ID      string   `xml:"id,attr"`
}

type Proceed struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle-message:0 proceed"`
	ID      string   `xml:"id,attr"`
}

// discoRegistrar is the subset of plugins/disco's Plugin this package
// needs, kept narrow so jingle doesn't have to import the concrete disco
// type just to advertise features.
type discoRegistrar interface {
	AddFeature(feature string)
}

// Plugin implements the Jingle IQ handler and the Jingle Message
// Initiation announcement layer on top of a call.Manager, which owns all
// actual session state.
type Plugin struct {
	params  plugin.InitParams
	manager *call.Manager
	config  func() engine.SessionConfig
}

// New creates a jingle plugin backed by the given call manager. configFn
// supplies the per-session engine configuration (device selection, proxy,
// TURN, audio processing) at the moment a session is created; pass nil to
// use sensible relay-only defaults.
func New(manager *call.Manager, configFn func() engine.SessionConfig) *Plugin {
	if configFn == nil {
		configFn = func() engine.SessionConfig { return engine.SessionConfig{RelayOnly: true} }
	}
	return &Plugin{manager: manager, config: configFn}
}

func (p *Plugin) sessionConfig() engine.SessionConfig { return p.config() }

func (p *Plugin) Name() string    { return Name }
func (p *Plugin) Version() string { return "1.0.0" }

// Initialize stores the session hooks and advertises Jingle support via
// disco#info/caps, if those plugins are present, so clients that probe
// capabilities before calling see this one as callable.
func (p *Plugin) Initialize(_ context.Context, params plugin.InitParams) error {
	p.params = params
	if params.Get != nil {
		if reg, ok := params.Get(discoName); ok {
			if d, ok := reg.(discoRegistrar); ok {
				d.AddFeature(ns.Jingle)
				d.AddFeature(ns.JingleRTP)
				d.AddFeature(ns.JingleICEUDP)
				d.AddFeature(ns.JingleMI)
			}
		}
	}
	return nil
}

func (p *Plugin) Close() error { return nil }

// Dependencies is empty even though Initialize looks disco up: disco is
// optional (the jingle plugin degrades to not advertising caps if it's
// absent) rather than a hard requirement, so it's not listed here.
func (p *Plugin) Dependencies() []string { return nil }

const discoName = "disco"
