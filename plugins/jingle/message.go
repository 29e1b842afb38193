package jingle

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/driftline/callcore/call"
	"github.com/driftline/callcore/internal/ns"
	"github.com/driftline/callcore/jid"
	"github.com/driftline/callcore/plugins/hints"
	"github.com/driftline/callcore/stanza"
)

// messagePayload wraps a JMI element (propose/proceed/reject/retract/
// finish) in a <message> stanza addressed to a bare JID, with the
// XEP-0334 processing hint so MAM/offline stores don't archive ephemeral
// ringing chatter.
type messagePayload struct {
	ID      string
	From    jid.JID
	To      jid.JID
	Payload any
	Hint    bool
}

func (m messagePayload) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Space: ns.Client, Local: "message"}
	start.Attr = nil
	if m.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: m.ID})
	}
	if !m.To.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: m.To.String()})
	}
	if !m.From.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: m.From.String()})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if err := enc.Encode(m.Payload); err != nil {
		return err
	}
	if m.Hint {
		if err := enc.Encode(hints.Store{}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (p *Plugin) sendMessage(ctx context.Context, to jid.JID, payload any) error {
	msg := messagePayload{
		ID:      stanza.GenerateID(),
		From:    jid.MustParse(p.params.LocalJID()),
		To:      to,
		Payload: payload,
		Hint:    true,
	}
	return p.params.SendElement(ctx, msg)
}

// Outbound announcement-layer implementation (call.Outbound). Announcement
// messages always route to the peer's bare JID — proceed
// in particular must never be sent resource-qualified even once a device
// has been pinned, since it is what pins the device.
func (p *Plugin) SendPropose(ctx context.Context, to jid.JID, sessionID string, media []string) error {
	descs := make([]ProposeDesc, 0, len(media))
	for _, m := range media {
		descs = append(descs, ProposeDesc{Media: m, NS: ns.JingleRTP})
	}
	return p.sendMessage(ctx, to.Bare(), Propose{ID: sessionID, Descriptions: descs})
}

func (p *Plugin) SendProceed(ctx context.Context, to jid.JID, sessionID string) error {
	return p.sendMessage(ctx, to.Bare(), Proceed{ID: sessionID})
}

func (p *Plugin) SendReject(ctx context.Context, to jid.JID, sessionID string) error {
	return p.sendMessage(ctx, to.Bare(), Reject{ID: sessionID})
}

func (p *Plugin) SendRetract(ctx context.Context, to jid.JID, sessionID string) error {
	return p.sendMessage(ctx, to.Bare(), Retract{ID: sessionID})
}

// Finish is XEP-0353's companion to session-terminate: it carries a nested
// reason element so devices that never received the IQ (because proceed
// pinned a different resource) still learn why the call ended.
type Finish struct {
	XMLName xml.Name    `xml:"urn:xmpp:jingle-message:0 finish"`
	ID      string      `xml:"id,attr"`
	Reason  *Reason     `xml:"reason"`
}

func (p *Plugin) SendFinish(ctx context.Context, to jid.JID, sessionID string, reason call.TerminationReason) error {
	return p.sendMessage(ctx, to.Bare(), Finish{ID: sessionID, Reason: &Reason{Condition: string(reason)}})
}

// HandleMessage is the JMI inbound dispatcher. The host wires it onto the
// session mux for <message> stanzas (Mux.HandleFunc isn't reachable from
// Initialize, so this takes the already-decoded stanza rather than a
// session reference):
//
//	mux.HandleFunc(xml.Name{Space: ns.Client, Local: "message"}, "",
//	    func(ctx context.Context, _ *xmpp.Session, st stanza.Stanza) error {
//	        return jinglePlugin.HandleMessage(ctx, st)
//	    })
//
// It inspects the extension elements a Message decoded with for a JMI
// child and routes it to the call manager.
func (p *Plugin) HandleMessage(ctx context.Context, st stanza.Stanza) error {
	msg, ok := st.(*stanza.Message)
	if !ok {
		return nil
	}
	for _, ext := range msg.Extensions {
		switch ext.XMLName.Space {
		case ns.JingleMI:
			return p.dispatchJMI(ctx, msg.From, ext)
		}
	}
	return nil
}

func (p *Plugin) dispatchJMI(ctx context.Context, from jid.JID, ext stanza.Extension) error {
	id := attrFromExtension(ext, "id")
	if id == "" {
		return fmt.Errorf("jingle: message missing id")
	}
	switch ext.XMLName.Local {
	case "propose":
		media := mediaFromExtension(ext)
		return p.manager.HandlePropose(ctx, from, id, media)
	case "proceed":
		return p.manager.HandleProceed(ctx, from, id, p.sessionConfig())
	case "reject":
		return p.manager.HandleReject(ctx, from, id)
	case "retract":
		return p.manager.HandleRetract(ctx, from, id)
	case "finish":
		return p.manager.HandleFinish(ctx, from, id, call.ReasonFinished)
	case "accept":
		// Obsolete: never acted on if received.
		return nil
	}
	return nil
}

func attrFromExtension(ext stanza.Extension, name string) string {
	for _, a := range ext.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func mediaFromExtension(ext stanza.Extension) []string {
	var media []string
	type desc struct {
		XMLName xml.Name `xml:"description"`
		Media   string   `xml:"media,attr"`
	}
	var descs struct {
		XMLName      xml.Name `xml:"root"`
		Descriptions []desc   `xml:"description"`
	}
	wrapped := append([]byte("<root>"), append(ext.Inner, []byte("</root>")...)...)
	if err := xml.Unmarshal(wrapped, &descs); err == nil {
		for _, d := range descs.Descriptions {
			media = append(media, d.Media)
		}
	}
	if len(media) == 0 {
		media = []string{"audio"}
	}
	return media
}
