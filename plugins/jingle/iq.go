package jingle

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/driftline/callcore/call"
	"github.com/driftline/callcore/engine"
	"github.com/driftline/callcore/internal/ns"
	"github.com/driftline/callcore/jid"
	"github.com/driftline/callcore/stanza"
)

// iqPayload wraps a Jingle session-action element in an IQ set/result,
// mirroring stanza.IQPayload's marshaling shape (jingle.go has no access
// to it directly since the payload type here is plugin-specific).
type iqPayload struct {
	ID      string
	From    jid.JID
	To      jid.JID
	Type    string
	Payload any
}

func (p iqPayload) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Space: ns.Client, Local: "iq"}
	start.Attr = nil
	if p.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: p.ID})
	}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: p.Type})
	if !p.To.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: p.To.String()})
	}
	if !p.From.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: p.From.String()})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if p.Payload != nil {
		if err := enc.Encode(p.Payload); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (p *Plugin) sendJingleSet(ctx context.Context, to jid.JID, j *Jingle) error {
	iq := iqPayload{ID: stanza.GenerateID(), From: jid.MustParse(p.params.LocalJID()), To: to, Type: stanza.IQSet, Payload: j}
	return p.params.SendElement(ctx, iq)
}

// SendSessionInitiate, SendSessionAccept and SendTransportInfo implement
// call.Outbound's IQ-addressed half: all three route to the address the
// manager passes in, the session's PeerFull — the resource-qualified peer
// address taken from the peer's proceed (outgoing) or session-initiate
// (incoming), never the bare JID.
func (p *Plugin) SendSessionInitiate(ctx context.Context, to jid.JID, sess *call.Session, localSDP string) error {
	// Nothing to echo yet: this IS the offer, not an answer to one.
	j, ice, err := SDPToJingle(localSDP, ActionSessionInitiate, sess.ID, p.params.LocalJID(), nil, true)
	if err != nil {
		return err
	}
	sess.LocalICE = ice
	return p.sendJingleSet(ctx, to, j)
}

func (p *Plugin) SendSessionAccept(ctx context.Context, to jid.JID, sess *call.Session, localSDP string) error {
	j, ice, err := SDPToJingle(localSDP, ActionSessionAccept, sess.ID, p.params.LocalJID(), sess.OfferDetails, true)
	if err != nil {
		return err
	}
	sess.LocalICE = ice
	return p.sendJingleSet(ctx, to, j)
}

func (p *Plugin) SendSessionTerminate(ctx context.Context, to jid.JID, sessionID string, reason call.TerminationReason) error {
	j := &Jingle{Action: ActionSessionTerminate, SID: sessionID, Reason: &Reason{Condition: string(reason)}}
	return p.sendJingleSet(ctx, to, j)
}

// SendTransportInfo emits a single candidate as its own transport-info IQ,
// never batching multiple candidates into one stanza.
func (p *Plugin) SendTransportInfo(ctx context.Context, to jid.JID, sessionID string, cand engine.Candidate) error {
	content := Content{
		Creator: "initiator",
		Name:    cand.SDPMid,
		Description: []byte(fmt.Sprintf(
			`<transport xmlns="urn:xmpp:jingle:transports:ice-udp:1">%s</transport>`,
			candidateElementFromWire(cand))),
	}
	j := &Jingle{Action: ActionTransportInfo, SID: sessionID, Contents: []Content{content}}
	return p.sendJingleSet(ctx, to, j)
}

func candidateElementFromWire(cand engine.Candidate) string {
	// cand.Candidate carries the raw "candidate:..." SDP attribute value;
	// reuse the same field parser the codec uses for full SDP bodies.
	c := parseCandidateLine(cand.Candidate[len("candidate:"):])
	s := fmt.Sprintf(
		`<candidate component="%d" foundation="%s" generation="0" id="c" ip="%s" port="%d" priority="%d" protocol="%s" type="%s"`,
		c.component, c.foundation, c.ip, c.port, c.priority, c.protocol, c.typ)
	if c.relAddr != "" {
		s += fmt.Sprintf(` rel-addr="%s" rel-port="%d"`, c.relAddr, c.relPort)
	}
	return s + "/>"
}

// HandleIQ is the session-action dispatcher. Like HandleMessage, the host
// wires it onto the session mux for <iq> stanzas since Initialize has no
// Mux reference to register against directly:
//
//	mux.HandleFunc(xml.Name{Space: ns.Client, Local: "iq"}, "",
//	    func(ctx context.Context, _ *xmpp.Session, st stanza.Stanza) error {
//	        return jinglePlugin.HandleIQ(ctx, st)
//	    })
//
// IQs with no <jingle> child are ignored so other IQ handlers still see
// them. Every IQ this dispatcher does claim is acknowledged with a result
// or an error.
func (p *Plugin) HandleIQ(ctx context.Context, st stanza.Stanza) error {
	iq, ok := st.(*stanza.IQ)
	if !ok || iq.Type != stanza.IQGet && iq.Type != stanza.IQSet {
		return nil
	}
	var j Jingle
	if err := xml.Unmarshal(iq.Query, &j); err != nil || j.XMLName.Local != "jingle" {
		return nil // not ours; let another handler see it
	}

	err := p.dispatchAction(ctx, iq.From, &j)
	if err != nil {
		return p.params.SendElement(ctx, iq.ErrorIQ(errToStanzaError(err)))
	}
	return p.params.SendElement(ctx, iq.ResultIQ())
}

func errToStanzaError(err error) *stanza.StanzaError {
	return stanza.NewStanzaError(stanza.ErrorTypeModify, stanza.ErrorBadRequest, err.Error())
}

func (p *Plugin) dispatchAction(ctx context.Context, from jid.JID, j *Jingle) error {
	switch j.Action {
	case ActionSessionInitiate:
		return p.handleSessionInitiate(ctx, from, j)
	case ActionSessionAccept:
		return p.handleSessionAccept(ctx, from, j)
	case ActionSessionTerminate:
		return p.handleSessionTerminate(ctx, from, j)
	case ActionTransportInfo:
		return p.handleTransportInfo(ctx, from, j)
	default:
		return fmt.Errorf("jingle: unsupported action %q", j.Action)
	}
}

func (p *Plugin) handleSessionInitiate(ctx context.Context, from jid.JID, j *Jingle) error {
	remoteSDP := JingleToSDP(j, "offer")
	offer := ExtractOfferDetails(remoteSDP)
	media := mediaTypes(j)
	return p.manager.HandleSessionInitiate(ctx, from, j.SID, media, offer, remoteSDP, p.sessionConfig())
}

func (p *Plugin) handleSessionAccept(ctx context.Context, from jid.JID, j *Jingle) error {
	remoteSDP := JingleToSDP(j, "answer")
	parsed := parseSDP(remoteSDP)
	ice := call.ICECredentials{Ufrag: parsed.ufrag, Pwd: parsed.pwd}
	return p.manager.HandleSessionAccept(ctx, j.SID, ice, remoteSDP)
}

func (p *Plugin) handleSessionTerminate(ctx context.Context, from jid.JID, j *Jingle) error {
	reason := call.TerminationReason("success")
	if j.Reason != nil && j.Reason.Condition != "" {
		reason = call.TerminationReason(j.Reason.Condition)
	}
	return p.manager.HandleSessionTerminate(ctx, j.SID, reason)
}

func (p *Plugin) handleTransportInfo(ctx context.Context, from jid.JID, j *Jingle) error {
	if len(j.Contents) == 0 {
		return fmt.Errorf("jingle: transport-info with no content")
	}
	content := j.Contents[0]
	cands := candidatesFromContentXML(string(content.Description))
	remoteSDP := p.manager.LastOfferSDP(j.SID)
	for _, c := range cands {
		cand := engine.Candidate{
			SDPMid:    content.Name,
			Candidate: c.raw,
			Protocol:  c.protocol,
		}
		if err := p.manager.HandleTransportInfo(ctx, j.SID, cand, remoteSDP, p.sessionConfig()); err != nil {
			return err
		}
	}
	return nil
}

func mediaTypes(j *Jingle) []string {
	var media []string
	for _, c := range j.Contents {
		if m := mediaAttrFromDescription(string(c.Description)); m != "" {
			media = append(media, m)
		}
	}
	if len(media) == 0 {
		media = []string{"audio"}
	}
	return media
}

func mediaAttrFromDescription(raw string) string {
	return attrStr(raw, "media")
}

func candidatesFromContentXML(raw string) []candidateLine {
	var out []candidateLine
	rest := raw
	for {
		idx := strings.Index(rest, "<candidate")
		if idx < 0 {
			break
		}
		rest = rest[idx:]
		end := strings.Index(rest, "/>")
		if end < 0 {
			break
		}
		tag := rest[:end]
		c := candidateLine{
			foundation: attrStr(tag, "foundation"),
			component:  attrInt(tag, "component"),
			protocol:   attrStr(tag, "protocol"),
			priority:   attrInt(tag, "priority"),
			ip:         attrStr(tag, "ip"),
			port:       attrInt(tag, "port"),
			typ:        attrStr(tag, "type"),
			relAddr:    attrStr(tag, "rel-addr"),
			relPort:    attrInt(tag, "rel-port"),
		}
		c.raw = fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s", c.foundation, c.component, c.protocol, c.priority, c.ip, c.port, c.typ)
		if c.relAddr != "" {
			c.raw += fmt.Sprintf(" raddr %s rport %d", c.relAddr, c.relPort)
		}
		out = append(out, c)
		rest = rest[end+2:]
	}
	return out
}
