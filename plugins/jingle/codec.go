package jingle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/driftline/callcore/call"
)

// This file is the SDP <-> Jingle translator. It is
// deliberately written against the subset of SDP the media engine actually
// emits and consumes for a single-audio-stream WebRTC offer/answer — not a
// general-purpose SDP library — because the wire contract on both sides
// (the media engine and interoperating XMPP clients) is narrow and fixed.

// parsedMedia is one m= section, pulled out of an SDP body.
type parsedMedia struct {
	media       string
	mid         string
	payloads    []payloadType
	rtcpMux     bool
	ssrc        string
	ssrcParams  map[string]string
	candidates  []candidateLine
	extensions  []call.RTPHeaderExt
	extmapMix   bool
}

type payloadType struct {
	id         int
	name       string
	clockrate  int
	channels   int
	parameters []call.Parameter
	feedback   []string
}

type candidateLine struct {
	foundation string
	component  int
	protocol   string
	priority   int
	ip         string
	port       int
	typ        string
	relAddr    string
	relPort    int
	raw        string
}

type parsedSDP struct {
	ufrag       string
	pwd         string
	fingerprint string
	fpHash      string
	setup       string
	bundle      []string
	media       []parsedMedia
}

// parseSDP walks an SDP body line by line, folding session-level and
// media-level attributes that apply to the narrow field set this engine
// cares about.
func parseSDP(sdp string) parsedSDP {
	var out parsedSDP
	var cur *parsedMedia

	for _, line := range strings.Split(strings.ReplaceAll(sdp, "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "m="):
			out.media = append(out.media, parsedMedia{media: strings.Fields(line[2:])[0], ssrcParams: map[string]string{}})
			cur = &out.media[len(out.media)-1]
		case strings.HasPrefix(line, "a=group:BUNDLE "):
			out.bundle = strings.Fields(strings.TrimPrefix(line, "a=group:BUNDLE "))
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			v := strings.TrimPrefix(line, "a=ice-ufrag:")
			if cur == nil {
				out.ufrag = v
			}
		case strings.HasPrefix(line, "a=ice-pwd:"):
			v := strings.TrimPrefix(line, "a=ice-pwd:")
			if cur == nil {
				out.pwd = v
			}
		case strings.HasPrefix(line, "a=fingerprint:"):
			parts := strings.SplitN(strings.TrimPrefix(line, "a=fingerprint:"), " ", 2)
			if len(parts) == 2 {
				out.fpHash = parts[0]
				out.fingerprint = parts[1]
			}
		case strings.HasPrefix(line, "a=setup:"):
			out.setup = strings.TrimPrefix(line, "a=setup:")
		case cur == nil:
			// session-level line we don't model (v=, o=, s=, t=, c=).
		case strings.HasPrefix(line, "a=mid:"):
			cur.mid = strings.TrimPrefix(line, "a=mid:")
		case strings.HasPrefix(line, "a=rtcp-mux"):
			cur.rtcpMux = true
		case strings.HasPrefix(line, "a=extmap-allow-mixed"):
			cur.extmapMix = true
		case strings.HasPrefix(line, "a=extmap:"):
			fields := strings.Fields(strings.TrimPrefix(line, "a=extmap:"))
			if len(fields) >= 2 {
				cur.extensions = append(cur.extensions, call.RTPHeaderExt{ID: fields[0], URI: fields[1]})
			}
		case strings.HasPrefix(line, "a=rtpmap:"):
			pt := parseRTPMap(strings.TrimPrefix(line, "a=rtpmap:"))
			cur.payloads = append(cur.payloads, pt)
		case strings.HasPrefix(line, "a=fmtp:"):
			applyFmtp(cur, strings.TrimPrefix(line, "a=fmtp:"))
		case strings.HasPrefix(line, "a=rtcp-fb:"):
			applyRTCPFB(cur, strings.TrimPrefix(line, "a=rtcp-fb:"))
		case strings.HasPrefix(line, "a=ssrc:"):
			applySSRC(cur, strings.TrimPrefix(line, "a=ssrc:"))
		case strings.HasPrefix(line, "a=candidate:"):
			cur.candidates = append(cur.candidates, parseCandidateLine(strings.TrimPrefix(line, "a=candidate:")))
		}
	}
	return out
}

func parseRTPMap(s string) payloadType {
	// "<id> <name>/<clockrate>[/<channels>]"
	parts := strings.SplitN(s, " ", 2)
	pt := payloadType{}
	pt.id, _ = strconv.Atoi(parts[0])
	if len(parts) == 2 {
		fields := strings.Split(parts[1], "/")
		pt.name = fields[0]
		if len(fields) > 1 {
			pt.clockrate, _ = strconv.Atoi(fields[1])
		}
		if len(fields) > 2 {
			pt.channels, _ = strconv.Atoi(fields[2])
		}
	}
	// Opus is always negotiated stereo, regardless of what the SDP said.
	if strings.EqualFold(pt.name, "opus") {
		pt.channels = 2
	}
	return pt
}

func applyFmtp(m *parsedMedia, s string) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 {
		return
	}
	id, _ := strconv.Atoi(parts[0])
	for i := range m.payloads {
		if m.payloads[i].id != id {
			continue
		}
		for _, kv := range strings.Split(parts[1], ";") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			nv := strings.SplitN(kv, "=", 2)
			name := nv[0]
			value := ""
			if len(nv) == 2 {
				value = nv[1]
			}
			m.payloads[i].parameters = append(m.payloads[i].parameters, call.Parameter{Name: name, Value: value})
		}
	}
}

func applyRTCPFB(m *parsedMedia, s string) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 {
		return
	}
	id, _ := strconv.Atoi(parts[0])
	for i := range m.payloads {
		if m.payloads[i].id == id {
			m.payloads[i].feedback = append(m.payloads[i].feedback, parts[1])
		}
	}
}

func applySSRC(m *parsedMedia, s string) {
	// "<ssrc-id> <attribute>[:<value>]"
	fields := strings.SplitN(s, " ", 2)
	if len(fields) != 2 {
		return
	}
	m.ssrc = fields[0]
	attr := strings.SplitN(fields[1], ":", 2)
	name := attr[0]
	value := ""
	if len(attr) == 2 {
		value = attr[1]
	}
	m.ssrcParams[name] = value
}

func parseCandidateLine(s string) candidateLine {
	// "<foundation> <component> <protocol> <priority> <ip> <port> typ <type> [raddr <ip> rport <port>]"
	f := strings.Fields(s)
	c := candidateLine{raw: "candidate:" + s}
	if len(f) < 8 {
		return c
	}
	c.foundation = f[0]
	c.component, _ = strconv.Atoi(f[1])
	c.protocol = f[2]
	c.priority, _ = strconv.Atoi(f[3])
	c.ip = f[4]
	c.port, _ = strconv.Atoi(f[5])
	c.typ = f[7]
	for i := 8; i+1 < len(f); i += 2 {
		switch f[i] {
		case "raddr":
			c.relAddr = f[i+1]
		case "rport":
			c.relPort, _ = strconv.Atoi(f[i+1])
		}
	}
	return c
}

// ExtractOfferDetails builds a digest of an offer's negotiable features, consulted both
// to filter the answer's SSRC parameters and to drive the echo pass.
func ExtractOfferDetails(sdp string) *call.OfferDetails {
	parsed := parseSDP(sdp)
	details := &call.OfferDetails{
		BundleGroup:    parsed.bundle,
		ExtmapAllowMix: false,
		SSRCParamNames: map[string][]string{},
		CodecParams:    map[string][]call.Parameter{},
		Feedback:       map[string][]string{},
	}
	for _, m := range parsed.media {
		details.CandidateCount += len(m.candidates)
		if m.extmapMix {
			details.ExtmapAllowMix = true
		}
		if len(m.extensions) > 0 && len(details.RTPHdrExts) == 0 {
			details.RTPHdrExts = m.extensions
		}
		if m.ssrc != "" {
			details.HasSSRC = true
			names := make([]string, 0, len(m.ssrcParams))
			for name := range m.ssrcParams {
				names = append(names, name)
			}
			details.SSRCParamNames[m.mid] = names
		}
		for _, pt := range m.payloads {
			key := fmt.Sprintf("%s/%d", m.mid, pt.id)
			if len(pt.parameters) > 0 {
				details.CodecParams[key] = pt.parameters
			}
			if len(pt.feedback) > 0 {
				details.Feedback[key] = pt.feedback
			}
		}
	}
	return details
}

// SDPToJingle translates an SDP body into a Jingle element for the given
// action and session id. When offer is non-nil, SSRC parameters are
// filtered against it (never emitting a superset) and, after the contents
// are built, EchoOfferFeatures runs against it.
func SDPToJingle(sdp, action, sid, initiator string, offer *call.OfferDetails, includeSSRC bool) (*Jingle, call.ICECredentials, error) {
	parsed := parseSDP(sdp)

	j := &Jingle{Action: action, SID: sid, Initiator: initiator}
	for _, m := range parsed.media {
		name := m.mid
		if name == "" {
			name = m.media
		}
		content := Content{Creator: "initiator", Name: name, Senders: "both"}

		desc := RTPDescription{Media: m.media}
		for _, pt := range m.payloads {
			jpt := PayloadType{ID: pt.id, Name: pt.name, Clockrate: pt.clockrate, Channels: pt.channels}
			for _, p := range pt.parameters {
				jpt.Parameters = append(jpt.Parameters, Parameter{Name: p.Name, Value: p.Value})
			}
			desc.PayloadTypes = append(desc.PayloadTypes, jpt)
		}

		var descBuf strings.Builder
		writeRTPDescription(&descBuf, desc, m, offer, includeSSRC)
		if m.rtcpMux {
			descBuf.WriteString("<rtcp-mux/>")
		}
		content.Description = []byte(wrapDescription(descBuf.String()))

		transport := buildTransport(m, parsed)
		content.Description = append(content.Description, []byte(transport)...)

		j.Contents = append(j.Contents, content)
	}

	if offer != nil {
		EchoOfferFeatures(j, offer)
	}

	return j, call.ICECredentials{Ufrag: parsed.ufrag, Pwd: parsed.pwd}, nil
}

func wrapDescription(inner string) string {
	return `<description xmlns="urn:xmpp:jingle:apps:rtp:1">` + inner + `</description>`
}

func writeRTPDescription(b *strings.Builder, desc RTPDescription, m parsedMedia, offer *call.OfferDetails, includeSSRC bool) {
	for _, pt := range desc.PayloadTypes {
		b.WriteString(fmt.Sprintf(`<payload-type id="%d" name="%s"`, pt.ID, pt.Name))
		if pt.Clockrate != 0 {
			b.WriteString(fmt.Sprintf(` clockrate="%d"`, pt.Clockrate))
		}
		if pt.Channels != 0 {
			b.WriteString(fmt.Sprintf(` channels="%d"`, pt.Channels))
		}
		b.WriteString(">")
		for _, p := range pt.Parameters {
			b.WriteString(fmt.Sprintf(`<parameter name="%s" value="%s"/>`, p.Name, p.Value))
		}
		b.WriteString("</payload-type>")
	}
	if includeSSRC && offer != nil && offer.HasSSRC && m.ssrc != "" {
		allowed := offer.SSRCParamNames[m.mid]
		allowedSet := make(map[string]bool, len(allowed))
		for _, a := range allowed {
			allowedSet[a] = true
		}
		b.WriteString(fmt.Sprintf(`<source xmlns="urn:xmpp:jingle:apps:rtp:ssma:0" ssrc="%s">`, m.ssrc))
		for name, value := range m.ssrcParams {
			if !allowedSet[name] {
				continue // never emit a superset of the offer's parameter names
			}
			b.WriteString(fmt.Sprintf(`<parameter name="%s" value="%s"/>`, name, value))
		}
		b.WriteString(`</source>`)
	}
}

func buildTransport(m parsedMedia, parsed parsedSDP) string {
	var b strings.Builder
	b.WriteString(`<transport xmlns="urn:xmpp:jingle:transports:ice-udp:1"`)
	if parsed.ufrag != "" {
		b.WriteString(fmt.Sprintf(` ufrag="%s"`, parsed.ufrag))
	}
	if parsed.pwd != "" {
		b.WriteString(fmt.Sprintf(` pwd="%s"`, parsed.pwd))
	}
	b.WriteString(">")
	for i, c := range m.candidates {
		b.WriteString(fmt.Sprintf(
			`<candidate component="%d" foundation="%s" generation="0" id="cand%d" ip="%s" port="%d" priority="%d" protocol="%s" type="%s"`,
			c.component, c.foundation, i, c.ip, c.port, c.priority, c.protocol, c.typ))
		if c.relAddr != "" {
			b.WriteString(fmt.Sprintf(` rel-addr="%s" rel-port="%d"`, c.relAddr, c.relPort))
		}
		b.WriteString("/>")
	}
	if parsed.fingerprint != "" {
		b.WriteString(fmt.Sprintf(`<fingerprint xmlns="urn:xmpp:jingle:apps:dtls:0" hash="%s" setup="%s">%s</fingerprint>`,
			parsed.fpHash, parsed.setup, parsed.fingerprint))
	}
	b.WriteString(`<trickle xmlns="http://gultsch.de/xmpp/drafts/jingle/transports/ice-udp/option"/>`)
	b.WriteString(`<renomination xmlns="http://gultsch.de/xmpp/drafts/jingle/transports/ice-udp/option"/>`)
	b.WriteString(`</transport>`)
	return b.String()
}

// EchoOfferFeatures mutates j to echo RTP header extensions (onto the
// first content only, following the BUNDLE-sharing convention),
// extmap-allow-mixed, per-payload codec parameters (only filled in where
// the answer's own payload element carries none yet), per-payload feedback
// types, and a top-level BUNDLE group referencing every content name.
func EchoOfferFeatures(j *Jingle, offer *call.OfferDetails) {
	if offer == nil {
		return
	}
	if len(j.Contents) > 0 && len(offer.RTPHdrExts) > 0 {
		extra := ""
		for _, ext := range offer.RTPHdrExts {
			extra += fmt.Sprintf(`<rtp-hdrext xmlns="urn:xmpp:jingle:apps:rtp:rtp-hdrext:0" id="%s" uri="%s"/>`, ext.ID, ext.URI)
		}
		if offer.ExtmapAllowMix {
			extra += `<extmap-allow-mixed xmlns="urn:xmpp:jingle:apps:rtp:rtp-hdrext:0"/>`
		}
		j.Contents[0].Description = insertIntoDescription(j.Contents[0].Description, extra)
	}
	for i := range j.Contents {
		name := j.Contents[i].Name
		for key, params := range offer.CodecParams {
			prefix := name + "/"
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			extra := ""
			for _, p := range params {
				extra += fmt.Sprintf(`<parameter name="%s" value="%s"/>`, p.Name, p.Value)
			}
			j.Contents[i].Description = insertPayloadExtra(j.Contents[i].Description, key[len(prefix):], extra, true)
		}
		for key, fbs := range offer.Feedback {
			prefix := name + "/"
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			extra := ""
			for _, fb := range fbs {
				extra += fmt.Sprintf(`<rtcp-fb xmlns="urn:xmpp:jingle:apps:rtp:rtcp-fb:0" type="%s"/>`, fb)
			}
			j.Contents[i].Description = insertPayloadExtra(j.Contents[i].Description, key[len(prefix):], extra, false)
		}
	}
	if len(offer.BundleGroup) > 0 {
		refs := make([]GroupContent, 0, len(j.Contents))
		for _, c := range j.Contents {
			refs = append(refs, GroupContent{Name: c.Name})
		}
		j.Group = &Group{Semantics: "BUNDLE", ContentRefs: refs}
	}
}

// insertIntoDescription splices extra XML immediately inside the opening
// <description ...> tag, before the first payload-type child.
func insertIntoDescription(raw []byte, extra string) []byte {
	s := string(raw)
	idx := strings.Index(s, ">")
	if idx < 0 {
		return raw
	}
	return []byte(s[:idx+1] + extra + s[idx+1:])
}

// insertPayloadExtra splices extra XML just before the closing
// </payload-type> tag of the payload whose id is payloadID, for whichever
// of the description/transport blobs it appears in. When onlyIfEmpty is
// true, the splice is skipped if the payload already has a <parameter>
// child — codec params are echoed from the offer only when the answer's
// own payload-type didn't already carry fmtp parameters, so the answer
// never ends up with a duplicated parameter set.
func insertPayloadExtra(raw []byte, payloadID, extra string, onlyIfEmpty bool) []byte {
	s := string(raw)
	marker := fmt.Sprintf(`id="%s"`, payloadID)
	idx := strings.Index(s, marker)
	if idx < 0 {
		return raw
	}
	closeIdx := strings.Index(s[idx:], "</payload-type>")
	if closeIdx < 0 {
		return raw
	}
	pos := idx + closeIdx
	if onlyIfEmpty && strings.Contains(s[idx:pos], "<parameter ") {
		return raw
	}
	return []byte(s[:pos] + extra + s[pos:])
}

// JingleToSDP renders a Jingle session description back into SDP.
// rtcp-mux is deliberately never emitted, even if a content carried
// <rtcp-mux/>, so the media engine gathers both RTP and RTCP components.
func JingleToSDP(j *Jingle, sdpType string) string {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 0.0.0.0\r\n")
	b.WriteString("s=-\r\n")
	b.WriteString("t=0 0\r\n")

	for _, c := range j.Contents {
		desc, transport := splitContentXML(string(c.Description))
		payloads := extractPayloadSummary(desc)

		ids := make([]string, 0, len(payloads))
		for _, p := range payloads {
			ids = append(ids, strconv.Itoa(p.id))
		}
		b.WriteString(fmt.Sprintf("m=audio 9 UDP/TLS/RTP/SAVPF %s\r\n", strings.Join(ids, " ")))
		b.WriteString("c=IN IP4 0.0.0.0\r\n")
		b.WriteString("a=rtcp:9 IN IP4 0.0.0.0\r\n")
		b.WriteString(fmt.Sprintf("a=mid:%s\r\n", c.Name))
		for _, p := range payloads {
			if p.clockrate != 0 && p.channels != 0 {
				b.WriteString(fmt.Sprintf("a=rtpmap:%d %s/%d/%d\r\n", p.id, p.name, p.clockrate, p.channels))
			} else if p.clockrate != 0 {
				b.WriteString(fmt.Sprintf("a=rtpmap:%d %s/%d\r\n", p.id, p.name, p.clockrate))
			} else {
				b.WriteString(fmt.Sprintf("a=rtpmap:%d %s\r\n", p.id, p.name))
			}
		}
		ufrag, pwd, fp, fpHash, setup, candidates := extractTransportSummary(transport)
		if ufrag != "" {
			b.WriteString(fmt.Sprintf("a=ice-ufrag:%s\r\n", ufrag))
		}
		if pwd != "" {
			b.WriteString(fmt.Sprintf("a=ice-pwd:%s\r\n", pwd))
		}
		b.WriteString("a=ice-options:trickle\r\n")
		if setup != "" {
			b.WriteString(fmt.Sprintf("a=setup:%s\r\n", setup))
		}
		if fp != "" {
			b.WriteString(fmt.Sprintf("a=fingerprint:%s %s\r\n", fpHash, fp))
		}
		for _, cand := range candidates {
			b.WriteString("a=" + cand + "\r\n")
		}
		b.WriteString("a=sendrecv\r\n")
	}
	return b.String()
}

type payloadSummary struct {
	id        int
	name      string
	clockrate int
	channels  int
}

func splitContentXML(raw string) (desc, transport string) {
	idx := strings.Index(raw, "<transport")
	if idx < 0 {
		return raw, ""
	}
	return raw[:idx], raw[idx:]
}

func extractPayloadSummary(desc string) []payloadSummary {
	var out []payloadSummary
	rest := desc
	for {
		idx := strings.Index(rest, "<payload-type")
		if idx < 0 {
			break
		}
		rest = rest[idx:]
		end := strings.IndexAny(rest, ">")
		if end < 0 {
			break
		}
		tag := rest[:end]
		out = append(out, payloadSummary{
			id:        attrInt(tag, "id"),
			name:      attrStr(tag, "name"),
			clockrate: attrInt(tag, "clockrate"),
			channels:  attrInt(tag, "channels"),
		})
		rest = rest[end+1:]
	}
	return out
}

func extractTransportSummary(transport string) (ufrag, pwd, fingerprint, fpHash, setup string, candidates []string) {
	if idx := strings.Index(transport, "<transport"); idx >= 0 {
		end := strings.Index(transport[idx:], ">")
		if end >= 0 {
			tag := transport[idx : idx+end]
			ufrag = attrStr(tag, "ufrag")
			pwd = attrStr(tag, "pwd")
		}
	}
	rest := transport
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
		candidates = append(candidates, candidateAttrsToSDP(tag))
		rest = rest[end+2:]
	}
	if idx := strings.Index(transport, "<fingerprint"); idx >= 0 {
		tagEnd := strings.Index(transport[idx:], ">")
		closeIdx := strings.Index(transport[idx:], "</fingerprint>")
		if tagEnd >= 0 && closeIdx >= 0 {
			tag := transport[idx : idx+tagEnd]
			fpHash = attrStr(tag, "hash")
			setup = attrStr(tag, "setup")
			fingerprint = strings.TrimSpace(transport[idx+tagEnd+1 : idx+closeIdx])
		}
	}
	return
}

func candidateAttrsToSDP(tag string) string {
	s := fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
		attrStr(tag, "foundation"), attrInt(tag, "component"), attrStr(tag, "protocol"),
		attrInt(tag, "priority"), attrStr(tag, "ip"), attrInt(tag, "port"), attrStr(tag, "type"))
	if relAddr := attrStr(tag, "rel-addr"); relAddr != "" {
		s += fmt.Sprintf(" raddr %s rport %d", relAddr, attrInt(tag, "rel-port"))
	}
	return s
}

func attrStr(tag, name string) string {
	marker := name + `="`
	idx := strings.Index(tag, marker)
	if idx < 0 {
		return ""
	}
	rest := tag[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func attrInt(tag, name string) int {
	v, _ := strconv.Atoi(attrStr(tag, name))
	return v
}
