package jingle

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/driftline/callcore/call"
)

const sampleOfferSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE audio\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:audio\r\n" +
	"a=ice-ufrag:F7gI\r\n" +
	"a=ice-pwd:x9CkCB9OhWD2aKq4J6vTqB8F\r\n" +
	"a=fingerprint:sha-256 4A:AD:B9:B1:3F:82:18:3B:54:02:12:DF:3E:5D:49:6B\r\n" +
	"a=setup:actpass\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtcp-fb:111 transport-cc\r\n" +
	"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
	"a=extmap-allow-mixed\r\n" +
	"a=ssrc:1234567890 cname:abc123\r\n" +
	"a=ssrc:1234567890 msid:stream track\r\n" +
	"a=candidate:1 1 udp 2130706431 10.0.0.5 9000 typ host\r\n" +
	"a=sendrecv\r\n"

func TestParseSDPExtractsSessionAndMediaLevelFields(t *testing.T) {
	t.Parallel()
	parsed := parseSDP(sampleOfferSDP)

	if parsed.ufrag != "F7gI" || parsed.pwd != "x9CkCB9OhWD2aKq4J6vTqB8F" {
		t.Fatalf("ice credentials = %q/%q", parsed.ufrag, parsed.pwd)
	}
	if len(parsed.bundle) != 1 || parsed.bundle[0] != "audio" {
		t.Fatalf("bundle = %v, want [audio]", parsed.bundle)
	}
	if len(parsed.media) != 1 {
		t.Fatalf("media sections = %d, want 1", len(parsed.media))
	}
	m := parsed.media[0]
	if len(m.payloads) != 1 || m.payloads[0].name != "opus" {
		t.Fatalf("payloads = %+v", m.payloads)
	}
	if m.payloads[0].channels != 2 {
		t.Fatalf("opus channels = %d, want 2 (forced)", m.payloads[0].channels)
	}
	if len(m.candidates) != 1 || m.candidates[0].ip != "10.0.0.5" {
		t.Fatalf("candidates = %+v", m.candidates)
	}
}

func TestParseRTPMapForcesOpusToStereo(t *testing.T) {
	t.Parallel()
	pt := parseRTPMap("111 opus/48000")
	if pt.channels != 2 {
		t.Fatalf("channels = %d, want 2 even though the input SDP omitted them", pt.channels)
	}
	pt = parseRTPMap("9 G722/8000")
	if pt.channels != 0 {
		t.Fatalf("channels = %d, want 0 for a non-opus codec with no explicit channel count", pt.channels)
	}
}

func TestExtractOfferDetailsDigestsEverythingEchoFeaturesNeeds(t *testing.T) {
	t.Parallel()
	offer := ExtractOfferDetails(sampleOfferSDP)

	if !offer.HasSSRC {
		t.Fatal("HasSSRC = false")
	}
	if !offer.ExtmapAllowMix {
		t.Fatal("ExtmapAllowMix = false")
	}
	if len(offer.RTPHdrExts) != 1 || offer.RTPHdrExts[0].ID != "1" {
		t.Fatalf("RTPHdrExts = %+v", offer.RTPHdrExts)
	}
	if offer.CandidateCount != 1 {
		t.Fatalf("CandidateCount = %d, want 1", offer.CandidateCount)
	}
	names := offer.SSRCParamNames["audio"]
	if len(names) != 2 {
		t.Fatalf("SSRCParamNames[audio] = %v, want 2 entries", names)
	}
	key := "audio/111"
	if len(offer.CodecParams[key]) != 2 {
		t.Fatalf("CodecParams[%s] = %v, want 2 fmtp params", key, offer.CodecParams[key])
	}
	if len(offer.Feedback[key]) != 1 || offer.Feedback[key][0] != "transport-cc" {
		t.Fatalf("Feedback[%s] = %v", key, offer.Feedback[key])
	}
}

func TestSDPToJingleAnswerFiltersSSRCParamsToOfferSubset(t *testing.T) {
	t.Parallel()
	offer := ExtractOfferDetails(sampleOfferSDP)

	// The answer's own media carries an extra ssrc param ("label") the
	// offer never listed; the generated Jingle source element must never
	// include it, even though it's a real attribute of this SDP.
	answerSDP := strings.Replace(sampleOfferSDP,
		"a=ssrc:1234567890 msid:stream track\r\n",
		"a=ssrc:1234567890 msid:stream track\r\na=ssrc:1234567890 label:track1\r\n", 1)

	j, ice, err := SDPToJingle(answerSDP, ActionSessionAccept, "sid1", "alice@example.com", offer, true)
	if err != nil {
		t.Fatalf("SDPToJingle: %v", err)
	}
	if ice.Ufrag != "F7gI" {
		t.Fatalf("ice.Ufrag = %q", ice.Ufrag)
	}
	if len(j.Contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(j.Contents))
	}
	desc := string(j.Contents[0].Description)
	if !strings.Contains(desc, `ssrc="1234567890"`) {
		t.Fatalf("description missing source element: %s", desc)
	}
	if !strings.Contains(desc, `name="cname"`) {
		t.Fatalf("description should keep cname, an offer-listed ssrc param: %s", desc)
	}
	if strings.Contains(desc, `name="label"`) {
		t.Fatalf("description must never emit a superset of the offer's ssrc param names: %s", desc)
	}
}

func TestEchoOfferFeaturesAddsBundleGroupAndHeaderExtensionsOnce(t *testing.T) {
	t.Parallel()
	offer := ExtractOfferDetails(sampleOfferSDP)
	j := &Jingle{
		Action: ActionSessionAccept,
		SID:    "sid1",
		Contents: []Content{
			{Name: "audio", Description: []byte(`<description xmlns="urn:xmpp:jingle:apps:rtp:1"><payload-type id="111" name="opus"></payload-type></description>`)},
		},
	}
	EchoOfferFeatures(j, offer)

	if j.Group == nil || j.Group.Semantics != "BUNDLE" {
		t.Fatal("expected a BUNDLE group to be echoed")
	}
	if len(j.Group.ContentRefs) != 1 || j.Group.ContentRefs[0].Name != "audio" {
		t.Fatalf("group content refs = %+v", j.Group.ContentRefs)
	}
	desc := string(j.Contents[0].Description)
	if !strings.Contains(desc, "rtp-hdrext") {
		t.Fatalf("expected rtp-hdrext echoed into the description: %s", desc)
	}
	if !strings.Contains(desc, "extmap-allow-mixed") {
		t.Fatalf("expected extmap-allow-mixed echoed: %s", desc)
	}
}

func TestSDPToJingleAnswerDoesNotDuplicateFmtpParameters(t *testing.T) {
	t.Parallel()
	offer := ExtractOfferDetails(sampleOfferSDP)

	// The answer's own SDP already carries the same opus fmtp parameters
	// the offer had; SDPToJingle writes them into the payload-type once,
	// and EchoOfferFeatures must not add a second copy from the offer
	// digest on top.
	j, _, err := SDPToJingle(sampleOfferSDP, ActionSessionAccept, "sid1", "alice@example.com", offer, true)
	if err != nil {
		t.Fatalf("SDPToJingle: %v", err)
	}
	desc := string(j.Contents[0].Description)
	if n := strings.Count(desc, `name="minptime"`); n != 1 {
		t.Fatalf(`name="minptime" appears %d times, want exactly 1 (no duplication): %s`, n, desc)
	}
	if n := strings.Count(desc, `name="useinbandfec"`); n != 1 {
		t.Fatalf(`name="useinbandfec" appears %d times, want exactly 1 (no duplication): %s`, n, desc)
	}
}

func TestJingleToSDPNeverEmitsRTCPMux(t *testing.T) {
	t.Parallel()
	j := &Jingle{
		Action: ActionSessionInitiate,
		SID:    "sid1",
		Contents: []Content{
			{
				Name: "audio",
				Description: []byte(`<description xmlns="urn:xmpp:jingle:apps:rtp:1">` +
					`<payload-type id="111" name="opus" clockrate="48000" channels="2"></payload-type>` +
					`<rtcp-mux/></description>` +
					`<transport xmlns="urn:xmpp:jingle:transports:ice-udp:1" ufrag="F7gI" pwd="pwd1234">` +
					`<candidate component="1" foundation="1" generation="0" id="c0" ip="10.0.0.5" port="9000" priority="2130706431" protocol="udp" type="host"/>` +
					`</transport>`),
			},
		},
	}
	sdp := JingleToSDP(j, "offer")
	if strings.Contains(sdp, "rtcp-mux") {
		t.Fatalf("rtcp-mux must never be emitted: %s", sdp)
	}
	if !strings.Contains(sdp, "a=rtpmap:111 opus/48000/2") {
		t.Fatalf("missing rtpmap line: %s", sdp)
	}
	if !strings.Contains(sdp, "a=candidate:1 1 udp 2130706431 10.0.0.5 9000 typ host") {
		t.Fatalf("missing candidate line: %s", sdp)
	}
	if !strings.Contains(sdp, "a=ice-ufrag:F7gI") {
		t.Fatalf("missing ice-ufrag: %s", sdp)
	}
}

func TestRoundTripSDPJingleSDPPreservesPayloadAndTransport(t *testing.T) {
	t.Parallel()
	j, _, err := SDPToJingle(sampleOfferSDP, ActionSessionInitiate, "sid1", "alice@example.com", nil, true)
	if err != nil {
		t.Fatalf("SDPToJingle: %v", err)
	}
	back := JingleToSDP(j, "offer")
	if !strings.Contains(back, "a=rtpmap:111 opus/48000/2") {
		t.Fatalf("round trip lost the opus payload: %s", back)
	}
	if !strings.Contains(back, "a=ice-ufrag:F7gI") {
		t.Fatalf("round trip lost ice credentials: %s", back)
	}
	if !strings.Contains(back, "a=fingerprint:sha-256") {
		t.Fatalf("round trip lost the DTLS fingerprint: %s", back)
	}
}

func TestReasonMarshalUsesConditionAsElementName(t *testing.T) {
	t.Parallel()
	j := &Jingle{Action: ActionSessionTerminate, SID: "sid1", Reason: &Reason{Condition: string(call.ReasonDecline)}}
	var buf strings.Builder
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(j); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "<decline>") {
		t.Fatalf("expected <decline/> as the reason condition element: %s", out)
	}
}
