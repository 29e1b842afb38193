package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/callcore/engine"
	"github.com/driftline/callcore/jid"
)

// fakeEngine is an in-memory engine.Engine for exercising the manager
// without a real media-engine process.
type fakeEngine struct {
	mu         sync.Mutex
	sessions   map[string]bool
	failNext   bool
	candidates []engine.Candidate
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sessions: make(map[string]bool)}
}

func (f *fakeEngine) CreateSession(_ context.Context, sessionID string, _ engine.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return engine.ErrUnavailable
	}
	f.sessions[sessionID] = true
	return nil
}

func (f *fakeEngine) CreateOffer(_ context.Context, sessionID string) (string, error) {
	return "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", nil
}

func (f *fakeEngine) CreateAnswer(_ context.Context, sessionID, remoteSDP string) (string, error) {
	return "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", nil
}

func (f *fakeEngine) SetRemoteDescription(_ context.Context, sessionID, remoteSDP string) error {
	return nil
}

func (f *fakeEngine) AddICECandidate(_ context.Context, sessionID string, cand engine.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeEngine) GetStats(_ context.Context, sessionID string) (engine.Stats, error) {
	return engine.Stats{ConnectionState: engine.StateConnected}, nil
}

func (f *fakeEngine) ListAudioDevices(_ context.Context) ([]engine.AudioDevice, []engine.AudioDevice, error) {
	return []engine.AudioDevice{{ID: "mic1", Name: "Mic"}}, []engine.AudioDevice{{ID: "spk1", Name: "Speaker"}}, nil
}

func (f *fakeEngine) SetMute(_ context.Context, sessionID string, muted bool) error {
	return nil
}

func (f *fakeEngine) EndSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeEngine) Events(_ context.Context, sessionID string) (<-chan engine.Event, error) {
	ch := make(chan engine.Event)
	close(ch)
	return ch, nil
}

func (f *fakeEngine) Shutdown(_ context.Context) error { return nil }

// fakeOutbound records every call.Outbound invocation for assertions.
type fakeOutbound struct {
	mu sync.Mutex

	proposed   []string
	proceeded  []string
	rejected   []string
	retracted  []string
	finished   []string
	initiated  []string
	accepted   []string
	terminated []string
	transport  []engine.Candidate
}

func (f *fakeOutbound) SendPropose(_ context.Context, _ jid.JID, sessionID string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposed = append(f.proposed, sessionID)
	return nil
}

func (f *fakeOutbound) SendProceed(_ context.Context, _ jid.JID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proceeded = append(f.proceeded, sessionID)
	return nil
}

func (f *fakeOutbound) SendReject(_ context.Context, _ jid.JID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, sessionID)
	return nil
}

func (f *fakeOutbound) SendRetract(_ context.Context, _ jid.JID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retracted = append(f.retracted, sessionID)
	return nil
}

func (f *fakeOutbound) SendFinish(_ context.Context, _ jid.JID, sessionID string, _ TerminationReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, sessionID)
	return nil
}

func (f *fakeOutbound) SendSessionInitiate(_ context.Context, _ jid.JID, sess *Session, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, sess.ID)
	return nil
}

func (f *fakeOutbound) SendSessionAccept(_ context.Context, _ jid.JID, sess *Session, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, sess.ID)
	return nil
}

func (f *fakeOutbound) SendSessionTerminate(_ context.Context, _ jid.JID, sessionID string, _ TerminationReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	return nil
}

func (f *fakeOutbound) SendTransportInfo(_ context.Context, _ jid.JID, _ string, cand engine.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transport = append(f.transport, cand)
	return nil
}

func newTestManager() (*Manager, *fakeOutbound) {
	out := &fakeOutbound{}
	m := NewManager(newFakeEngine(), out, Callbacks{}, zerolog.Nop())
	return m, out
}

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("jid.Parse(%q): %v", s, err)
	}
	return j
}

func TestStartCallSendsProposeAndRejectsConcurrentCall(t *testing.T) {
	t.Parallel()
	m, out := newTestManager()
	defer m.Close()

	peer := mustJID(t, "bob@example.com")
	sid, err := m.StartCall(context.Background(), peer, []string{"audio"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if len(out.proposed) != 1 || out.proposed[0] != sid {
		t.Fatalf("proposed = %v, want [%s]", out.proposed, sid)
	}

	if _, err := m.StartCall(context.Background(), peer, []string{"audio"}); err == nil {
		t.Fatal("expected error starting a second call while one is active")
	}
}

func TestOutgoingCallAcceptedFlow(t *testing.T) {
	t.Parallel()
	m, out := newTestManager()
	defer m.Close()

	peer := mustJID(t, "bob@example.com/phone")
	sid, err := m.StartCall(context.Background(), peer.Bare(), []string{"audio"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	if err := m.HandleProceed(context.Background(), peer, sid, engine.SessionConfig{RelayOnly: true}); err != nil {
		t.Fatalf("HandleProceed: %v", err)
	}
	if len(out.initiated) != 1 {
		t.Fatalf("initiated = %v, want one session-initiate sent", out.initiated)
	}

	ice := ICECredentials{Ufrag: "abcd", Pwd: "efgh"}
	if err := m.HandleSessionAccept(context.Background(), sid, ice, "v=0\r\n"); err != nil {
		t.Fatalf("HandleSessionAccept: %v", err)
	}
}

func TestOutgoingCallAcceptedFlushesPendingCandidatesAsTransportInfo(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	out := &fakeOutbound{}
	m := NewManager(eng, out, Callbacks{}, zerolog.Nop())
	defer m.Close()

	peer := mustJID(t, "bob@example.com/phone")
	sid, err := m.StartCall(context.Background(), peer.Bare(), []string{"audio"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := m.HandleProceed(context.Background(), peer, sid, engine.SessionConfig{RelayOnly: true}); err != nil {
		t.Fatalf("HandleProceed: %v", err)
	}

	// The session is now in StatePending: locally-gathered candidates must
	// be queued, not sent or fed back into the engine, until session-accept.
	cand := engine.Candidate{SDPMid: "audio", Type: engine.CandidateHost, Candidate: "candidate:1 1 udp 12345 10.0.0.1 9000 typ host"}
	m.OfferCandidate(context.Background(), sid, cand)

	out.mu.Lock()
	transportBefore := len(out.transport)
	out.mu.Unlock()
	if transportBefore != 0 {
		t.Fatalf("transport-info sent before session-accept: %v", out.transport)
	}

	ice := ICECredentials{Ufrag: "abcd", Pwd: "efgh"}
	if err := m.HandleSessionAccept(context.Background(), sid, ice, "v=0\r\n"); err != nil {
		t.Fatalf("HandleSessionAccept: %v", err)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.transport) != 1 || out.transport[0].Candidate != cand.Candidate {
		t.Fatalf("transport-info after accept = %v, want the flushed candidate sent to the peer", out.transport)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	for _, c := range eng.candidates {
		if c.Candidate == cand.Candidate {
			t.Fatalf("flushed local candidate was fed back into the media engine as a remote candidate: %v", c)
		}
	}
}

func TestOutgoingCallRejected(t *testing.T) {
	t.Parallel()
	m, out := newTestManager()
	defer m.Close()

	peer := mustJID(t, "bob@example.com")
	sid, err := m.StartCall(context.Background(), peer, []string{"audio"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	if err := m.HandleReject(context.Background(), peer, sid); err != nil {
		t.Fatalf("HandleReject: %v", err)
	}
	// A second reject for the same (now-terminated) session must be a no-op,
	// not a panic or a duplicate callback.
	if err := m.HandleReject(context.Background(), peer, sid); err != nil {
		t.Fatalf("second HandleReject: %v", err)
	}
	if len(out.proposed) != 1 {
		t.Fatalf("proposed = %v, want the original propose untouched by the reject", out.proposed)
	}
}

func TestIncomingPropose(t *testing.T) {
	t.Parallel()
	m, out := newTestManager()
	defer m.Close()

	var gotSID string
	var gotPeer jid.JID
	m.cb.OnIncomingCall = func(sessionID string, peer jid.JID, _ []string) {
		gotSID = sessionID
		gotPeer = peer
	}

	peer := mustJID(t, "alice@example.com/resource")
	if err := m.HandlePropose(context.Background(), peer, "sid1", []string{"audio"}); err != nil {
		t.Fatalf("HandlePropose: %v", err)
	}
	if gotSID != "sid1" {
		t.Errorf("OnIncomingCall session = %q, want sid1", gotSID)
	}
	if gotPeer.String() != "alice@example.com" {
		t.Errorf("OnIncomingCall peer = %q, want bare JID", gotPeer.String())
	}
	if len(out.proposed) != 0 {
		t.Errorf("no outbound propose should be sent for an inbound one")
	}
}

func TestIncomingProposeBusyAutoRejects(t *testing.T) {
	t.Parallel()
	m, out := newTestManager()
	defer m.Close()

	peer := mustJID(t, "alice@example.com")
	if _, err := m.StartCall(context.Background(), peer, []string{"audio"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	second := mustJID(t, "carol@example.com")
	if err := m.HandlePropose(context.Background(), second, "sid2", []string{"audio"}); err != nil {
		t.Fatalf("HandlePropose: %v", err)
	}
	if len(out.rejected) != 1 || out.rejected[0] != "sid2" {
		t.Fatalf("rejected = %v, want a busy auto-reject for sid2", out.rejected)
	}
}

func TestIncomingCallTrickleOnlyDefersAnswer(t *testing.T) {
	t.Parallel()
	m, out := newTestManager()
	defer m.Close()

	offer := &OfferDetails{CandidateCount: 0}
	peer := mustJID(t, "dave@example.com/phone")
	err := m.HandleSessionInitiate(context.Background(), peer, "sid3", []string{"audio"}, offer, "v=0\r\n", engine.SessionConfig{})
	if err != nil {
		t.Fatalf("HandleSessionInitiate: %v", err)
	}
	if len(out.accepted) != 0 {
		t.Fatal("session-accept must not be sent before any candidate or the safety timeout fires")
	}

	cand := engine.Candidate{SDPMid: "audio", Candidate: "candidate:1 1 udp 12345 10.0.0.1 9000 typ host"}
	if err := m.HandleTransportInfo(context.Background(), "sid3", cand, "v=0\r\n", engine.SessionConfig{}); err != nil {
		t.Fatalf("HandleTransportInfo: %v", err)
	}
	if len(out.accepted) != 1 {
		t.Fatalf("accepted = %v, want one session-accept triggered by the first candidate", out.accepted)
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	t.Parallel()
	m, out := newTestManager()
	defer m.Close()

	peer := mustJID(t, "erin@example.com/device")
	sid, err := m.StartCall(context.Background(), peer.Bare(), []string{"audio"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := m.HandleProceed(context.Background(), peer, sid, engine.SessionConfig{}); err != nil {
		t.Fatalf("HandleProceed: %v", err)
	}

	if err := m.EndCall(context.Background(), sid); err != nil {
		t.Fatalf("first EndCall: %v", err)
	}
	if err := m.EndCall(context.Background(), sid); err != nil {
		t.Fatalf("second EndCall: %v", err)
	}
	if len(out.terminated) != 1 {
		t.Fatalf("terminated = %v, want exactly one session-terminate sent", out.terminated)
	}
}

func TestRingTimeoutRetractsOutgoingCall(t *testing.T) {
	t.Parallel()
	out := &fakeOutbound{}
	m := NewManager(newFakeEngine(), out, Callbacks{}, zerolog.Nop())
	defer m.Close()

	peer := mustJID(t, "frank@example.com")
	sid, err := m.StartCall(context.Background(), peer, []string{"audio"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	m.post(func() {
		sess := m.sessions[sid]
		if sess.RingTimer != nil {
			sess.RingTimer.Stop()
		}
		m.onRingTimeout(sid)
	})

	deadline := time.After(time.Second)
	for {
		out.mu.Lock()
		n := len(out.retracted)
		out.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("ring timeout never sent a retract")
		case <-time.After(time.Millisecond):
		}
	}
}
