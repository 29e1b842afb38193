package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftline/callcore/engine"
	"github.com/driftline/callcore/jid"
)

const ringTimeout = 60 * time.Second

// Outbound is everything the manager needs to actually put bytes on the
// wire. plugins/jingle implements this; call never imports an XMPP
// package itself, which is what breaks the adapter/bridge reference cycle
// the original source has (see design notes).
type Outbound interface {
	SendPropose(ctx context.Context, to jid.JID, sessionID string, media []string) error
	SendProceed(ctx context.Context, to jid.JID, sessionID string) error
	SendReject(ctx context.Context, to jid.JID, sessionID string) error
	SendRetract(ctx context.Context, to jid.JID, sessionID string) error
	SendFinish(ctx context.Context, to jid.JID, sessionID string, reason TerminationReason) error
	SendSessionInitiate(ctx context.Context, to jid.JID, sess *Session, localSDP string) error
	SendSessionAccept(ctx context.Context, to jid.JID, sess *Session, localSDP string) error
	SendSessionTerminate(ctx context.Context, to jid.JID, sessionID string, reason TerminationReason) error
	SendTransportInfo(ctx context.Context, to jid.JID, sessionID string, cand engine.Candidate) error
}

// Callbacks are the upper-layer (GUI/host) notifications.
type Callbacks struct {
	OnIncomingCall    func(sessionID string, peer jid.JID, media []string)
	OnCallAccepted    func(sessionID string)
	OnCallTerminated  func(sessionID string, reason TerminationReason, peer jid.JID)
	OnCallStateChanged func(sessionID string, state State)
	OnCallInitiated   func(sessionID string, peer jid.JID, media []string)
}

// Manager owns every Session in the process and serializes all state
// mutation through a single command channel — the Go shape of the
// cooperative-scheduler model a single-threaded media stack requires. The media engine's event
// stream and the supervisor's heartbeat run on their own goroutines and
// can only touch session state by posting a closure onto commands.
type Manager struct {
	eng      engine.Engine
	out      Outbound
	cb       Callbacks
	log      zerolog.Logger

	commands chan func()
	done     chan struct{}

	sessions map[string]*Session
	terminatedIDs map[string]bool

	ice *iceCoordinator
}

// NewManager constructs a Manager and starts its command loop. Call Close
// to stop it.
func NewManager(eng engine.Engine, out Outbound, cb Callbacks, log zerolog.Logger) *Manager {
	m := &Manager{
		eng:           eng,
		out:           out,
		cb:            cb,
		log:           log.With().Str("component", "call-manager").Logger(),
		commands:      make(chan func(), 64),
		done:          make(chan struct{}),
		sessions:      make(map[string]*Session),
		terminatedIDs: make(map[string]bool),
		ice:           newICECoordinator(),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	for {
		select {
		case f := <-m.commands:
			f()
		case <-m.done:
			return
		}
	}
}

// Close stops the command loop. In-flight commands already read off the
// channel still run to completion.
func (m *Manager) Close() {
	close(m.done)
}

// post schedules f on the command loop and blocks until it has run,
// mirroring schedule_on(loop, task) from the design notes: callers outside
// the loop (engine events, timers) never touch session state directly.
func (m *Manager) post(f func()) {
	result := make(chan struct{})
	m.commands <- func() {
		f()
		close(result)
	}
	<-result
}

// activeSession returns the sole non-terminal session, if any, enforcing
// the single-call policy.
func (m *Manager) activeSession() *Session {
	for _, s := range m.sessions {
		if s.State.nonTerminal() {
			return s
		}
	}
	return nil
}

// StartCall begins an outgoing call: sends propose and arms the ring
// timer. Fails synchronously if another call is already in a non-terminal
// state.
func (m *Manager) StartCall(ctx context.Context, peer jid.JID, media []string) (string, error) {
	var sid string
	var err error
	m.post(func() {
		if m.activeSession() != nil {
			err = fmt.Errorf("call: a session is already active")
			return
		}
		sid = uuid.NewString()
		sess := &Session{
			ID:    sid,
			Role:  RoleInitiator,
			Peer:  peer.Bare(),
			Media: media,
			State: StateProposing,
		}
		m.sessions[sid] = sess
		m.armRingTimer(sess)
	})
	if err != nil {
		return "", err
	}
	if sendErr := m.out.SendPropose(ctx, peer.Bare(), sid, media); sendErr != nil {
		m.post(func() { m.failLocked(sid, ReasonConnectivityError) })
		return "", sendErr
	}
	if m.cb.OnCallInitiated != nil {
		m.cb.OnCallInitiated(sid, peer.Bare(), media)
	}
	return sid, nil
}

func (m *Manager) armRingTimer(sess *Session) {
	sid := sess.ID
	sess.RingTimer = time.AfterFunc(ringTimeout, func() {
		m.post(func() { m.onRingTimeout(sid) })
	})
}

func (m *Manager) onRingTimeout(sid string) {
	sess, ok := m.sessions[sid]
	if !ok || !sess.State.nonTerminal() {
		return
	}
	ctx := context.Background()
	switch sess.Role {
	case RoleInitiator:
		_ = m.out.SendRetract(ctx, sess.Peer, sid)
	case RoleResponder:
		_ = m.out.SendReject(ctx, sess.Peer, sid)
	}
	m.terminateLocked(sid, ReasonTimeout, false)
}

// HandlePropose handles an inbound propose. Auto-rejects with "busy" if a
// call is already in progress, per the single-call policy.
func (m *Manager) HandlePropose(ctx context.Context, from jid.JID, sid string, media []string) error {
	var busy bool
	var sess *Session
	m.post(func() {
		if m.activeSession() != nil {
			busy = true
			return
		}
		sess = &Session{
			ID:    sid,
			Role:  RoleResponder,
			Peer:  from.Bare(),
			Media: media,
			State: StateProposed,
		}
		m.sessions[sid] = sess
		m.armRingTimer(sess)
	})
	if busy {
		return m.out.SendReject(ctx, from.Bare(), sid)
	}
	if m.cb.OnIncomingCall != nil {
		m.cb.OnIncomingCall(sid, from.Bare(), media)
	}
	return nil
}

// AcceptIncoming is called by the host when the user answers an incoming
// propose: sends proceed and moves the session to incoming.
func (m *Manager) AcceptIncoming(ctx context.Context, sid string) error {
	var sess *Session
	m.post(func() {
		sess = m.sessions[sid]
		if sess == nil || sess.State != StateProposed {
			return
		}
		sess.State = StateIncoming
		m.notifyState(sess)
	})
	if sess == nil {
		return fmt.Errorf("call: unknown or stale session %s", sid)
	}
	return m.out.SendProceed(ctx, sess.Peer, sid)
}

// HandleProceed handles the peer's acceptance of our propose: pins the
// resource-qualified peer address and moves to proceeding.
func (m *Manager) HandleProceed(ctx context.Context, from jid.JID, sid string, cfg engine.SessionConfig) error {
	var sess *Session
	m.post(func() {
		sess = m.sessions[sid]
		if sess == nil || sess.State != StateProposing {
			return
		}
		if sess.RingTimer != nil {
			sess.RingTimer.Stop()
		}
		sess.PeerFull = from
		sess.State = StateProceeding
		m.notifyState(sess)
	})
	if sess == nil {
		return nil
	}
	if err := m.eng.CreateSession(ctx, sid, cfg); err != nil {
		m.post(func() { m.failLocked(sid, ReasonConnectivityError) })
		return err
	}
	localSDP, err := m.eng.CreateOffer(ctx, sid)
	if err != nil {
		m.post(func() { m.failLocked(sid, ReasonConnectivityError) })
		return err
	}
	m.post(func() { sess.State = StatePending; m.notifyState(sess) })
	return m.out.SendSessionInitiate(ctx, sess.PeerFull, sess, localSDP)
}

// HandleReject, HandleRetract and HandleFinish all converge on the same
// peer-initiated termination path; they only differ in the reason and in
// which role's session they expect to see.
func (m *Manager) HandleReject(ctx context.Context, from jid.JID, sid string) error {
	m.post(func() { m.terminateLocked(sid, ReasonDecline, false) })
	return nil
}

func (m *Manager) HandleRetract(ctx context.Context, from jid.JID, sid string) error {
	m.post(func() { m.terminateLocked(sid, ReasonSuccess, false) })
	return nil
}

func (m *Manager) HandleFinish(ctx context.Context, from jid.JID, sid string, reason TerminationReason) error {
	m.post(func() { m.terminateLocked(sid, reason, false) })
	return nil
}

// HandleSessionInitiate processes an inbound session-initiate. If the
// offer carried zero candidates, the session enters the deferred-answer
// branch: no answer is created until the first transport-info arrives or
// the safety timeout fires.
func (m *Manager) HandleSessionInitiate(ctx context.Context, from jid.JID, sid string, media []string, offer *OfferDetails, remoteSDP string, cfg engine.SessionConfig) error {
	var deferAnswer bool
	var sess *Session
	m.post(func() {
		sess = m.sessions[sid]
		if sess == nil {
			sess = &Session{ID: sid, Role: RoleResponder, Peer: from.Bare(), Media: media}
			m.sessions[sid] = sess
		}
		sess.PeerFull = from
		sess.OfferDetails = offer
		sess.RemoteSDP = remoteSDP
		sess.State = StateIncoming
		if offer.CandidateCount == 0 {
			sess.WaitingForCandidates = true
			deferAnswer = true
			sess.SafetyTimer = time.AfterFunc(trickleSafetyTimeout, func() {
				m.post(func() { m.onSafetyTimeout(ctx, sid, remoteSDP, cfg) })
			})
		}
		m.notifyState(sess)
	})
	if sess == nil {
		return nil
	}
	if !deferAnswer {
		return m.completeAnswer(ctx, sid, remoteSDP, cfg)
	}
	return nil
}

func (m *Manager) onSafetyTimeout(ctx context.Context, sid, remoteSDP string, cfg engine.SessionConfig) {
	sess := m.sessions[sid]
	if sess == nil || !sess.WaitingForCandidates {
		return
	}
	go func() { _ = m.completeAnswer(ctx, sid, remoteSDP, cfg) }()
}

// completeAnswer runs the deferred (or immediate) create_answer +
// session-accept sequence.
func (m *Manager) completeAnswer(ctx context.Context, sid, remoteSDP string, cfg engine.SessionConfig) error {
	if err := m.eng.CreateSession(ctx, sid, cfg); err != nil {
		m.post(func() { m.failLocked(sid, ReasonConnectivityError) })
		return err
	}
	localSDP, err := m.eng.CreateAnswer(ctx, sid, remoteSDP)
	if err != nil {
		m.post(func() { m.failLocked(sid, ReasonConnectivityError) })
		return err
	}
	var sess *Session
	m.post(func() {
		sess = m.sessions[sid]
		if sess == nil {
			return
		}
		sess.WaitingForCandidates = false
		sess.State = StateAccepted
		m.notifyState(sess)
	})
	if sess == nil {
		return nil
	}
	return m.out.SendSessionAccept(ctx, sess.PeerFull, sess, localSDP)
}

// HandleSessionAccept processes the peer's session-accept: the remote SDP
// MUST be applied to the engine before buffered candidates are flushed.
func (m *Manager) HandleSessionAccept(ctx context.Context, sid string, remoteICE ICECredentials, remoteSDP string) error {
	var sess *Session
	m.post(func() {
		sess = m.sessions[sid]
		if sess == nil || sess.State != StatePending {
			sess = nil
			return
		}
		sess.RemoteICE = remoteICE
	})
	if sess == nil {
		return nil
	}
	if err := m.eng.SetRemoteDescription(ctx, sid, remoteSDP); err != nil {
		m.post(func() { m.failLocked(sid, ReasonConnectivityError) })
		return err
	}
	var pending []engine.Candidate
	m.post(func() {
		pending = Flush(sess)
		sess.State = StateAccepted
		m.notifyState(sess)
	})
	for _, c := range pending {
		m.ice.recordSent(sid, c.Type)
		_ = m.out.SendTransportInfo(ctx, sess.PeerFull, sid, c)
	}
	if m.cb.OnCallAccepted != nil {
		m.cb.OnCallAccepted(sid)
	}
	return nil
}

// HandleSessionTerminate processes the peer's session-terminate: emits the
// finish announcement and tears the session down.
func (m *Manager) HandleSessionTerminate(ctx context.Context, sid string, reason TerminationReason) error {
	var sess *Session
	m.post(func() {
		sess = m.sessions[sid]
		m.terminateLocked(sid, reason, false)
	})
	if sess != nil {
		return m.out.SendFinish(ctx, sess.Peer, sid, reason)
	}
	return nil
}

// HandleTransportInfo routes one inbound candidate to the media engine. If
// the session is in the deferred-answer branch, the candidate is applied
// first and a deferred answer is triggered immediately rather than waiting
// for the safety timeout.
func (m *Manager) HandleTransportInfo(ctx context.Context, sid string, cand engine.Candidate, remoteSDP string, cfg engine.SessionConfig) error {
	var sess *Session
	var triggerAnswer bool
	m.post(func() {
		sess = m.sessions[sid]
		if sess == nil {
			return
		}
		m.ice.recordReceived(sid, cand.Type)
		if sess.WaitingForCandidates {
			triggerAnswer = true
			if sess.SafetyTimer != nil {
				sess.SafetyTimer.Stop()
			}
		}
	})
	if sess == nil {
		return nil
	}
	if err := m.eng.AddICECandidate(ctx, sid, cand); err != nil {
		return err
	}
	if triggerAnswer {
		return m.completeAnswer(ctx, sid, remoteSDP, cfg)
	}
	return nil
}

// OfferCandidate is called by the plugins/jingle layer when the media
// engine reports a fresh local candidate. It either sends it immediately
// (transport-info) or queues it, per the ICE coordinator's rules.
func (m *Manager) OfferCandidate(ctx context.Context, sid string, cand engine.Candidate) {
	var send bool
	var dropped bool
	var sess *Session
	m.post(func() {
		sess = m.sessions[sid]
		if sess == nil {
			return
		}
		send, dropped = m.ice.Offer(sid, sess.State, cand)
		if !send && !dropped {
			sess.PendingCandidates = append(sess.PendingCandidates, cand)
		}
	})
	if sess == nil || dropped {
		return
	}
	if send {
		m.ice.recordSent(sid, cand.Type)
		_ = m.out.SendTransportInfo(ctx, sess.PeerFull, sid, cand)
	}
}

// OnConnectionState is called when the media engine reports a connection
// state transition for a session.
func (m *Manager) OnConnectionState(sid string, state engine.ConnectionState) {
	switch state {
	case engine.StateConnected:
		m.post(func() {
			sess := m.sessions[sid]
			if sess == nil || sess.State != StateAccepted {
				return
			}
			sess.State = StateActive
			m.notifyState(sess)
		})
	case engine.StateFailed:
		m.post(func() { m.failLocked(sid, ReasonFailed) })
	}
}

// EndCall is the host-driven hangup path.
func (m *Manager) EndCall(ctx context.Context, sid string) error {
	var sess *Session
	var alreadyDone bool
	m.post(func() {
		if m.terminatedIDs[sid] {
			alreadyDone = true
			return
		}
		sess = m.sessions[sid]
	})
	if alreadyDone || sess == nil {
		return nil
	}
	_ = m.eng.EndSession(ctx, sid)
	if sess.State.nonTerminal() {
		_ = m.out.SendSessionTerminate(ctx, sess.PeerFull, sid, ReasonSuccess)
		_ = m.out.SendFinish(ctx, sess.Peer, sid, ReasonSuccess)
	}
	m.post(func() { m.terminateLocked(sid, ReasonSuccess, true) })
	return nil
}

// failLocked terminates a session with a failure reason; must run on the
// command loop.
func (m *Manager) failLocked(sid string, reason TerminationReason) {
	m.terminateLocked(sid, reason, false)
}

// terminateLocked performs the full session cleanup layering, including an
// asynchronous media-engine EndSession call unless engineAlreadyEnded says
// the caller already issued it — it is idempotent via terminatedIDs and safe
// to call from any command-loop closure, including timers.
func (m *Manager) terminateLocked(sid string, reason TerminationReason, engineAlreadyEnded bool) {
	if m.terminatedIDs[sid] {
		return
	}
	m.terminatedIDs[sid] = true

	sess, ok := m.sessions[sid]
	if !ok {
		return
	}
	if !engineAlreadyEnded {
		go func() { _ = m.eng.EndSession(context.Background(), sid) }()
	}
	if sess.RingTimer != nil {
		sess.RingTimer.Stop()
	}
	if sess.SafetyTimer != nil {
		sess.SafetyTimer.Stop()
	}
	sess.State = StateTerminated
	sess.PendingCandidates = nil
	m.ice.Drop(sid)
	delete(m.sessions, sid)

	peer := sess.Peer
	if !sess.PeerFull.IsZero() {
		peer = sess.PeerFull.Bare()
	}
	if m.cb.OnCallTerminated != nil {
		m.cb.OnCallTerminated(sid, reason, peer)
	}
}

func (m *Manager) notifyState(sess *Session) {
	if m.cb.OnCallStateChanged != nil {
		m.cb.OnCallStateChanged(sess.ID, sess.State)
	}
}

// ListAudioDevices exposes the engine's device enumeration to the host, so
// a UI can populate a picker before StartCall.
func (m *Manager) ListAudioDevices(ctx context.Context) (inputs, outputs []engine.AudioDevice, err error) {
	return m.eng.ListAudioDevices(ctx)
}

// Stats exposes the media engine's per-session statistics.
func (m *Manager) Stats(ctx context.Context, sid string) (engine.Stats, error) {
	return m.eng.GetStats(ctx, sid)
}

// SetMute mutes or unmutes the local microphone for a session.
func (m *Manager) SetMute(ctx context.Context, sid string, muted bool) error {
	return m.eng.SetMute(ctx, sid, muted)
}

// LastOfferSDP returns the stored remote offer SDP for a session, used by
// the Jingle IQ handler when a transport-info arrives during the
// deferred-answer window and needs to re-drive completeAnswer.
func (m *Manager) LastOfferSDP(sid string) string {
	var sdp string
	m.post(func() {
		if sess, ok := m.sessions[sid]; ok {
			sdp = sess.RemoteSDP
		}
	})
	return sdp
}
