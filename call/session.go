// Package call owns the per-call state machine, the trickle ICE
// coordinator, and the manager that ties Jingle signaling to the media
// engine. It has no XML or XMPP-transport knowledge of its own — the
// plugins/jingle package feeds it parsed data and receives back
// instructions (what stanza to send, what the state transitioned to).
package call

import (
	"time"

	"github.com/driftline/callcore/engine"
	"github.com/driftline/callcore/jid"
)

// Role distinguishes which side of a call a Session represents.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// State is a point in the session state machine.
type State int

const (
	StateProposing State = iota
	StateProceeding
	StatePending
	StateProposed
	StateIncoming
	StateAccepted
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateProposing:
		return "proposing"
	case StateProceeding:
		return "proceeding"
	case StatePending:
		return "pending"
	case StateProposed:
		return "proposed"
	case StateIncoming:
		return "incoming"
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// nonTerminal reports whether a session in this state counts against the
// single-call policy.
func (s State) nonTerminal() bool {
	return s != StateTerminated
}

// OfferDetails is the digest of a remote offer needed to build a
// compatible answer: everything echo_offer_features consults.
type OfferDetails struct {
	BundleGroup    []string
	HasSSRC        bool
	SSRCParamNames map[string][]string // keyed by content name
	ExtmapAllowMix bool
	RTPHdrExts     []RTPHeaderExt
	CodecParams    map[string][]Parameter // keyed by "content/payload-id"
	Feedback       map[string][]string    // keyed by "content/payload-id"
	CandidateCount int
}

// RTPHeaderExt is a single negotiated RTP header extension (XEP-0294).
type RTPHeaderExt struct {
	ID  string
	URI string
}

// Parameter is a codec fmtp parameter name/value pair.
type Parameter struct {
	Name  string
	Value string
}

// ICECredentials is an ICE username-fragment/password pair.
type ICECredentials struct {
	Ufrag string
	Pwd   string
}

// Session is one call, in either direction.
type Session struct {
	ID   string
	Role Role

	// Peer is the bare address a call starts against; PeerFull is filled
	// in with the resource-qualified sender of the peer's proceed
	// (outgoing) or of the inbound session-initiate (incoming). Every
	// IQ and transport-info after that point targets PeerFull.
	Peer     jid.JID
	PeerFull jid.JID

	Media []string

	State State

	OfferDetails *OfferDetails
	// RemoteSDP is the translated offer SDP, retained so a later
	// transport-info arriving during the deferred-answer window can
	// re-drive CreateAnswer without re-deriving it from the stored Jingle.
	RemoteSDP string

	LocalICE  ICECredentials
	RemoteICE ICECredentials

	PendingCandidates []engine.Candidate
	WaitingForCandidates bool

	RingTimer   *time.Timer
	SafetyTimer *time.Timer
}

// TerminationReason classifies why a session ended, for upstream logging.
type TerminationReason string

const (
	ReasonSuccess             TerminationReason = "success"
	ReasonDecline             TerminationReason = "decline"
	ReasonBusy                TerminationReason = "busy"
	ReasonTimeout             TerminationReason = "timeout"
	ReasonConnectivityError   TerminationReason = "connectivity-error"
	ReasonFailed              TerminationReason = "failed"
	ReasonAnsweredElsewhere   TerminationReason = "answered_elsewhere"
	ReasonRejectedElsewhere   TerminationReason = "rejected_elsewhere"
	ReasonFinished            TerminationReason = "finished"
)

// Classification is the upstream-logging bucket for a TerminationReason.
type Classification string

const (
	ClassNormalEnd  Classification = "normal end"
	ClassDeclined   Classification = "declined"
	ClassMissed     Classification = "missed"
	ClassFailed     Classification = "failed"
	ClassMultiDevice Classification = "multi-device"
)

// Classify maps a termination reason to its upstream logging bucket.
func Classify(reason TerminationReason) Classification {
	switch reason {
	case ReasonDecline, ReasonBusy:
		return ClassDeclined
	case ReasonTimeout:
		return ClassMissed
	case ReasonConnectivityError, ReasonFailed:
		return ClassFailed
	case ReasonAnsweredElsewhere, ReasonRejectedElsewhere, ReasonFinished:
		return ClassMultiDevice
	default:
		return ClassNormalEnd
	}
}
