package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// The media engine is addressed as a plain gRPC service; these are the
// fully-qualified method names the child process registers, matching the
// Python original's call_pb2_grpc.CallServiceStub surface exactly.
const (
	serviceName = "callengine.CallService"

	methodCreateSession         = "/" + serviceName + "/CreateSession"
	methodCreateOffer           = "/" + serviceName + "/CreateOffer"
	methodCreateAnswer          = "/" + serviceName + "/CreateAnswer"
	methodSetRemoteDescription  = "/" + serviceName + "/SetRemoteDescription"
	methodAddICECandidate       = "/" + serviceName + "/AddICECandidate"
	methodGetStats              = "/" + serviceName + "/GetStats"
	methodListAudioDevices      = "/" + serviceName + "/ListAudioDevices"
	methodSetMute               = "/" + serviceName + "/SetMute"
	methodEndSession             = "/" + serviceName + "/EndSession"
	methodShutdown               = "/" + serviceName + "/Shutdown"
	methodStreamEvents           = "/" + serviceName + "/StreamEvents"
)

// Wire request/response shapes. Field names are chosen to marshal the same
// JSON keys the engine process expects (lower_snake_case is customary for
// protobuf-JSON, so struct tags spell it out explicitly).

type createSessionRequest struct {
	SessionID             string `json:"session_id"`
	Microphone             string `json:"microphone,omitempty"`
	Speakers               string `json:"speakers,omitempty"`
	ProxyType              int    `json:"proxy_type"`
	ProxyHost              string `json:"proxy_host,omitempty"`
	ProxyPort              int    `json:"proxy_port,omitempty"`
	ProxyUsername          string `json:"proxy_username,omitempty"`
	ProxyPassword          string `json:"proxy_password,omitempty"`
	TURNServer             string `json:"turn_server,omitempty"`
	TURNUsername           string `json:"turn_username,omitempty"`
	TURNCredential         string `json:"turn_credential,omitempty"`
	RelayOnly              bool   `json:"relay_only"`
	EchoCancel             bool   `json:"echo_cancel"`
	EchoSuppressionLevel   int    `json:"echo_suppression_level"`
	NoiseSuppression       bool   `json:"noise_suppression"`
	NoiseSuppressionLevel  int    `json:"noise_suppression_level"`
	GainControl            bool   `json:"gain_control"`
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

type sdpRequest struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

type sdpResponse struct {
	SDP string `json:"sdp"`
}

type candidateRequest struct {
	SessionID     string `json:"session_id"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex int    `json:"sdp_mline_index"`
	Candidate     string `json:"candidate"`
}

type muteRequest struct {
	SessionID string `json:"session_id"`
	Muted     bool   `json:"muted"`
}

type statsResponse struct {
	ConnectionState  string            `json:"connection_state"`
	ICEGatheringDone bool              `json:"ice_gathering_done"`
	BytesSent        uint64            `json:"bytes_sent"`
	BytesReceived    uint64            `json:"bytes_received"`
	BandwidthKbps    int               `json:"bandwidth_kbps"`
	LocalCandidates  []candidateWire   `json:"local_candidates"`
	RemoteCandidates []candidateWire   `json:"remote_candidates"`
	ConnectionType   string            `json:"connection_type"`
}

type candidateWire struct {
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex int    `json:"sdp_mline_index"`
	Candidate     string `json:"candidate"`
	Type          string `json:"type"`
	Protocol      string `json:"protocol"`
}

type audioDevice struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

type listAudioDevicesResponse struct {
	Inputs  []audioDevice `json:"inputs"`
	Outputs []audioDevice `json:"outputs"`
}

type eventWire struct {
	SessionID string         `json:"session_id"`
	Candidate *candidateWire `json:"candidate,omitempty"`
	State     string         `json:"state,omitempty"`
}

type empty struct{}

// grpcEngine is the real Engine implementation: a gRPC client connected to
// the media engine's control-plane process over a local socket.
type grpcEngine struct {
	conn *grpc.ClientConn
	log  zerolog.Logger
}

// Dial connects to the media engine at addr (conventionally
// "localhost:50051", per the companion process started by Supervisor).
func Dial(ctx context.Context, addr string, log zerolog.Logger) (*grpcEngine, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: dial %s: %w", addr, err)
	}
	return &grpcEngine{conn: conn, log: log.With().Str("component", "engine-client").Logger()}, nil
}

func (e *grpcEngine) invoke(ctx context.Context, method string, req, resp any) error {
	return e.conn.Invoke(ctx, method, req, resp, grpc.ForceCodec(jsonCodec{}))
}

func (e *grpcEngine) CreateSession(ctx context.Context, sessionID string, cfg SessionConfig) error {
	req := createSessionRequest{
		SessionID:             sessionID,
		Microphone:            cfg.Microphone,
		Speakers:              cfg.Speakers,
		ProxyType:             int(cfg.ProxyType),
		ProxyHost:             cfg.ProxyHost,
		ProxyPort:             cfg.ProxyPort,
		ProxyUsername:         cfg.ProxyUsername,
		ProxyPassword:         cfg.ProxyPassword,
		TURNServer:            cfg.TURNServer,
		TURNUsername:          cfg.TURNUsername,
		TURNCredential:        cfg.TURNCredential,
		RelayOnly:             cfg.RelayOnly,
		EchoCancel:            cfg.EchoCancel,
		EchoSuppressionLevel:  cfg.EchoSuppressionLevel,
		NoiseSuppression:      cfg.NoiseSuppression,
		NoiseSuppressionLevel: cfg.NoiseSuppressionLevel,
		GainControl:           cfg.GainControl,
	}
	return e.invoke(ctx, methodCreateSession, req, &empty{})
}

func (e *grpcEngine) CreateOffer(ctx context.Context, sessionID string) (string, error) {
	var resp sdpResponse
	if err := e.invoke(ctx, methodCreateOffer, sessionIDRequest{SessionID: sessionID}, &resp); err != nil {
		return "", err
	}
	return resp.SDP, nil
}

func (e *grpcEngine) CreateAnswer(ctx context.Context, sessionID, remoteSDP string) (string, error) {
	var resp sdpResponse
	req := sdpRequest{SessionID: sessionID, SDP: remoteSDP}
	if err := e.invoke(ctx, methodCreateAnswer, req, &resp); err != nil {
		return "", err
	}
	return resp.SDP, nil
}

func (e *grpcEngine) SetRemoteDescription(ctx context.Context, sessionID, remoteSDP string) error {
	req := sdpRequest{SessionID: sessionID, SDP: remoteSDP}
	return e.invoke(ctx, methodSetRemoteDescription, req, &empty{})
}

func (e *grpcEngine) AddICECandidate(ctx context.Context, sessionID string, cand Candidate) error {
	req := candidateRequest{
		SessionID:     sessionID,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
		Candidate:     cand.Candidate,
	}
	return e.invoke(ctx, methodAddICECandidate, req, &empty{})
}

func (e *grpcEngine) GetStats(ctx context.Context, sessionID string) (Stats, error) {
	var resp statsResponse
	if err := e.invoke(ctx, methodGetStats, sessionIDRequest{SessionID: sessionID}, &resp); err != nil {
		return Stats{}, err
	}
	return Stats{
		ConnectionState:  ConnectionState(resp.ConnectionState),
		ICEGatheringDone: resp.ICEGatheringDone,
		BytesSent:        resp.BytesSent,
		BytesReceived:    resp.BytesReceived,
		BandwidthKbps:    resp.BandwidthKbps,
		LocalCandidates:  fromWireCandidates(resp.LocalCandidates),
		RemoteCandidates: fromWireCandidates(resp.RemoteCandidates),
		ConnectionType:   resp.ConnectionType,
	}, nil
}

func (e *grpcEngine) ListAudioDevices(ctx context.Context) (inputs, outputs []AudioDevice, err error) {
	var resp listAudioDevicesResponse
	if err = e.invoke(ctx, methodListAudioDevices, &empty{}, &resp); err != nil {
		return nil, nil, err
	}
	for _, d := range resp.Inputs {
		inputs = append(inputs, AudioDevice(d))
	}
	for _, d := range resp.Outputs {
		outputs = append(outputs, AudioDevice(d))
	}
	return inputs, outputs, nil
}

func (e *grpcEngine) SetMute(ctx context.Context, sessionID string, muted bool) error {
	return e.invoke(ctx, methodSetMute, muteRequest{SessionID: sessionID, Muted: muted}, &empty{})
}

func (e *grpcEngine) EndSession(ctx context.Context, sessionID string) error {
	return e.invoke(ctx, methodEndSession, sessionIDRequest{SessionID: sessionID}, &empty{})
}

func (e *grpcEngine) Shutdown(ctx context.Context) error {
	return e.invoke(ctx, methodShutdown, &empty{}, &empty{})
}

func fromWireCandidates(in []candidateWire) []Candidate {
	out := make([]Candidate, len(in))
	for i, c := range in {
		out[i] = Candidate{
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
			Candidate:     c.Candidate,
			Type:          CandidateType(c.Type),
			Protocol:      c.Protocol,
		}
	}
	return out
}

// backoff schedule for the event-stream reconnection policy: exponential
// 1→2→4s, capped at 10s, three retries.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

const maxStreamRetries = 3

// Events opens the server-streaming StreamEvents RPC for sessionID and
// translates it into a channel of Event, reconnecting on transient
// "unavailable" failures per the retry policy above.
func (e *grpcEngine) Events(ctx context.Context, sessionID string) (<-chan Event, error) {
	out := make(chan Event, 16)
	go e.runEventStream(ctx, sessionID, out)
	return out, nil
}

func (e *grpcEngine) runEventStream(ctx context.Context, sessionID string, out chan<- Event) {
	defer close(out)

	attempt := 0
	for {
		err := e.streamOnce(ctx, sessionID, out)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			e.log.Debug().Str("session", sessionID).Msg("event stream cancelled")
			return
		}
		if status.Code(err) != codes.Unavailable {
			e.log.Warn().Err(err).Str("session", sessionID).Msg("event stream terminated")
			return
		}
		if attempt >= maxStreamRetries {
			e.log.Warn().Str("session", sessionID).Msg("event stream retries exhausted")
			return
		}
		wait := backoffSchedule[attempt]
		if wait > 10*time.Second {
			wait = 10 * time.Second
		}
		e.log.Warn().Err(err).Dur("backoff", wait).Str("session", sessionID).Msg("event stream unavailable, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		attempt++
	}
}

func (e *grpcEngine) streamOnce(ctx context.Context, sessionID string, out chan<- Event) error {
	desc := &grpc.StreamDesc{ServerStreams: true}
	stream, err := e.conn.NewStream(ctx, desc, methodStreamEvents, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(sessionIDRequest{SessionID: sessionID}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		var wire eventWire
		if err := stream.RecvMsg(&wire); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		ev := Event{SessionID: wire.SessionID, State: ConnectionState(wire.State)}
		if wire.Candidate != nil {
			c := Candidate{
				SDPMid:        wire.Candidate.SDPMid,
				SDPMLineIndex: wire.Candidate.SDPMLineIndex,
				Candidate:     wire.Candidate.Candidate,
				Type:          CandidateType(wire.Candidate.Type),
				Protocol:      wire.Candidate.Protocol,
			}
			ev.Candidate = &c
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *grpcEngine) Close() error {
	return e.conn.Close()
}
