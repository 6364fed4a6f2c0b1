package broker

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/joincode"
	"github.com/park285/cheese-lan/internal/peer"
	"github.com/park285/cheese-lan/internal/protocol"
	"github.com/park285/cheese-lan/internal/session"
)

// JoinRequest is the guest side of the handshake. Resume names a match to
// reconnect to together with local progress.
type JoinRequest struct {
	Addr     netip.AddrPort
	JoinCode string
	Username string
	Resume   *ResumeRequest
}

type ResumeRequest struct {
	SessionID string
	Progress  session.ResumeInfo
}

// Joined is the guest's view of a completed handshake. Remote carries the host's
// progress on a resume.
type Joined struct {
	Conn   *peer.Conn
	Match  session.Match
	Remote *session.ResumeInfo
}

type JoinConfig struct {
	CodeBytes        int
	HandshakeTimeout time.Duration
	Peer             peer.Config
	Logger           *zap.Logger
	Now              func() time.Time
}

// Join dials the host and runs the guest half of the handshake.
func Join(ctx context.Context, req JoinRequest, cfg JoinConfig) (*Joined, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	name, err := CleanUsername(req.Username)
	if err != nil {
		return nil, err
	}
	if err := joincode.Validate(req.JoinCode, cfg.CodeBytes); err != nil {
		return nil, err
	}
	if !req.Addr.IsValid() || req.Addr.Port() == 0 {
		return nil, gameerr.User(joincode.CodeMalformedAddress, "host address is missing")
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	conn, err := peer.Dial(hctx, req.Addr, cfg.Peer)
	if err != nil {
		return nil, err
	}
	j, err := greet(hctx, conn, name, req, cfg)
	if err != nil {
		_ = conn.Close()
		if hctx.Err() != nil && ctx.Err() == nil {
			return nil, gameerr.Network(CodeHandshakeTimeout, fmt.Errorf("host %s did not answer", req.Addr))
		}
		return nil, err
	}
	cfg.Logger.Info("broker_joined",
		zap.String("session_id", j.Match.SessionID),
		zap.String("host", j.Match.RemoteName),
		zap.String("color", j.Match.LocalColor.String()),
		zap.Bool("resume", j.Remote != nil))
	return j, nil
}

func greet(ctx context.Context, conn *peer.Conn, name string, req JoinRequest, cfg JoinConfig) (*Joined, error) {
	hello := protocol.Hello{
		Version:  protocol.Version,
		Role:     protocol.RoleGuest,
		Username: name,
		JoinCode: joincode.Normalize(req.JoinCode),
	}
	sid := ""
	if r := req.Resume; r != nil {
		sid = r.SessionID
		hello.ResumeSession = r.SessionID
		hello.Plies = r.Progress.Plies
		hello.LastTx = r.Progress.LastTx
	}
	env, err := protocol.New(protocol.TypeHello, sid, "", hello, cfg.Now())
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, env); err != nil {
		return nil, err
	}

	reply, err := conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if err := protocol.Validate(reply); err != nil {
		return nil, err
	}
	switch reply.Type {
	case protocol.TypeError:
		p, err := protocol.Decode[protocol.ErrorPayload](reply)
		if err != nil {
			return nil, err
		}
		return nil, protocol.AsError(p)
	case protocol.TypeWelcome:
	default:
		return nil, gameerr.Protocol(protocol.CodeWrongDirection, fmt.Sprintf("expected welcome, got %s", reply.Type))
	}

	w, err := protocol.Decode[protocol.Welcome](reply)
	if err != nil {
		return nil, err
	}
	rules, err := board.Lookup(w.Rules)
	if err != nil {
		return nil, gameerr.ProtocolWrap(protocol.CodeMalformed, err)
	}
	j := &Joined{
		Conn: conn,
		Match: session.Match{
			SessionID:  w.SessionID,
			JoinCode:   hello.JoinCode,
			Role:       protocol.RoleGuest,
			LocalName:  name,
			RemoteName: w.Username,
			LocalColor: w.HostColor.Opposite(),
			Rules:      rules,
		},
	}
	if req.Resume != nil {
		if !w.Resumed || w.SessionID != req.Resume.SessionID {
			return nil, gameerr.Protocol(protocol.CodeInvalidSession, "host did not resume the match")
		}
		j.Remote = &session.ResumeInfo{Plies: w.Plies, LastTx: w.LastTx}
	}
	return j, nil
}
