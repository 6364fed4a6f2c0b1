// Package broker is the host-side bootstrap of a match: it owns the join code, the
// listening endpoint and the handshake, and hands each accepted connection over as a
// ready-to-run session.Match.
package broker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/joincode"
	"github.com/park285/cheese-lan/internal/peer"
	"github.com/park285/cheese-lan/internal/protocol"
	"github.com/park285/cheese-lan/internal/session"
)

const (
	CodeAcceptTimeout    = "accept_timeout"
	CodeHandshakeTimeout = "handshake_timeout"
	CodeNotHosting       = "not_hosting"
	CodeAlreadyJoined    = "already_joined"
	CodeBadUsername      = "bad_username"
)

// MaxUsername bounds display names sent in the handshake.
const MaxUsername = 32

// Host colour choices.
const (
	ColorWhite  = "white"
	ColorBlack  = "black"
	ColorRandom = "random"
)

type Config struct {
	// BindAddr is "ip:port"; port 0 picks a free one.
	BindAddr string
	// Advertise overrides the address shown to the guest.
	Advertise        netip.Addr
	Rules            board.RuleSet
	HostColor        string
	CodeBytes        int
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
	Peer             peer.Config
	Rand             io.Reader
	Logger           *zap.Logger
	Now              func() time.Time
}

func (c Config) withDefaults() Config {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0:0"
	}
	if c.Rules == nil {
		c.Rules = board.Checkers{}
	}
	if c.HostColor == "" {
		c.HostColor = ColorWhite
	}
	if c.CodeBytes <= 0 {
		c.CodeBytes = joincode.DefaultBytes
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 2 * time.Minute
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Hosting is what the host shows to the guest.
type Hosting struct {
	SessionID string         `json:"session_id"`
	JoinCode  string         `json:"join_code"`
	Addr      netip.AddrPort `json:"addr"`
	Ticket    string         `json:"ticket,omitempty"`
	Username  string         `json:"username"`
	HostColor board.Color    `json:"host_color"`
	Rules     string         `json:"rules"`
}

// Accepted is a handshaken inbound connection. Resume is set when the guest
// reconnected to a match already in progress.
type Accepted struct {
	Conn   *peer.Conn
	Match  session.Match
	Resume *session.ResumeInfo
}

// Progressor reports how far the running match got; *session.Session satisfies it.
type Progressor interface {
	Progress() session.ResumeInfo
}

// Broker is the SessionBroker of one hosted match.
type Broker struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	ln       *peer.Listener
	info     Hosting
	joined   bool
	guest    string
	progress Progressor
}

func New(cfg Config) *Broker {
	cfg = cfg.withDefaults()
	return &Broker{cfg: cfg, log: cfg.Logger}
}

// StartHosting opens the listening endpoint and returns a fresh session ID and join code.
func (b *Broker) StartHosting(username string) (Hosting, error) {
	name, err := CleanUsername(username)
	if err != nil {
		return Hosting{}, err
	}
	color, err := b.pickColor()
	if err != nil {
		return Hosting{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln != nil {
		return Hosting{}, gameerr.User("already_hosting", "already hosting a match")
	}
	ln, err := peer.Listen(b.cfg.BindAddr, b.cfg.HandshakeTimeout, b.cfg.Peer)
	if err != nil {
		return Hosting{}, err
	}
	b.ln = ln
	b.info = Hosting{
		Username:  name,
		HostColor: color,
		Rules:     b.cfg.Rules.Name(),
		Addr:      netip.AddrPortFrom(b.advertise(ln.Addr().Addr()), ln.Addr().Port()),
	}
	if err := b.rollLocked(); err != nil {
		_ = ln.Close()
		b.ln = nil
		return Hosting{}, err
	}
	b.log.Info("broker_hosting",
		zap.String("session_id", b.info.SessionID),
		zap.String("addr", b.info.Addr.String()),
		zap.String("color", color.String()),
		zap.String("rules", b.info.Rules))
	return b.info, nil
}

// Regenerate replaces session ID and join code while no guest has joined yet.
func (b *Broker) Regenerate() (Hosting, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return Hosting{}, gameerr.User(CodeNotHosting, "not hosting")
	}
	if b.joined {
		return Hosting{}, gameerr.User(CodeAlreadyJoined, "a guest already joined")
	}
	if err := b.rollLocked(); err != nil {
		return Hosting{}, err
	}
	b.log.Info("broker_regenerate", zap.String("session_id", b.info.SessionID))
	return b.info, nil
}

func (b *Broker) rollLocked() error {
	id, err := uuid.NewRandomFromReader(b.cfg.Rand)
	if err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	code, err := joincode.Generate(b.cfg.Rand, b.cfg.CodeBytes)
	if err != nil {
		return err
	}
	b.info.SessionID = id.String()
	b.info.JoinCode = code
	b.info.Ticket = ""
	if t, err := joincode.EncodeTicket(b.info.Addr, code); err == nil {
		b.info.Ticket = t
	}
	return nil
}

// Hosting returns the current hosting details.
func (b *Broker) Hosting() Hosting {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// Track lets resume handshakes report the running match's progress.
func (b *Broker) Track(p Progressor) {
	b.mu.Lock()
	b.progress = p
	b.mu.Unlock()
}

// AcceptConnection waits for the next guest and runs the handshake. Before the first
// join it accepts new guests; afterwards only resume handshakes for the same session
// are accepted and everyone else is told session_full. A failed handshake leaves the
// listener open so the call can be retried.
func (b *Broker) AcceptConnection(ctx context.Context) (*Accepted, error) {
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()
	if ln == nil {
		return nil, gameerr.User(CodeNotHosting, "not hosting")
	}

	actx, cancel := context.WithTimeout(ctx, b.cfg.AcceptTimeout)
	defer cancel()
	conn, err := ln.Accept(actx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, gameerr.Network(CodeAcceptTimeout, fmt.Errorf("no guest within %s", b.cfg.AcceptTimeout))
		}
		return nil, err
	}
	log := b.log.With(zap.String("remote", conn.RemoteAddr()))

	acc, err := b.handshake(ctx, conn)
	if err != nil {
		log.Warn("broker_reject", zap.String("code", gameerr.CodeOf(err)), zap.Error(err))
		if gameerr.KindOf(err) == gameerr.KindProtocol {
			b.reject(conn, err)
		}
		_ = conn.Close()
		return nil, err
	}
	log.Info("broker_accept",
		zap.String("session_id", acc.Match.SessionID),
		zap.String("guest", acc.Match.RemoteName),
		zap.Bool("resume", acc.Resume != nil))
	return acc, nil
}

func (b *Broker) handshake(ctx context.Context, conn *peer.Conn) (*Accepted, error) {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()
	env, err := conn.Receive(hctx)
	if err != nil {
		if hctx.Err() != nil && ctx.Err() == nil {
			return nil, gameerr.Network(CodeHandshakeTimeout, errors.New("guest sent no hello"))
		}
		return nil, err
	}
	if env.Type != protocol.TypeHello {
		return nil, gameerr.Protocol(protocol.CodeWrongDirection, fmt.Sprintf("expected hello, got %s", env.Type))
	}
	if err := protocol.Validate(env); err != nil {
		return nil, err
	}
	h, err := protocol.Decode[protocol.Hello](env)
	if err != nil {
		return nil, err
	}
	name, err := CleanUsername(h.Username)
	if err != nil {
		return nil, gameerr.Protocol(protocol.CodeMalformed, err.Error())
	}

	b.mu.Lock()
	info, joined, guest, progress := b.info, b.joined, b.guest, b.progress
	b.mu.Unlock()

	if !joincode.Equal(h.JoinCode, info.JoinCode) {
		return nil, gameerr.Protocol(protocol.CodeInvalidJoinCode, "join code does not match")
	}
	welcome := protocol.Welcome{
		Version:   protocol.Version,
		Role:      protocol.RoleHost,
		Username:  info.Username,
		SessionID: info.SessionID,
		Rules:     info.Rules,
		HostColor: info.HostColor,
	}
	var resume *session.ResumeInfo
	switch {
	case h.ResumeSession != "":
		if !joined || h.ResumeSession != info.SessionID {
			return nil, gameerr.Protocol(protocol.CodeInvalidSession, "no such match to resume")
		}
		if name != guest {
			return nil, gameerr.Protocol(protocol.CodeInvalidSession, "resume from a different player")
		}
		resume = &session.ResumeInfo{Plies: h.Plies, LastTx: h.LastTx}
		welcome.Resumed = true
		if progress != nil {
			p := progress.Progress()
			welcome.Plies, welcome.LastTx = p.Plies, p.LastTx
		}
	case joined:
		return nil, gameerr.Protocol(protocol.CodeSessionFull, "match already has a guest")
	}

	out, err := protocol.New(protocol.TypeWelcome, info.SessionID, "", welcome, b.cfg.Now())
	if err != nil {
		return nil, err
	}
	if err := conn.Send(hctx, out); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if resume == nil {
		if b.joined || b.info.SessionID != info.SessionID {
			// lost a race with another guest or a regenerate
			b.mu.Unlock()
			return nil, gameerr.Protocol(protocol.CodeSessionFull, "match already has a guest")
		}
		b.joined = true
		b.guest = name
	}
	b.mu.Unlock()

	return &Accepted{
		Conn: conn,
		Match: session.Match{
			SessionID:  info.SessionID,
			JoinCode:   info.JoinCode,
			Role:       protocol.RoleHost,
			LocalName:  info.Username,
			RemoteName: name,
			LocalColor: info.HostColor,
			Rules:      b.cfg.Rules,
		},
		Resume: resume,
	}, nil
}

func (b *Broker) reject(conn *peer.Conn, cause error) {
	env, err := protocol.New(protocol.TypeError, "", "", protocol.ErrorPayload{Code: gameerr.CodeOf(cause), Message: cause.Error()}, b.cfg.Now())
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = conn.Send(ctx, env)
}

// Close stops listening. Accepted connections belong to their sessions and stay open.
func (b *Broker) Close() error {
	b.mu.Lock()
	ln := b.ln
	b.ln = nil
	b.joined = false
	b.progress = nil
	b.mu.Unlock()
	if ln == nil {
		return nil
	}
	b.log.Info("broker_close")
	return ln.Close()
}

func (b *Broker) pickColor() (board.Color, error) {
	switch strings.ToLower(b.cfg.HostColor) {
	case ColorWhite:
		return board.White, nil
	case ColorBlack:
		return board.Black, nil
	case ColorRandom:
		var one [1]byte
		if _, err := io.ReadFull(b.cfg.Rand, one[:]); err != nil {
			return board.NoColor, fmt.Errorf("host colour: %w", err)
		}
		if one[0]&1 == 0 {
			return board.White, nil
		}
		return board.Black, nil
	}
	return board.NoColor, gameerr.User("bad_color", fmt.Sprintf("host colour %q is not white, black or random", b.cfg.HostColor))
}

// advertise picks the address the guest should dial for a listener bound to bound.
func (b *Broker) advertise(bound netip.Addr) netip.Addr {
	if b.cfg.Advertise.IsValid() {
		return b.cfg.Advertise
	}
	if bound.IsValid() && !bound.IsUnspecified() {
		return bound
	}
	if ip, ok := LANAddr(); ok {
		return ip
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// LANAddr returns the first private IPv4 address of this machine.
func LANAddr() (netip.Addr, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, false
	}
	var fallback netip.Addr
	for _, a := range addrs {
		pfx, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		ip := pfx.Addr().Unmap()
		if !ip.Is4() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		if ip.IsPrivate() {
			return ip, true
		}
		if !fallback.IsValid() {
			fallback = ip
		}
	}
	return fallback, fallback.IsValid()
}

// CleanUsername trims a display name and rejects empty or oversized ones.
func CleanUsername(s string) (string, error) {
	name := strings.TrimSpace(s)
	if name == "" {
		return "", gameerr.User(CodeBadUsername, "username is empty")
	}
	if len([]rune(name)) > MaxUsername {
		return "", gameerr.User(CodeBadUsername, fmt.Sprintf("username is longer than %d characters", MaxUsername))
	}
	return name, nil
}
