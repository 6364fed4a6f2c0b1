package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/events"
	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/protocol"
)

// memTransport is one end of an in-memory, ordered, reliable pipe.
type memTransport struct {
	in     <-chan protocol.Envelope
	out    chan<- protocol.Envelope
	closed chan struct{}
	peer   *memTransport
	once   sync.Once

	mu   sync.Mutex
	sent []protocol.Envelope
}

func pipe() (*memTransport, *memTransport) {
	ab := make(chan protocol.Envelope, 64)
	ba := make(chan protocol.Envelope, 64)
	a := &memTransport{in: ba, out: ab, closed: make(chan struct{})}
	b := &memTransport{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (m *memTransport) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-m.closed:
		return gameerr.Network("closed", errors.New("closed"))
	case <-m.peer.closed:
		return gameerr.Network("peer_closed", errors.New("peer closed"))
	default:
	}
	select {
	case m.out <- env:
		m.mu.Lock()
		m.sent = append(m.sent, env)
		m.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memTransport) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-m.in:
		return env, nil
	default:
	}
	select {
	case env := <-m.in:
		return env, nil
	case <-m.closed:
		return protocol.Envelope{}, gameerr.Network("closed", errors.New("closed"))
	case <-m.peer.closed:
		select {
		case env := <-m.in:
			return env, nil
		default:
		}
		return protocol.Envelope{}, gameerr.Network("peer_closed", errors.New("peer closed"))
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (m *memTransport) Latency() time.Duration { return time.Millisecond }

func (m *memTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *memTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// recv reads the next frame the session sent to the raw end.
func recv(t *testing.T, m *memTransport) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := m.Receive(ctx)
	require.NoError(t, err)
	return env
}

func rawSend(t *testing.T, m *memTransport, typ protocol.Type, tx string, payload any) {
	t.Helper()
	env, err := protocol.New(typ, "sid", tx, payload, time.Now())
	require.NoError(t, err)
	require.NoError(t, m.Send(context.Background(), env))
}

func testConfig(seed uint64) Config {
	return Config{AckTimeout: 2 * time.Second, Rand: rand.NewChaCha8([32]byte{byte(seed)})}
}

func match(role protocol.Role, color board.Color, rules board.RuleSet) Match {
	local, remote := "alice", "bob"
	if role == protocol.RoleGuest {
		local, remote = remote, local
	}
	return Match{SessionID: "sid", JoinCode: "0a1b2c3d", Role: role, LocalName: local, RemoteName: remote, LocalColor: color, Rules: rules}
}

// sessions starts host (white) and guest (black) joined by a pipe.
func sessions(t *testing.T, rules board.RuleSet, hostCfg, guestCfg Config) (host, guest *Session) {
	t.Helper()
	a, b := pipe()
	var err error
	host, err = New(match(protocol.RoleHost, board.White, rules), a, hostCfg)
	require.NoError(t, err)
	guest, err = New(match(protocol.RoleGuest, board.Black, rules), b, guestCfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = host.Exit(context.Background())
		_ = guest.Exit(context.Background())
	})
	return host, guest
}

// rawPeer starts one session whose peer end is driven by the test.
func rawPeer(t *testing.T, role protocol.Role, color board.Color, cfg Config) (*Session, *memTransport) {
	t.Helper()
	a, b := pipe()
	s, err := New(match(role, color, board.Checkers{}), a, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Exit(context.Background()) })
	return s, b
}

func mv(t *testing.T, from, to string) board.Move {
	t.Helper()
	f, err := board.ParseSquare(from)
	require.NoError(t, err)
	d, err := board.ParseSquare(to)
	require.NoError(t, err)
	return board.Move{From: f, To: d}
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().Status == want },
		2*time.Second, 5*time.Millisecond, "status %s, want %s", s.Snapshot().Status, want)
}

func TestStartAssignsFirstTurn(t *testing.T) {
	host, guest := sessions(t, board.Checkers{}, testConfig(1), testConfig(2))
	hs, gs := host.Snapshot(), guest.Snapshot()
	assert.Equal(t, StatusAwaitingLocalMove, hs.Status)
	assert.Equal(t, StatusAwaitingRemoteMove, gs.Status)
	assert.Equal(t, Players{Local: "alice", Remote: "bob"}, hs.Players)
	assert.Equal(t, Players{Local: "bob", Remote: "alice"}, gs.Players)
	assert.Equal(t, board.White, hs.Turn)
	assert.Equal(t, hs.Digest, gs.Digest)
}

func TestOpeningMoveReachesPeer(t *testing.T) {
	host, guest := sessions(t, board.Checkers{}, testConfig(1), testConfig(2))
	ctx := context.Background()

	require.NoError(t, host.SubmitLocalMove(ctx, mv(t, "c3", "d4")))
	assert.Equal(t, StatusAwaitingRemoteMove, host.Snapshot().Status)
	waitStatus(t, guest, StatusAwaitingLocalMove)

	hs, gs := host.Snapshot(), guest.Snapshot()
	assert.Equal(t, board.Black, hs.Turn)
	assert.Equal(t, board.Black, gs.Turn)
	assert.Equal(t, hs.Board, gs.Board)
	assert.Equal(t, hs.Digest, gs.Digest)
	assert.Equal(t, hs.LastTx, gs.LastTx)
	assert.NotEmpty(t, hs.LastTx)

	require.NoError(t, guest.SubmitLocalMove(ctx, mv(t, "f6", "e5")))
	waitStatus(t, host, StatusAwaitingLocalMove)
	assert.Equal(t, 2, host.Snapshot().Plies)
}

func TestMoveOutOfTurnIsRejectedLocally(t *testing.T) {
	a, b := pipe()
	guest, err := New(match(protocol.RoleGuest, board.Black, board.Checkers{}), b, testConfig(2))
	require.NoError(t, err)
	defer guest.Exit(context.Background())
	before := guest.Snapshot()

	err = guest.SubmitLocalMove(context.Background(), mv(t, "f6", "e5"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, gameerr.ErrIllegalMove))
	assert.Equal(t, CodeNotYourTurn, gameerr.CodeOf(err))

	after := guest.Snapshot()
	assert.Equal(t, before.Digest, after.Digest)
	assert.Equal(t, before.Turn, after.Turn)
	assert.Equal(t, StatusAwaitingRemoteMove, after.Status)
	assert.Equal(t, 0, b.sentCount())
	assert.Empty(t, a.in)
}

func TestIllegalLocalMoveIsRejected(t *testing.T) {
	host, raw := rawPeer(t, protocol.RoleHost, board.White, testConfig(1))
	before := host.Snapshot()

	err := host.SubmitLocalMove(context.Background(), mv(t, "c3", "c5"))
	require.ErrorIs(t, err, gameerr.ErrIllegalMove)
	err = host.SubmitLocalMove(context.Background(), mv(t, "f6", "e5"))
	require.ErrorIs(t, err, gameerr.ErrIllegalMove)

	after := host.Snapshot()
	assert.Equal(t, before.Digest, after.Digest)
	assert.Equal(t, StatusAwaitingLocalMove, after.Status)
	assert.Equal(t, 0, raw.peer.sentCount())
}

func TestReplayedTransactionIsRejected(t *testing.T) {
	guest, raw := rawPeer(t, protocol.RoleGuest, board.Black, testConfig(2))

	rawSend(t, raw, protocol.TypeMove, "tx-1", protocol.Move{From: board.Sq(2, 2), To: board.Sq(3, 3), Ply: 0})
	ack := recv(t, raw)
	require.Equal(t, protocol.TypeAck, ack.Type)
	waitStatus(t, guest, StatusAwaitingLocalMove)

	done := make(chan error, 1)
	go func() { done <- guest.SubmitLocalMove(context.Background(), mv(t, "f6", "e5")) }()
	move := recv(t, raw)
	require.Equal(t, protocol.TypeMove, move.Type)
	rawSend(t, raw, protocol.TypeAck, move.TxID, protocol.Ack{TxID: move.TxID})
	require.NoError(t, <-done)
	waitStatus(t, guest, StatusAwaitingRemoteMove)
	before := guest.Snapshot()

	// d4xf6 is legal now, but tx-1 was already used
	rawSend(t, raw, protocol.TypeMove, "tx-1", protocol.Move{From: board.Sq(3, 3), To: board.Sq(5, 5), Ply: 2})
	errFrame := recv(t, raw)
	require.Equal(t, protocol.TypeError, errFrame.Type)
	p, err := protocol.Decode[protocol.ErrorPayload](errFrame)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeDuplicateTx, p.Code)

	<-guest.Done()
	after := guest.Snapshot()
	assert.Equal(t, StatusIdle, after.Status)
	assert.Equal(t, before.Digest, after.Digest)
	assert.Equal(t, before.Plies, after.Plies)
	assert.True(t, errors.Is(after.LastError, gameerr.ErrProtocol))
}

func TestIllegalRemoteMoveIsFatal(t *testing.T) {
	guest, raw := rawPeer(t, protocol.RoleGuest, board.Black, testConfig(2))
	before := guest.Snapshot()

	rawSend(t, raw, protocol.TypeMove, "tx-1", protocol.Move{From: board.Sq(2, 2), To: board.Sq(4, 2), Ply: 0})
	errFrame := recv(t, raw)
	require.Equal(t, protocol.TypeError, errFrame.Type)

	<-guest.Done()
	after := guest.Snapshot()
	assert.Equal(t, StatusIdle, after.Status)
	assert.Equal(t, protocol.CodeIllegalRemote, gameerr.CodeOf(after.LastError))
	assert.Equal(t, before.Digest, after.Digest)
}

func TestDisconnectKeepsBoard(t *testing.T) {
	host, guest := sessions(t, board.Checkers{}, testConfig(1), testConfig(2))
	require.NoError(t, host.SubmitLocalMove(context.Background(), mv(t, "c3", "d4")))
	waitStatus(t, guest, StatusAwaitingLocalMove)
	before := host.Snapshot()

	// the guest's end of the pipe goes away without a word
	guest.transportForTest().Close()

	waitStatus(t, host, StatusDisconnected)
	after := host.Snapshot()
	assert.Equal(t, before.Board, after.Board)
	assert.Equal(t, before.Turn, after.Turn)
	assert.Equal(t, before.Plies, after.Plies)
	assert.True(t, errors.Is(after.LastError, gameerr.ErrNetwork))

	err := host.SubmitLocalMove(context.Background(), mv(t, "b2", "c3"))
	assert.Error(t, err)
}

// transportForTest exposes the live transport through the loop goroutine.
func (s *Session) transportForTest() Transport {
	var t Transport
	_ = s.do(context.Background(), func() error { t = s.transport; return nil })
	return t
}

func TestResignEndsMatchOnBothSides(t *testing.T) {
	var mu sync.Mutex
	var summaries []Summary
	hostCfg := testConfig(1)
	hostCfg.OnFinish = func(_ context.Context, s Summary) {
		mu.Lock()
		summaries = append(summaries, s)
		mu.Unlock()
	}
	host, guest := sessions(t, board.Checkers{}, hostCfg, testConfig(2))

	require.NoError(t, guest.Resign(context.Background()))
	gs := guest.Snapshot()
	assert.Equal(t, StatusGameOver, gs.Status)
	require.NotNil(t, gs.Outcome)
	assert.Equal(t, board.White, gs.Outcome.Winner)

	waitStatus(t, host, StatusGameOver)
	hs := host.Snapshot()
	assert.Equal(t, board.White, hs.Outcome.Winner)
	assert.Equal(t, "opponent_resign", hs.Outcome.Reason)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(summaries) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, host.Exit(context.Background()))
	<-host.Done()
	assert.Equal(t, StatusIdle, host.Snapshot().Status)
	assert.ErrorIs(t, host.Resign(context.Background()), ErrEnded)
}

func TestCancelledAckWaitGoesIdle(t *testing.T) {
	host, raw := rawPeer(t, protocol.RoleHost, board.White, testConfig(1))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.SubmitLocalMove(ctx, mv(t, "c3", "d4")) }()

	move := recv(t, raw)
	require.Equal(t, protocol.TypeMove, move.Type)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	select {
	case <-host.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not reach idle")
	}
	assert.Equal(t, StatusIdle, host.Snapshot().Status)
	select {
	case <-raw.peer.closed:
	default:
		t.Fatalf("transport was not released")
	}
}

func TestAckTimeoutDisconnects(t *testing.T) {
	cfg := testConfig(1)
	cfg.AckTimeout = 300 * time.Millisecond
	host, raw := rawPeer(t, protocol.RoleHost, board.White, cfg)

	err := host.SubmitLocalMove(context.Background(), mv(t, "c3", "d4"))
	assert.Equal(t, CodeAckTimeout, gameerr.CodeOf(err))
	assert.True(t, errors.Is(err, gameerr.ErrNetwork))
	waitStatus(t, host, StatusDisconnected)
	assert.Equal(t, 1, host.Snapshot().Plies)
	assert.Equal(t, 1, raw.peer.sentCount())
}

func TestResumeReplaysUnackedMove(t *testing.T) {
	host, raw := rawPeer(t, protocol.RoleHost, board.White, testConfig(1))
	done := make(chan error, 1)
	go func() { done <- host.SubmitLocalMove(context.Background(), mv(t, "c3", "d4")) }()
	first := recv(t, raw)

	// connection dies before the peer applies the move
	_ = raw.Close()
	require.ErrorIs(t, <-done, gameerr.ErrNetwork)
	waitStatus(t, host, StatusDisconnected)

	a, b := pipe()
	require.NoError(t, host.Resume(context.Background(), a, ResumeInfo{Plies: 0}))
	replayed := recv(t, b)
	assert.Equal(t, protocol.TypeMove, replayed.Type)
	assert.Equal(t, first.TxID, replayed.TxID)
	assert.Equal(t, StatusAwaitingLocalMove, host.Snapshot().Status)

	rawSend(t, b, protocol.TypeAck, replayed.TxID, protocol.Ack{TxID: replayed.TxID, Digest: host.Snapshot().Digest})
	waitStatus(t, host, StatusAwaitingRemoteMove)
}

func TestResumeAfterLostAck(t *testing.T) {
	host, raw := rawPeer(t, protocol.RoleHost, board.White, testConfig(1))
	done := make(chan error, 1)
	go func() { done <- host.SubmitLocalMove(context.Background(), mv(t, "c3", "d4")) }()
	move := recv(t, raw)
	_ = raw.Close()
	<-done
	waitStatus(t, host, StatusDisconnected)

	// the peer did apply it: same ply count and last transaction
	a, _ := pipe()
	require.NoError(t, host.Resume(context.Background(), a, ResumeInfo{Plies: 1, LastTx: move.TxID}))
	assert.Equal(t, StatusAwaitingRemoteMove, host.Snapshot().Status)
}

func TestResumeAfterLostAckAndReply(t *testing.T) {
	host, raw := rawPeer(t, protocol.RoleHost, board.White, testConfig(1))
	done := make(chan error, 1)
	go func() { done <- host.SubmitLocalMove(context.Background(), mv(t, "c3", "d4")) }()
	move := recv(t, raw)
	_ = raw.Close()
	require.ErrorIs(t, <-done, gameerr.ErrNetwork)
	waitStatus(t, host, StatusDisconnected)
	require.True(t, host.Snapshot().Pending)

	// the peer applied our move and answered it before the link died
	a, b := pipe()
	require.NoError(t, host.Resume(context.Background(), a, ResumeInfo{Plies: 2, LastTx: "reply"}))
	st := host.Snapshot()
	assert.Equal(t, StatusAwaitingRemoteMove, st.Status)
	assert.False(t, st.Pending)
	assert.Equal(t, move.TxID, st.LastTx)

	rawSend(t, b, protocol.TypeMove, "reply", protocol.Move{From: board.Sq(5, 5), To: board.Sq(4, 4), Ply: 1})
	ack := recv(t, b)
	require.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "reply", ack.TxID)
	waitStatus(t, host, StatusAwaitingLocalMove)
	assert.Equal(t, 2, host.Snapshot().Plies)
}

// stalledTransport never finishes a graceful close, like a peer that stopped reading.
type stalledTransport struct {
	*memTransport
	hold     chan struct{}
	closeNow atomic.Bool
}

func (s *stalledTransport) Close() error {
	<-s.hold
	return s.memTransport.Close()
}

func (s *stalledTransport) CloseNow() error {
	s.closeNow.Store(true)
	return s.memTransport.Close()
}

func TestAckTimeoutDoesNotWaitOnStalledPeer(t *testing.T) {
	cfg := testConfig(1)
	cfg.AckTimeout = 200 * time.Millisecond
	a, _ := pipe()
	st := &stalledTransport{memTransport: a, hold: make(chan struct{})}
	t.Cleanup(func() { close(st.hold) })
	host, err := New(match(protocol.RoleHost, board.White, board.Checkers{}), st, cfg)
	require.NoError(t, err)

	err = host.SubmitLocalMove(context.Background(), mv(t, "c3", "d4"))
	assert.Equal(t, CodeAckTimeout, gameerr.CodeOf(err))
	waitStatus(t, host, StatusDisconnected)
	assert.True(t, st.closeNow.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, host.Exit(ctx))
	<-host.Done()
}

func TestResumeWithDivergedProgressFails(t *testing.T) {
	host, raw := rawPeer(t, protocol.RoleHost, board.White, testConfig(1))
	_ = raw.Close()
	a, _ := pipe()
	err := host.Resume(context.Background(), a, ResumeInfo{Plies: 5, LastTx: "x"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidBoard, gameerr.CodeOf(err))
	<-host.Done()
}

func TestResyncAgrees(t *testing.T) {
	host, guest := sessions(t, board.Checkers{}, testConfig(1), testConfig(2))
	require.NoError(t, host.SubmitLocalMove(context.Background(), mv(t, "c3", "d4")))
	waitStatus(t, guest, StatusAwaitingLocalMove)
	require.NoError(t, guest.RequestResync(context.Background()))
	assert.Equal(t, StatusAwaitingLocalMove, guest.Snapshot().Status)
}

func TestResyncMismatchIsFatal(t *testing.T) {
	guest, raw := rawPeer(t, protocol.RoleGuest, board.Black, testConfig(2))
	other := board.NewModel(board.Checkers{})
	_, err := other.Apply(mv(t, "c3", "d4"))
	require.NoError(t, err)
	raw2, err := other.Serialize()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- guest.RequestResync(context.Background()) }()
	req := recv(t, raw)
	require.Equal(t, protocol.TypeResyncRequest, req.Type)
	rawSend(t, raw, protocol.TypeResync, "", protocol.Resync{Board: raw2, Digest: other.Digest()})

	err = <-done
	assert.Equal(t, protocol.CodeInvalidBoard, gameerr.CodeOf(err))
	<-guest.Done()
}

func TestCheckmateFinishesBothSides(t *testing.T) {
	bus := events.NewBroadcaster[Event](time.Second)
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	hostCfg := testConfig(1)
	hostCfg.Publisher = bus
	host, guest := sessions(t, board.Chess{}, hostCfg, testConfig(2))
	ctx := context.Background()

	line := []struct {
		s        *Session
		from, to string
	}{
		{host, "e2", "e4"}, {guest, "e7", "e5"},
		{host, "f1", "c4"}, {guest, "b8", "c6"},
		{host, "d1", "h5"}, {guest, "g8", "f6"},
		{host, "h5", "f7"},
	}
	for i, step := range line {
		waitStatus(t, step.s, StatusAwaitingLocalMove)
		require.NoError(t, step.s.SubmitLocalMove(ctx, mv(t, step.from, step.to)), "move %d", i)
	}
	waitStatus(t, host, StatusGameOver)
	waitStatus(t, guest, StatusGameOver)
	assert.Equal(t, &Outcome{Winner: board.White, Reason: "checkmate"}, host.Snapshot().Outcome)
	assert.Equal(t, &Outcome{Winner: board.White, Reason: "checkmate"}, guest.Snapshot().Outcome)

	var sawBoard, sawGameOver bool
	for len(ch) > 0 {
		ev := <-ch
		if ev.Kind == EventBoard {
			sawBoard = true
		}
		if ev.Kind == EventStatus && ev.Status == StatusGameOver {
			sawGameOver = true
		}
	}
	assert.True(t, sawBoard)
	assert.True(t, sawGameOver)
}

func TestDrawOfferAccepted(t *testing.T) {
	host, guest := sessions(t, board.Checkers{}, testConfig(1), testConfig(2))
	ctx := context.Background()

	require.NoError(t, host.OfferDraw(ctx))
	assert.Equal(t, DrawOffered, host.Snapshot().Draw)
	require.Eventually(t, func() bool { return guest.Snapshot().Draw == DrawReceived },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, guest.AnswerDraw(ctx, true))
	waitStatus(t, host, StatusGameOver)
	waitStatus(t, guest, StatusGameOver)
	for _, s := range []*Session{host, guest} {
		st := s.Snapshot()
		require.NotNil(t, st.Outcome)
		assert.Equal(t, board.NoColor, st.Outcome.Winner)
		assert.Equal(t, ReasonAgreement, st.Outcome.Reason)
		assert.Equal(t, DrawNone, st.Draw)
	}
}

func TestDrawOfferDeclined(t *testing.T) {
	host, guest := sessions(t, board.Checkers{}, testConfig(1), testConfig(2))
	ctx := context.Background()

	require.NoError(t, host.OfferDraw(ctx))
	assert.Equal(t, CodeDrawPending, gameerr.CodeOf(host.OfferDraw(ctx)))
	require.Eventually(t, func() bool { return guest.Snapshot().Draw == DrawReceived },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, guest.AnswerDraw(ctx, false))
	assert.Equal(t, DrawNone, guest.Snapshot().Draw)
	require.Eventually(t, func() bool { return host.Snapshot().Draw == DrawNone },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusAwaitingLocalMove, host.Snapshot().Status)
	assert.Equal(t, CodeNoDrawOffer, gameerr.CodeOf(guest.AnswerDraw(ctx, true)))

	require.NoError(t, host.SubmitLocalMove(ctx, mv(t, "c3", "d4")))
	waitStatus(t, guest, StatusAwaitingLocalMove)
}

func TestDrawOfferOutOfTurn(t *testing.T) {
	guest, raw := rawPeer(t, protocol.RoleGuest, board.Black, testConfig(2))
	err := guest.OfferDraw(context.Background())
	assert.Equal(t, CodeNotYourTurn, gameerr.CodeOf(err))
	assert.Equal(t, gameerr.KindIllegalMove, gameerr.KindOf(err))
	assert.Equal(t, DrawNone, guest.Snapshot().Draw)
	assert.Equal(t, 0, raw.peer.sentCount())

	// the host holds the turn, so an offer from its peer is a violation
	host, hraw := rawPeer(t, protocol.RoleHost, board.White, testConfig(1))
	rawSend(t, hraw, protocol.TypeDrawOffer, "", protocol.DrawOffer{Ply: 0})
	<-host.Done()
	assert.Equal(t, protocol.CodeOutOfTurn, gameerr.CodeOf(host.Snapshot().LastError))
}

func TestMoveWithdrawsDrawOffer(t *testing.T) {
	host, raw := rawPeer(t, protocol.RoleHost, board.White, testConfig(1))
	require.NoError(t, host.OfferDraw(context.Background()))
	offer := recv(t, raw)
	require.Equal(t, protocol.TypeDrawOffer, offer.Type)

	done := make(chan error, 1)
	go func() { done <- host.SubmitLocalMove(context.Background(), mv(t, "c3", "d4")) }()
	move := recv(t, raw)
	require.Equal(t, protocol.TypeMove, move.Type)

	// an acceptance that crossed the move on the wire no longer counts
	rawSend(t, raw, protocol.TypeDrawReply, "", protocol.DrawReply{Ply: 0, Accept: true})
	rawSend(t, raw, protocol.TypeAck, move.TxID, protocol.Ack{TxID: move.TxID})
	require.NoError(t, <-done)

	st := host.Snapshot()
	assert.Equal(t, StatusAwaitingRemoteMove, st.Status)
	assert.Nil(t, st.Outcome)
	assert.Equal(t, DrawNone, st.Draw)
}
