package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/config"
	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/joincode"
	"github.com/park285/cheese-lan/internal/session"
	"github.com/park285/cheese-lan/pkg/checkmatedto"
)

func testAppConfig() *config.AppConfig {
	cfg := config.Default()
	cfg.BindAddr = "127.0.0.1"
	cfg.Advertise = "127.0.0.1"
	cfg.AckTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	return cfg
}

func newController(t *testing.T, cfg *config.AppConfig) *Controller {
	t.Helper()
	d, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	c := NewController(d)
	t.Cleanup(func() {
		_ = c.Close()
		_ = d.Close()
	})
	return c
}

func waitFor(t *testing.T, c *Controller, st session.Status) checkmatedto.SessionState {
	t.Helper()
	var last checkmatedto.SessionState
	require.Eventually(t, func() bool {
		last = c.State()
		return last.Status == string(st)
	}, 3*time.Second, 10*time.Millisecond, "want %s", st)
	return last
}

// pair hosts on one controller and joins from another by ticket.
func pair(t *testing.T) (host, guest *Controller) {
	t.Helper()
	host = newController(t, testAppConfig())
	guest = newController(t, testAppConfig())
	ctx := context.Background()

	h, err := host.HostGame(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, h.Ticket)

	st, err := guest.JoinGame(ctx, checkmatedto.JoinRequest{Username: "bob", Ticket: h.Ticket})
	require.NoError(t, err)
	assert.Equal(t, board.Black, st.LocalColor)
	assert.Equal(t, "alice", st.Players.Remote)

	waitFor(t, host, session.StatusAwaitingLocalMove)
	waitFor(t, guest, session.StatusAwaitingRemoteMove)
	return host, guest
}

func TestHostJoinAndMove(t *testing.T) {
	host, guest := pair(t)
	ctx := context.Background()

	require.NoError(t, host.SubmitMove(ctx, checkmatedto.MoveRequest{From: "C3", To: "d4"}))
	gs := waitFor(t, guest, session.StatusAwaitingLocalMove)
	assert.Equal(t, 1, gs.Plies)
	assert.Equal(t, checkmatedto.Piece{Kind: "man", Color: "white"}, gs.Board["d4"])
	_, ok := gs.Board["c3"]
	assert.False(t, ok)

	hs := host.State()
	assert.True(t, hs.Hosting)
	assert.Equal(t, "host", hs.Role)
	assert.Equal(t, "bob", hs.Players.Remote)
	assert.Equal(t, "Waiting for bob to move.", hs.Message)
	require.Eventually(t, func() bool {
		lm := host.State().LastMove
		return lm != nil && lm.From == "c3" && lm.To == "d4"
	}, time.Second, 10*time.Millisecond)

	err := guest.SubmitMove(ctx, checkmatedto.MoveRequest{From: "f6", To: "f5"})
	assert.Equal(t, gameerr.KindIllegalMove, gameerr.KindOf(err))
	require.NotNil(t, guest.State().Error)
	assert.Equal(t, "That move is not allowed.", guest.State().Error.Message)
}

func TestSecondMatchIsRefused(t *testing.T) {
	host, _ := pair(t)
	_, err := host.HostGame(context.Background(), "alice")
	assert.Equal(t, CodeSessionActive, gameerr.CodeOf(err))
	_, err = host.JoinGame(context.Background(), checkmatedto.JoinRequest{Username: "alice", Address: "127.0.0.1:1", JoinCode: "0a1b2c3d"})
	assert.Equal(t, CodeSessionActive, gameerr.CodeOf(err))
}

func TestResignEndsBothSides(t *testing.T) {
	host, guest := pair(t)
	require.NoError(t, guest.Resign(context.Background()))

	gs := waitFor(t, guest, session.StatusGameOver)
	require.NotNil(t, gs.Outcome)
	assert.Equal(t, "white", gs.Outcome.Winner)
	assert.Equal(t, "white wins (resign).", gs.Message)

	hs := waitFor(t, host, session.StatusGameOver)
	require.NotNil(t, hs.Outcome)
	assert.Equal(t, "white", hs.Outcome.Winner)
}

func TestExitTellsPeerAndAllowsNewMatch(t *testing.T) {
	host, guest := pair(t)
	ctx := context.Background()
	require.NoError(t, host.Exit(ctx))

	assert.Equal(t, string(session.StatusIdle), host.State().Status)
	_, hosting := host.Hosting()
	assert.False(t, hosting)

	gs := waitFor(t, guest, session.StatusGameOver)
	require.NotNil(t, gs.Outcome)
	assert.Equal(t, "black", gs.Outcome.Winner)

	_, err := host.HostGame(ctx, "alice")
	require.NoError(t, err)
}

func TestAcceptTimeoutStopsHosting(t *testing.T) {
	cfg := testAppConfig()
	cfg.AcceptTimeout = 100 * time.Millisecond
	c := newController(t, cfg)
	_, err := c.HostGame(context.Background(), "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, hosting := c.Hosting()
		return !hosting
	}, 2*time.Second, 10*time.Millisecond)
	st := c.State()
	require.NotNil(t, st.Error)
	assert.Equal(t, "accept_timeout", st.Error.Code)
	assert.Equal(t, "Nobody joined in time.", st.Error.Message)
}

func TestJoinRejectsBadInput(t *testing.T) {
	c := newController(t, testAppConfig())
	ctx := context.Background()

	_, err := c.JoinGame(ctx, checkmatedto.JoinRequest{Username: "bob", Ticket: "zz"})
	assert.Equal(t, joincode.CodeMalformedTicket, gameerr.CodeOf(err))

	_, err = c.JoinGame(ctx, checkmatedto.JoinRequest{Username: "bob", Address: "nowhere", JoinCode: "0a1b2c3d"})
	assert.Equal(t, joincode.CodeMalformedAddress, gameerr.CodeOf(err))

	err = c.SubmitMove(ctx, checkmatedto.MoveRequest{From: "c3", To: "d4"})
	assert.Equal(t, session.CodeNotInGame, gameerr.CodeOf(err))
	assert.Equal(t, session.CodeNotInGame, gameerr.CodeOf(c.Resume(ctx)))
}

func TestParseMove(t *testing.T) {
	mv, err := ParseMove(checkmatedto.MoveRequest{From: "E7", To: "e8", Promotion: "Knight"})
	require.NoError(t, err)
	assert.Equal(t, board.Move{From: board.Sq(6, 4), To: board.Sq(7, 4), Promotion: board.Knight}, mv)

	for _, req := range []checkmatedto.MoveRequest{
		{From: "i9", To: "e4"},
		{From: "e2", To: ""},
		{From: "e7", To: "e8", Promotion: "king"},
	} {
		_, err := ParseMove(req)
		assert.Equal(t, CodeBadRequest, gameerr.CodeOf(err), "%+v", req)
	}
}

func TestRenderBoard(t *testing.T) {
	host, _ := pair(t)
	png, err := host.RenderBoard(context.Background(), 16)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestEventDTO(t *testing.T) {
	c := newController(t, testAppConfig())
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := c.EventDTO(session.Event{
		Kind:      session.EventBoard,
		SessionID: "s1",
		Turn:      board.Black,
		Move: &session.MoveRecord{
			Move:     board.Move{From: board.Sq(2, 2), To: board.Sq(4, 4)},
			Captured: []board.Piece{{Kind: board.Man, Color: board.Black}},
		},
		At: at,
	})
	assert.Equal(t, "board", ev.Kind)
	assert.Equal(t, "black", ev.Turn)
	assert.Equal(t, &checkmatedto.Move{From: "c3", To: "e5"}, ev.Move)
	assert.Equal(t, 1, ev.Captured)
	assert.Equal(t, "2026-01-02T03:04:05Z", ev.At)

	errEv := c.EventDTO(session.Event{Kind: session.EventError, Code: "peer_closed", Error: "network: peer_closed", At: at})
	require.NotNil(t, errEv.Error)
	assert.Equal(t, "The other player left.", errEv.Error.Message)
}

func TestDrawByAgreement(t *testing.T) {
	host, guest := pair(t)
	ctx := context.Background()

	err := guest.Draw(ctx, checkmatedto.DrawRequest{Action: "offer"})
	assert.Equal(t, session.CodeNotYourTurn, gameerr.CodeOf(err))
	err = host.Draw(ctx, checkmatedto.DrawRequest{Action: "shrug"})
	assert.Equal(t, CodeBadRequest, gameerr.CodeOf(err))

	require.NoError(t, host.Draw(ctx, checkmatedto.DrawRequest{Action: "offer"}))
	require.Eventually(t, func() bool { return guest.State().Draw == "received" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice offers a draw. Accept or decline.", guest.State().Message)

	require.NoError(t, guest.Draw(ctx, checkmatedto.DrawRequest{Action: "Accept"}))
	hs := waitFor(t, host, session.StatusGameOver)
	require.NotNil(t, hs.Outcome)
	assert.Empty(t, hs.Outcome.Winner)
	assert.Equal(t, "Draw (by agreement).", hs.Message)
	gs := waitFor(t, guest, session.StatusGameOver)
	assert.Equal(t, "agreement", gs.Outcome.Reason)
}
