package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/gameerr"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNew(t *testing.T, typ Type, sid, tx string, payload any) Envelope {
	t.Helper()
	env, err := New(typ, sid, tx, payload, now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	cases := []Envelope{
		mustNew(t, TypeHello, "", "", Hello{Version: Version, Role: RoleGuest, Username: "bob", JoinCode: "0a1b2c3d"}),
		mustNew(t, TypeWelcome, "s1", "", Welcome{Version: Version, Role: RoleHost, Username: "alice", SessionID: "s1", Rules: "checkers", HostColor: board.White}),
		mustNew(t, TypeMove, "s1", "tx1", Move{From: board.Sq(2, 2), To: board.Sq(3, 3)}),
		mustNew(t, TypeAck, "s1", "tx1", Ack{TxID: "tx1"}),
		mustNew(t, TypeResign, "s1", "", nil),
		mustNew(t, TypeHeartbeat, "s1", "", Heartbeat{Seq: 4}),
		mustNew(t, TypeResyncRequest, "s1", "", nil),
		mustNew(t, TypeResync, "s1", "", Resync{Board: json.RawMessage(`{}`), Digest: "ab"}),
		mustNew(t, TypeDrawOffer, "s1", "", DrawOffer{Ply: 4}),
		mustNew(t, TypeDrawReply, "s1", "", DrawReply{Ply: 4, Accept: true}),
		mustNew(t, TypeError, "s1", "", ErrorPayload{Code: CodeSessionFull}),
	}
	for _, env := range cases {
		if err := Validate(env); err != nil {
			t.Fatalf("%s: unexpected error %v", env.Type, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		code string
	}{
		{"unknown type", mustNew(t, "dance", "s", "", nil), CodeMalformed},
		{"old version", mustNew(t, TypeHello, "", "", Hello{Version: 0, Role: RoleGuest, Username: "bob"}), CodeVersionMismatch},
		{"hello from host", mustNew(t, TypeHello, "", "", Hello{Version: Version, Role: RoleHost, Username: "bob"}), CodeWrongDirection},
		{"hello no name", mustNew(t, TypeHello, "", "", Hello{Version: Version, Role: RoleGuest}), CodeMalformed},
		{"move no tx", mustNew(t, TypeMove, "s", "", Move{From: board.Sq(0, 0), To: board.Sq(1, 1)}), CodeMalformed},
		{"move off board", mustNew(t, TypeMove, "s", "tx", Move{From: board.Sq(0, 0), To: board.Sq(8, 1)}), CodeMalformed},
		{"ack empty", mustNew(t, TypeAck, "s", "", Ack{}), CodeMalformed},
		{"draw offer no payload", mustNew(t, TypeDrawOffer, "s", "", nil), CodeMalformed},
		{"draw reply negative ply", mustNew(t, TypeDrawReply, "s", "", DrawReply{Ply: -1}), CodeMalformed},
		{"welcome no color", mustNew(t, TypeWelcome, "s", "", Welcome{Version: Version, Role: RoleHost, Username: "a", SessionID: "s", Rules: "chess"}), CodeMalformed},
	}
	for _, tc := range cases {
		err := Validate(tc.env)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !errors.Is(err, gameerr.ErrProtocol) {
			t.Fatalf("%s: expected protocol error, got %v", tc.name, err)
		}
		if gameerr.CodeOf(err) != tc.code {
			t.Fatalf("%s: code = %q, want %q", tc.name, gameerr.CodeOf(err), tc.code)
		}
	}

	raw := Envelope{Type: TypeMove, SessionID: "s", TxID: "t", SentAt: now, Payload: json.RawMessage(`{"from":"z9"}`)}
	if err := Validate(raw); gameerr.CodeOf(err) != CodeMalformed {
		t.Fatalf("bad square: %v", err)
	}
	if err := Validate(Envelope{Type: TypeHeartbeat}); gameerr.CodeOf(err) != CodeMalformed {
		t.Fatalf("missing timestamp: %v", err)
	}
}

func TestMoveWireFormat(t *testing.T) {
	env := mustNew(t, TypeMove, "s1", "tx1", Move{From: board.Sq(1, 4), To: board.Sq(3, 4), Ply: 2})
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"move","session_id":"s1","tx_id":"tx1","sent_at":"2026-03-01T12:00:00Z","payload":{"from":"e2","to":"e4","ply":2}}`
	if string(raw) != want {
		t.Fatalf("wire:\n got %s\nwant %s", raw, want)
	}
	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, err := Decode[Move](back)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.From != board.Sq(1, 4) || m.To != board.Sq(3, 4) || m.Ply != 2 {
		t.Fatalf("decoded %+v", m)
	}
}
