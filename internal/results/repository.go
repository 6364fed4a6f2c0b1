// Package results archives finished matches in Postgres.
package results

import (
    "context"
    "database/sql"
    "encoding/json"
    "fmt"
    "strings"
    "time"

    _ "github.com/lib/pq"

    "github.com/park285/cheese-lan/internal/board"
    "github.com/park285/cheese-lan/internal/session"
)

// Schema creates the archive table. EnsureSchema runs it on startup.
const Schema = `CREATE TABLE IF NOT EXISTS checkmate_matches (
    session_id   TEXT NOT NULL,
    role         TEXT NOT NULL,
    rules        TEXT NOT NULL,
    white_name   TEXT NOT NULL,
    black_name   TEXT NOT NULL,
    result       TEXT NOT NULL,
    reason       TEXT NOT NULL,
    moves        JSONB NOT NULL,
    transcript   TEXT NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    ended_at     TIMESTAMPTZ NOT NULL,
    duration_ms  BIGINT NOT NULL,
    PRIMARY KEY (session_id, role)
)`

type Repository struct {
    db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
    if strings.TrimSpace(databaseURL) == "" {
        return nil, fmt.Errorf("database url is required")
    }
    db, err := sql.Open("postgres", databaseURL)
    if err != nil {
        return nil, err
    }
    db.SetMaxOpenConns(4)
    db.SetMaxIdleConns(2)
    db.SetConnMaxLifetime(30 * time.Minute)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := db.PingContext(ctx); err != nil {
        _ = db.Close()
        return nil, err
    }
    return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
    if r == nil || r.db == nil { return nil }
    return r.db.Close()
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
    if r == nil || r.db == nil { return nil }
    _, err := r.db.ExecContext(ctx, Schema)
    return err
}

// SaveResult upserts a finished match as seen from one side.
func (r *Repository) SaveResult(ctx context.Context, s session.Summary) error {
    if r == nil || r.db == nil {
        return nil
    }
    white, black := Names(s)
    moves, err := json.Marshal(moveList(s.Moves))
    if err != nil {
        return fmt.Errorf("encode moves: %w", err)
    }
    duration := s.EndedAt.Sub(s.StartedAt).Milliseconds()
    if duration < 0 { duration = 0 }

    q := `INSERT INTO checkmate_matches (
        session_id, role, rules, white_name, black_name,
        result, reason, moves, transcript,
        started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
      ) ON CONFLICT (session_id, role) DO UPDATE SET
        rules=EXCLUDED.rules,
        white_name=EXCLUDED.white_name,
        black_name=EXCLUDED.black_name,
        result=EXCLUDED.result,
        reason=EXCLUDED.reason,
        moves=EXCLUDED.moves,
        transcript=EXCLUDED.transcript,
        started_at=EXCLUDED.started_at,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

    _, err = r.db.ExecContext(ctx, q,
        s.SessionID, string(s.Role), s.Rules,
        white, black,
        ResultToken(s.Outcome.Winner), s.Outcome.Reason,
        string(moves), Transcript(s),
        s.StartedAt, s.EndedAt, duration,
    )
    return err
}

// Names returns the white and black player names of s.
func Names(s session.Summary) (white, black string) {
    if s.LocalColor == board.White {
        return s.LocalName, s.RemoteName
    }
    return s.RemoteName, s.LocalName
}

// ResultToken maps a winner to the PGN result string.
func ResultToken(winner board.Color) string {
    switch winner {
    case board.White:
        return "1-0"
    case board.Black:
        return "0-1"
    default:
        return "1/2-1/2"
    }
}

type storedMove struct {
    Ply      int    `json:"ply"`
    TxID     string `json:"tx_id"`
    Color    string `json:"color"`
    From     string `json:"from"`
    To       string `json:"to"`
    Captured int    `json:"captured,omitempty"`
}

func moveList(moves []session.MoveRecord) []storedMove {
    out := make([]storedMove, 0, len(moves))
    for _, m := range moves {
        out = append(out, storedMove{
            Ply: m.Ply, TxID: m.TxID, Color: m.Color.String(),
            From: m.Move.From.String(), To: m.Move.To.String(), Captured: len(m.Captured),
        })
    }
    return out
}

// Transcript renders the match as a PGN-style text: SAN for chess, "c3-d4" and
// "c3xe5" coordinates for checkers.
func Transcript(s session.Summary) string {
    tokens := notation(s)
    white, black := Names(s)
    date := s.EndedAt
    if date.IsZero() {
        date = time.Now()
    }
    result := ResultToken(s.Outcome.Winner)

    var b strings.Builder
    b.WriteString("[Event \"LAN match\"]\n")
    b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
    b.WriteString(fmt.Sprintf("[Variant \"%s\"]\n", sanitize(s.Rules)))
    b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitize(white)))
    b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitize(black)))
    if strings.TrimSpace(s.Outcome.Reason) != "" {
        b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitize(s.Outcome.Reason)))
    }
    b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

    for i := 0; i < len(tokens); i += 2 {
        b.WriteString(fmt.Sprintf("%d. %s", i/2+1, tokens[i]))
        if i+1 < len(tokens) {
            b.WriteString(" ")
            b.WriteString(tokens[i+1])
        }
        b.WriteString(" ")
    }
    b.WriteString(result)
    return b.String()
}

func notation(s session.Summary) []string {
    if s.Rules == (board.Chess{}).Name() {
        moves := make([]board.Move, 0, len(s.Moves))
        for _, m := range s.Moves {
            moves = append(moves, m.Move)
        }
        if san, err := board.SAN(moves); err == nil {
            return san
        }
    }
    out := make([]string, 0, len(s.Moves))
    for _, m := range s.Moves {
        sep := "-"
        if len(m.Captured) > 0 {
            sep = "x"
        }
        out = append(out, m.Move.From.String()+sep+m.Move.To.String())
    }
    return out
}

func sanitize(s string) string {
    s = strings.ReplaceAll(s, "\\", " ")
    s = strings.ReplaceAll(s, "\"", "'")
    return strings.TrimSpace(s)
}
