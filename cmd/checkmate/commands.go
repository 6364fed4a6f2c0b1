package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/controlapi"
	"github.com/park285/cheese-lan/internal/session"
	"github.com/park285/cheese-lan/pkg/checkmatedto"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API for a UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := start(cmd, v)
			if err != nil {
				return err
			}
			defer rt.close()
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return controlapi.New(rt.ctrl, rt.log.Named("controlapi")).Serve(ctx, rt.cfg.ControlAddr)
		},
	}
}

func newHostCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Host a match and play it in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := start(cmd, v)
			if err != nil {
				return err
			}
			defer rt.close()
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			h, err := rt.ctrl.HostGame(ctx, rt.cfg.Username)
			if err != nil {
				return errors.New(rt.deps.Catalog.ErrorText(err))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, rt.ctrl.State().Message)
			if h.Ticket != "" {
				if s, err := rt.deps.Catalog.Render("hosting.ticket", map[string]any{"Ticket": h.Ticket}); err == nil {
					fmt.Fprintln(out, s)
				}
			}
			return play(ctx, rt, cmd.InOrStdin(), out)
		},
	}
}

func newJoinCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "join <ticket | ip:port code>",
		Short: "Join a hosted match and play it in the terminal",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := start(cmd, v)
			if err != nil {
				return err
			}
			defer rt.close()
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			req := checkmatedto.JoinRequest{Username: rt.cfg.Username}
			if len(args) == 1 {
				req.Ticket = args[0]
			} else {
				req.Address, req.JoinCode = args[0], args[1]
			}
			if _, err := rt.ctrl.JoinGame(ctx, req); err != nil {
				return errors.New(rt.deps.Catalog.ErrorText(err))
			}
			out := cmd.OutOrStdout()
			st := rt.ctrl.State()
			if s, err := rt.deps.Catalog.Render("hosting.joined", map[string]any{"Remote": st.Players.Remote, "Color": st.LocalColor}); err == nil {
				fmt.Fprintln(out, s)
			}
			return play(ctx, rt, cmd.InOrStdin(), out)
		},
	}
}

const playHelp = `commands: <from> <to> [promotion] | board | state | draw [accept|decline] | resign | resync | resume | exit`

// play reads commands from in and prints events to out until exit or ctx ends.
func play(ctx context.Context, rt *runtime, in io.Reader, out io.Writer) error {
	events, unsubscribe := rt.ctrl.Subscribe(64)
	defer unsubscribe()
	go func() {
		for ev := range events {
			if line := describe(rt, ev); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, playHelp)
	for {
		select {
		case <-ctx.Done():
			return exit(rt)
		case line, ok := <-lines:
			if !ok {
				return exit(rt)
			}
			done, err := runLine(ctx, rt, strings.Fields(line), out)
			if err != nil {
				fmt.Fprintln(out, rt.deps.Catalog.ErrorText(err))
			}
			if done {
				return nil
			}
		}
	}
}

func exit(rt *runtime) error {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.HandshakeTimeout)
	defer cancel()
	return rt.ctrl.Exit(ctx)
}

func runLine(ctx context.Context, rt *runtime, f []string, out io.Writer) (bool, error) {
	if len(f) == 0 {
		return false, nil
	}
	switch strings.ToLower(f[0]) {
	case "exit", "quit":
		return true, exit(rt)
	case "resign":
		return false, rt.ctrl.Resign(ctx)
	case "resync":
		return false, rt.ctrl.RequestResync(ctx)
	case "draw":
		req := checkmatedto.DrawRequest{Action: checkmatedto.DrawOffer}
		if len(f) > 1 {
			req.Action = f[1]
		}
		return false, rt.ctrl.Draw(ctx, req)
	case "resume":
		return false, rt.ctrl.Resume(ctx)
	case "state":
		st := rt.ctrl.State()
		fmt.Fprintf(out, "%s | %s vs %s | plies %d | %dms\n", st.Message, st.Players.Local, st.Players.Remote, st.Plies, st.LatencyMS)
		return false, nil
	case "board":
		fmt.Fprint(out, textBoard(rt.ctrl.State()))
		return false, nil
	case "help":
		fmt.Fprintln(out, playHelp)
		return false, nil
	}
	if len(f) < 2 {
		fmt.Fprintln(out, playHelp)
		return false, nil
	}
	req := checkmatedto.MoveRequest{From: f[0], To: f[1]}
	if len(f) > 2 {
		req.Promotion = f[2]
	}
	return false, rt.ctrl.SubmitMove(ctx, req)
}

func describe(rt *runtime, ev session.Event) string {
	dto := rt.ctrl.EventDTO(ev)
	switch ev.Kind {
	case session.EventStatus:
		return rt.ctrl.State().Message
	case session.EventBoard:
		if dto.Move == nil {
			return ""
		}
		s := dto.Move.From + "-" + dto.Move.To
		if dto.Captured > 0 {
			s += fmt.Sprintf(" (x%d)", dto.Captured)
		}
		return s
	case session.EventError:
		if dto.Error != nil {
			return dto.Error.Message
		}
	case session.EventResync:
		s, _ := rt.deps.Catalog.Render("resync.ok", nil)
		return s
	case session.EventDraw:
		return rt.deps.Catalog.Draw(dto.Draw, rt.ctrl.State().Players.Remote)
	}
	return ""
}

// textBoard prints the board from the local side, white pieces in upper case.
func textBoard(st checkmatedto.SessionState) string {
	var b strings.Builder
	flip := st.LocalColor == board.Black.String()
	for i := range board.Size {
		rank := board.Size - 1 - i
		if flip {
			rank = i
		}
		fmt.Fprintf(&b, "%d ", rank+1)
		for j := range board.Size {
			file := j
			if flip {
				file = board.Size - 1 - j
			}
			p, ok := st.Board[board.Sq(rank, file).String()]
			b.WriteString(pieceRune(p, ok))
		}
		b.WriteByte('\n')
	}
	files := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	if flip {
		sort.Sort(sort.Reverse(sort.StringSlice(files)))
	}
	b.WriteString("  " + strings.Join(files, "") + "\n")
	return b.String()
}

var pieceLetters = map[string]string{
	"man": "m", "king": "k", "pawn": "p", "knight": "n", "bishop": "b", "rook": "r", "queen": "q",
}

func pieceRune(p checkmatedto.Piece, ok bool) string {
	if !ok {
		return "."
	}
	l := pieceLetters[p.Kind]
	if l == "" {
		l = "?"
	}
	if p.Color == board.White.String() {
		return strings.ToUpper(l)
	}
	return l
}
