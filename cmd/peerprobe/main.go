// Command peerprobe checks that a hosted match is reachable from this machine.
package main

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-lan/internal/joincode"
	"github.com/park285/cheese-lan/internal/peer"
)

func main() {
	log.SetFlags(0)
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	var (
		dial    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:           "peerprobe <ip:port | ticket>",
		Short:         "Check that a hosted match is reachable from this machine.",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := os.Getenv("CHECKMATE_PROBE_TARGET")
			if len(args) == 1 {
				target = strings.TrimSpace(args[0])
			}
			if target == "" {
				return fmt.Errorf("no target: pass ip:port or a ticket")
			}
			return probe(cmd.Context(), target, dial, timeout)
		},
	}
	cmd.Flags().BoolVar(&dial, "dial", false, "also open a peer connection and wait for one heartbeat")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}

func probe(ctx context.Context, target string, dial bool, timeout time.Duration) error {
	addr, err := resolve(target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	rtt, err := healthz(addr, timeout)
	if err != nil {
		return fmt.Errorf("/healthz error: %w", err)
	}
	log.Printf("/healthz ok: addr=%s rtt=%s", addr, rtt)
	if !dial {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	lat, err := heartbeat(ctx, addr)
	if err != nil {
		return fmt.Errorf("peer dial error: %w", err)
	}
	log.Printf("peer ok: latency=%s", lat)
	return nil
}

// resolve accepts either an address or a join ticket.
func resolve(target string) (netip.AddrPort, error) {
	if addr, err := joincode.ParseAddress(target); err == nil {
		return addr, nil
	}
	addr, _, err := joincode.DecodeTicket(target)
	return addr, err
}

func healthz(addr netip.AddrPort, timeout time.Duration) (time.Duration, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://" + addr.String() + peer.HealthPath)
	req.Header.SetMethod(fasthttp.MethodGet)
	start := time.Now()
	if err := fasthttp.DoTimeout(req, resp, timeout); err != nil {
		return 0, err
	}
	if sc := resp.StatusCode(); sc != fasthttp.StatusOK {
		return 0, fmt.Errorf("status %d", sc)
	}
	return time.Since(start), nil
}

// heartbeat dials the peer endpoint and waits until a round trip has been measured.
// The host hands the connection to its broker, so this only works while hosting.
func heartbeat(ctx context.Context, addr netip.AddrPort) (time.Duration, error) {
	conn, err := peer.Dial(ctx, addr, peer.Config{HeartbeatInterval: 200 * time.Millisecond, HeartbeatTimeout: 2 * time.Second})
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if lat := conn.Latency(); lat > 0 {
			return lat, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-conn.Done():
			return 0, conn.Err()
		case <-t.C:
		}
	}
}
