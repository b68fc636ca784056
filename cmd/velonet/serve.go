package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/velonet/internal/network"
	"github.com/1ureka/velonet/internal/util"
)

const statsInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve ADDRESS...",
	Short: "Listen on the given addresses and echo every message back.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), args)
	},
}

func runServe(ctx context.Context, addrs []string) error {
	n := startNetwork(ctx)
	defer n.Close()

	for _, addr := range addrs {
		if _, err := n.Listen(addr); err != nil {
			return err
		}
	}
	util.StartStatsReporter(ctx, statsInterval)
	util.LogSuccess("serving as %s", n.Pid())

	for {
		p, err := n.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, network.ErrClosed) {
				return nil
			}
			return err
		}
		util.LogSuccess("participant %s connected over %s from %s", p.Pid().Short(), p.Kind(), p.RemoteAddr())
		go serveParticipant(ctx, p)
	}
}

func serveParticipant(ctx context.Context, p *network.Participant) {
	for {
		s, err := p.Opened(ctx)
		if err != nil {
			if ctx.Err() == nil {
				util.LogInfo("participant %s: %v", p.Pid().Short(), err)
			}
			return
		}
		util.LogDebug("participant %s: stream %d opened (prio %d, %s)", p.Pid().Short(), s.Sid(), s.Prio(), s.Promises())
		go echo(ctx, s)
	}
}

// echo sends every message received on s back on s.
func echo(ctx context.Context, s *network.Stream) {
	for {
		msg, err := s.Recv(ctx)
		if err != nil {
			return
		}
		if err := s.Send(msg); err != nil {
			util.LogWarning("stream %d: echo: %v", s.Sid(), err)
			return
		}
	}
}
