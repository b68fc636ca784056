package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/util"
)

var (
	sendPrio     uint8
	sendPromises string
	sendCount    int
	sendMessage  string
	sendFile     string
	sendTimeout  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send ADDRESS",
	Short: "Connect, send a message or file, and wait for the echoes.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(cmd.Context(), args[0])
	},
}

func init() {
	f := sendCmd.Flags()
	f.Uint8Var(&sendPrio, "prio", 0, "stream priority, 0 is the most favoured")
	f.StringVar(&sendPromises, "promises", "ordered", "comma separated: ordered, consistency, guaranteed, compressed, encrypted")
	f.IntVarP(&sendCount, "count", "n", 1, "how many times to send the payload")
	f.StringVarP(&sendMessage, "message", "m", "hello velonet", "payload to send")
	f.StringVarP(&sendFile, "file", "f", "", "send the contents of this file instead of --message")
	f.DurationVar(&sendTimeout, "timeout", 30*time.Second, "give up after this long")
}

func runSend(ctx context.Context, addr string) error {
	promises, err := protocol.ParsePromises(sendPromises)
	if err != nil {
		return err
	}
	if sendCount < 1 {
		return errors.New("--count must be at least 1")
	}
	payload := []byte(sendMessage)
	if sendFile != "" {
		if payload, err = os.ReadFile(sendFile); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	n := startNetwork(ctx)
	defer n.Close()

	p, err := n.Connect(ctx, addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	util.LogSuccess("connected to %s", p.Pid())

	s, err := p.OpenStream(protocol.Prio(sendPrio), promises)
	if err != nil {
		return err
	}

	start := time.Now()
	for range sendCount {
		if err := s.Send(payload); err != nil {
			return err
		}
	}
	for i := range sendCount {
		got, err := s.Recv(ctx)
		if err != nil {
			return fmt.Errorf("echo %d of %d: %w", i+1, sendCount, err)
		}
		if !bytes.Equal(got, payload) {
			return fmt.Errorf("echo %d of %d differs from what was sent", i+1, sendCount)
		}
	}
	elapsed := time.Since(start)

	total := float64(len(payload) * sendCount)
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Messages", "Payload", "Round trip", "Throughput"},
		{
			fmt.Sprint(sendCount),
			util.FormatBytes(float64(len(payload))),
			elapsed.Round(time.Microsecond).String(),
			util.FormatBytes(2*total/elapsed.Seconds()) + "/s",
		},
	}).Render()

	return p.Disconnect(ctx)
}
