package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kanban-sync/internal/client"
)

func loadCmd() *cobra.Command {
	var (
		flags    clientFlags
		conns    int
		duration time.Duration
		maxFail  float64
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Hold many client sessions open and count the notifications they receive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if conns < 1 {
				return errors.New("connections must be at least 1")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()

			res := runLoad(ctx, flags, conns)
			fmt.Fprintf(cmd.OutOrStdout(), "connections=%d duration_sec=%d events_received=%d sessions=%d disconnects=%d\n",
				conns, int(duration.Seconds()), res.events, res.sessions, res.disconnects)
			if res.events == 0 {
				return errors.New("no events received")
			}
			if res.sessions > 0 && float64(res.disconnects)/float64(res.sessions) > maxFail {
				return fmt.Errorf("disconnect rate above %.2f", maxFail)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&conns, "connections", 200, "concurrent sessions")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Minute, "test length")
	cmd.Flags().Float64Var(&maxFail, "max-disconnect-rate", 0.01, "fail when more sessions than this drop")
	return cmd
}

type loadResult struct {
	events      uint64
	sessions    uint64
	disconnects uint64
}

func runLoad(ctx context.Context, flags clientFlags, conns int) loadResult {
	var res loadResult
	quiet := log.New()
	quiet.SetLevel(log.ErrorLevel)

	var wg sync.WaitGroup
	wg.Add(conns)
	for i := 0; i < conns; i++ {
		go func() {
			defer wg.Done()
			opts := flags.options()
			opts.Logger = quiet
			connected := false
			var mu sync.Mutex
			opts.OnChange = func(s client.Snapshot) {
				atomic.AddUint64(&res.events, 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case s.Connected && !connected:
					atomic.AddUint64(&res.sessions, 1)
				case !s.Connected && connected && ctx.Err() == nil:
					atomic.AddUint64(&res.disconnects, 1)
				}
				connected = s.Connected
			}
			_ = client.NewAgent(opts).Run(ctx)
		}()
	}
	wg.Wait()
	return loadResult{
		events:      atomic.LoadUint64(&res.events),
		sessions:    atomic.LoadUint64(&res.sessions),
		disconnects: atomic.LoadUint64(&res.disconnects),
	}
}
