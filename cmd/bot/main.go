package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hackworld.ai/internal/client"
	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/router"
)

// A scripted participant: a "shell" routine keeps one daemon alive, a
// "timer" routine relaunches sleep whenever it finishes, and every few
// seconds the bot lists its computer.
func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name  = flag.String("name", "bot", "client name")
		token = flag.String("resume", "", "resume token from an earlier session")
		every = flag.Duration("list_every", 5*time.Second, "how often to list processes")
	)
	flag.Parse()

	logger := logging.NewFromEnv().With(logging.String("bot", *name))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, *url, *name, *token, logger)
	dialCancel()
	if err != nil {
		logger.Error(ctx, "dial", logging.Err(err))
		os.Exit(1)
	}
	defer c.Close()

	wm := c.Welcome()
	logger.Info(ctx, "WELCOME",
		logging.String("identity", wm.Identity),
		logging.String("computer", wm.ComputerID),
		logging.String("resume_token", wm.ResumeToken),
		logging.Bool("resumed", wm.Resumed),
		logging.Int("tick_rate", wm.TickRateHz))

	c.Routine("shell", func(ctx context.Context, e router.Event) {
		switch m := e.(type) {
		case *protocol.LaunchAckMsg:
			logger.Info(ctx, "shell daemon up", logging.String("process", m.ProcessID.String()))
		case *protocol.UserInterruptedMsg:
			logger.Info(ctx, "shell daemon interrupted, relaunching", logging.String("process", m.ProcessID.String()))
			_ = c.Launch("shell", "/bin/daemon")
		}
	})
	c.Routine("timer", func(ctx context.Context, e router.Event) {
		if m, ok := e.(*protocol.LaunchAckMsg); ok {
			logger.Info(ctx, "timer started", logging.String("process", m.ProcessID.String()), logging.Uint64("tick", m.Tick))
		}
	})
	c.Handle(router.KindIs(protocol.TypeProcessList), func(ctx context.Context, e router.Event) {
		m := e.(*protocol.ProcessListMsg)
		timerAlive := false
		for _, p := range m.Processes {
			if p.Source == "/bin/sleep" {
				timerAlive = true
			}
		}
		logger.Info(ctx, "PROCESS_LIST", logging.Uint64("tick", m.Tick), logging.Int("processes", len(m.Processes)))
		if !timerAlive {
			_ = c.Launch("timer", "sleep")
		}
	})
	c.Handle(router.KindIs(protocol.TypeError), func(ctx context.Context, e router.Event) {
		m := e.(*protocol.ErrorMsg)
		logger.Warn(ctx, "ERROR", logging.String("code", m.Code), logging.String("message", m.Message))
	})

	if err := c.Launch("shell", "/bin/daemon"); err != nil {
		logger.Error(ctx, "launch", logging.Err(err))
		os.Exit(1)
	}

	go func() {
		t := time.NewTicker(*every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := c.List(); err != nil {
					logger.Warn(ctx, "list", logging.Err(err))
					cancel()
					return
				}
			}
		}
	}()

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Warn(ctx, "connection closed", logging.Err(err))
	}
}
