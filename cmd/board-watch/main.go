package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"fleetboard/client"
	"fleetboard/config"
	"fleetboard/realtime"
	"fleetboard/view"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	logger.SetOutput(os.Stderr)
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := view.Open(client.New(cfg.APIURL, cfg.Token), view.Config{
		BoardID:           cfg.BoardID,
		StreamURL:         cfg.StreamURL,
		Token:             cfg.Token,
		SeenEventsCap:     cfg.SeenEventsCap,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
		MoveTimeout:       cfg.MoveTimeout,
		Logger:            logger,
		OnChannelState: func(s realtime.State) {
			logger.WithField("state", s).Info("realtime channel")
		},
	})
	defer sess.Close()

	if err := sess.Load(ctx); err != nil {
		log.Fatalf("load: %v", err)
	}
	if err := sess.Subscribe(ctx); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	changes, unsubscribe := sess.Store().Subscribe()
	defer unsubscribe()
	go func() {
		for range changes {
			if err := render(os.Stdout, sess.Store()); err != nil {
				logger.WithError(err).Warn("render board")
			}
		}
	}()
	if err := render(os.Stdout, sess.Store()); err != nil {
		logger.WithError(err).Warn("render board")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	con := &console{sess: sess, out: os.Stdout}
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := con.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				logger.WithError(err).Warn("command failed")
			}
		}
	}
}
