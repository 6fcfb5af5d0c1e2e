// Package main implements a reference signaling client: it wires the call
// state machine to a NATS-backed record store, the push-wake channel, and a
// local SQLite call history, then serves calls until interrupted. The media
// transport here is a placeholder; a real client plugs in its WebRTC stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nimblechat/callcore/history"
	"github.com/nimblechat/callcore/notify"
	"github.com/nimblechat/callcore/signaling"
	"github.com/nimblechat/callcore/store"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "client.yaml", "Path to configuration file")
	userID := flag.String("user", "", "Local user ID (overrides config)")
	name := flag.String("name", "", "Display name (overrides config)")
	flag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *name != "" {
		cfg.DisplayName = *name
	}
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "Error: user_id is required (config or -user)")
		os.Exit(1)
	}

	log.Logger = log.With().Str("user_id", cfg.UserID).Logger()
	log.Info().Str("version", Version).Msg("Signaling client starting")

	nc, err := connectNATS(cfg.NATS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	recordStore, err := store.NewNATSKV(nc, cfg.Bucket)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record store")
	}

	hist, err := history.Open(cfg.HistoryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open call history")
	}
	defer hist.Close()

	machine := signaling.NewMachine(signaling.Config{
		UserID:   cfg.UserID,
		Store:    recordStore,
		Notifier: notify.NewNATSDispatcher(nc, cfg.WakePrefix),
		Media:    &stubMedia{},
		Events:   &logEvents{},
		Reporter: signaling.NewTerminationReporter(cfg.UserID, hist),
	})
	defer machine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Every observed change also updates the local history snapshot.
	listener := signaling.NewListener(cfg.UserID, recordStore, func(rec *signaling.CallRecord) {
		if err := hist.SaveRecord(ctx, rec); err != nil {
			log.Warn().Err(err).Str("call_id", rec.ID).Msg("Failed to snapshot call record")
		}
		machine.HandleRecord(rec)
	})
	if err := listener.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start signaling listener")
	}
	defer listener.Stop()

	// Push wakes arrive out of band and trigger a reconciliation read.
	wakeSub, err := nc.Subscribe(notify.WakeSubject(cfg.WakePrefix, cfg.UserID), func(msg *nats.Msg) {
		payload, err := notify.DecodeWake(msg.Data)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed wake payload")
			return
		}
		log.Info().Str("call_id", payload.CallID).Msg("Push wake received")
		machine.HandleWake(ctx, payload.CallID)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to wake channel")
	}
	defer wakeSub.Unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

// connectNATS establishes the NATS connection with reconnect handlers.
func connectNATS(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("callcore-client"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// logEvents surfaces UI events to the log until a real presentation layer
// is attached.
type logEvents struct{}

func (logEvents) OnIncomingCall(rec *signaling.CallRecord) {
	log.Info().Str("call_id", rec.ID).Str("caller", rec.CallerName).Msg("EVENT incoming call")
}

func (logEvents) OnCallAnswered(rec *signaling.CallRecord) {
	log.Info().Str("call_id", rec.ID).Msg("EVENT call answered")
}

func (logEvents) OnCallEnded(rec *signaling.CallRecord, reason signaling.EndReason) {
	log.Info().Str("call_id", rec.ID).Str("reason", string(reason)).Msg("EVENT call ended")
}

func (logEvents) OnRemoteMediaAvailable(stream any) {
	log.Info().Msg("EVENT remote media available")
}

func (logEvents) OnCallTimeout(rec *signaling.CallRecord) {
	log.Info().Str("call_id", rec.ID).Msg("EVENT call timeout")
}

// stubMedia stands in for the WebRTC transport collaborator.
type stubMedia struct{}

func (*stubMedia) Acquire(ctx context.Context) error { return nil }
func (*stubMedia) SetSessionKey(key []byte)          {}
func (*stubMedia) SetMuted(muted bool)               {}
func (*stubMedia) Release()                          {}
