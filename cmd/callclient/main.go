package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	client "github.com/harshabose/simple_webrtc_comm/callclient"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/control"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/mediasource"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling/firestore"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling/memory"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling/mongo"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON client config")
	identity := flag.String("identity", "", "local identity, overrides the config")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	config, err := client.LoadConfig(*configPath)
	if err != nil {
		l.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *identity != "" {
		config.Identity = *identity
	}
	if config.Identity == "" {
		l.Fatal().Msg("An identity is required (-identity or CALLCLIENT_IDENTITY)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, config.Store, l)
	if err != nil {
		l.Fatal().Err(err).Str("backend", string(config.Store.Backend)).Msg("Failed to open signaling store")
	}

	capturer, err := newCapturer(config.Capture, l)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to prepare capture")
	}

	rtcConfig, err := config.RTCConfiguration()
	if err != nil {
		l.Fatal().Err(err).Msg("Invalid ICE servers")
	}

	options := append([]client.ClientOption{
		client.WithLogger(l),
		client.WithStore(store),
		client.WithCapturer(capturer),
		client.WithRTCConfiguration(rtcConfig),
	}, config.ToOptions()...)

	c, err := client.NewClient(ctx, nil, nil, nil, options...)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to create client")
	}

	hub := control.NewHub(l)
	control.Forward(c, hub)
	go hub.Run()

	if err := c.Start(config.Identity); err != nil {
		l.Fatal().Err(err).Msg("Failed to start client")
	}

	h := control.NewHandler(c, hub, l)
	srv := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		l.Info().Str("addr", config.ListenAddr).Str("identity", config.Identity).Msg("Starting control server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	if err := c.Close(); err != nil {
		l.Error().Err(err).Msg("Failed to close client")
	}
	hub.Stop()

	if err := store.Close(); err != nil {
		l.Error().Err(err).Msg("Failed to close signaling store")
	}
	l.Info().Msg("Exited")
}

func openStore(ctx context.Context, config client.StoreConfig, l zerolog.Logger) (signaling.Store, error) {
	switch config.Backend {
	case client.StoreFirestore:
		credentials, projectID, err := firestore.CredentialsFromEnv()
		if err != nil {
			return nil, err
		}
		if config.FirestoreProject != "" {
			projectID = config.FirestoreProject
		}
		return firestore.NewStore(ctx, projectID, credentials, firestore.WithLogger(l))

	case client.StoreMongo:
		return mongo.Connect(ctx, config.MongoURI, mongo.WithLogger(l), mongo.WithCollection(config.MongoDatabase, config.MongoCollection))

	default:
		l.Warn().Msg("Using the in-process store, calls only reach clients in this process")
		return memory.NewStore(), nil
	}
}

func newCapturer(kind client.CaptureKind, l zerolog.Logger) (mediasource.Capturer, error) {
	if kind == client.CaptureSample {
		return mediasource.NewSampleCapturer(), nil
	}
	return mediasource.NewDeviceCapturer(l)
}
