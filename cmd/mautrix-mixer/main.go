// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-mixer is a Matrix application service that mirrors
// Mixer channel chat into Matrix rooms. Bridging is one-way: stream chat
// flows into Matrix, and Matrix-side messages in bridged rooms are
// reverted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-mixer/pkg/bridge"
	"github.com/aiku/mautrix-mixer/pkg/mixer"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath           = flag.String("c", "config.yaml", "path to the config file")
	registrationPath     = flag.String("r", "registration.yaml", "path to the appservice registration file")
	generateRegistration = flag.Bool("g", false, "generate the registration file from the config and exit")
)

func main() {
	flag.Parse()

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp}).
		With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		log = log.Level(level)
	}
	exzerolog.SetupDefaults(&log)

	if *generateRegistration {
		if err = writeRegistration(cfg, *registrationPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate registration")
		}
		log.Info().Str("path", *registrationPath).Msg("Registration written")
		return
	}

	reg, err := appservice.LoadRegistration(*registrationPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load registration")
	}

	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.Registration = reg
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err = as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		log.Fatal().Err(err).Msg("Invalid homeserver address")
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.AppService.Hostname,
		Port:     cfg.AppService.Port,
	}

	client := mixer.NewClient(cfg.Mixer.APIURL, cfg.Mixer.Token, cfg.Mixer.ClientID, log)
	br := bridge.New(cfg, bridge.NewMatrixAPI(as), client, log)
	as.QueryHandler = br.AppServiceQueryHandler()

	ep := appservice.NewEventProcessor(as)
	ep.On(event.StateMember, br.HandleMemberEvent)
	ep.On(event.EventMessage, br.HandleRoomMessage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting mautrix-mixer")

	if err = client.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate with Mixer")
	}

	go as.Start()
	go ep.Start(ctx)
	br.SyncOnStartup(ctx)
	log.Info().Msg("Bridge started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info().Msg("Shutting down")
	cancel()
	br.Stop()
	ep.Stop()
	as.Stop()
}

// writeRegistration builds the appservice registration from the config's
// namespaces and writes it with freshly generated tokens.
func writeRegistration(cfg *bridge.Config, path string) error {
	reg := appservice.CreateRegistration()
	reg.ID = "mixer"
	reg.URL = fmt.Sprintf("http://%s:%d", cfg.AppService.Hostname, cfg.AppService.Port)
	reg.SenderLocalpart = cfg.AppService.BotLocalpart
	reg.Namespaces.UserIDs.Register(regexp.MustCompile(fmt.Sprintf(
		"^@%s_.*:%s$", regexp.QuoteMeta(cfg.AppService.UserPrefix), regexp.QuoteMeta(cfg.Homeserver.Domain),
	)), true)
	reg.Namespaces.RoomAliases.Register(regexp.MustCompile(fmt.Sprintf(
		"^#%s_.*:%s$", regexp.QuoteMeta(cfg.AppService.AliasPrefix), regexp.QuoteMeta(cfg.Homeserver.Domain),
	)), true)
	return reg.Save(path)
}
