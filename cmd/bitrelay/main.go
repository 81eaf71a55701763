package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ducksandgoats/bitrelay/relay"
)

var rootCmd = &cobra.Command{
	Use:   "bitrelay",
	Short: "A WebRTC signaling relay for BitTorrent swarms, meshed over a Kademlia DHT",
	RunE:  runServer,
}

var (
	flagHost   string
	flagPort   int
	flagServer string
	flagDomain string
	flagHashes []string

	flagLimitServerConnections int
	flagLimitClientConnections int

	flagInit  bool
	flagRelay bool
	flagDev   bool
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagHost, "host", envOr("BITRELAY_HOST", ""), "bind host, half of this node's address (env: BITRELAY_HOST)")
	flags.IntVar(&flagPort, "port", 10509, "listen port")
	flags.StringVar(&flagServer, "server", "0.0.0.0", "listen interface")
	flags.StringVar(&flagDomain, "domain", envOr("BITRELAY_DOMAIN", ""), "public hostname advertised in session frames (env: BITRELAY_DOMAIN)")
	flags.StringSliceVar(&flagHashes, "hash", nil, "info-hash to serve; repeatable")

	flags.IntVar(&flagLimitServerConnections, "limit-server-connections", 0, "max relay peers per info-hash digest, 0 = unlimited")
	flags.IntVar(&flagLimitClientConnections, "limit-client-connections", 0, "max concurrent /signal clients, 0 = unlimited")

	flags.BoolVar(&flagInit, "init", true, "start listening immediately")
	flags.BoolVar(&flagRelay, "relay", false, "also join the DHT mesh")
	flags.BoolVar(&flagDev, "dev", false, "verbose console logging")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if flagDev {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if flagHost == "" {
		return fmt.Errorf("--host is required")
	}
	if len(flagHashes) == 0 {
		return fmt.Errorf("at least one --hash is required")
	}

	cfg := relay.Config{
		Host:   flagHost,
		Port:   flagPort,
		Server: flagServer,
		Domain: flagDomain,
		Hashes: normalizeHashes(flagHashes),
		Limit: relay.Limits{
			ServerConnections: flagLimitServerConnections,
			ClientConnections: flagLimitClientConnections,
		},
		Init:  flagInit,
		Relay: flagRelay,
		Dev:   flagDev,
	}

	var dht relay.DHTSource
	if flagRelay {
		dht = relay.NewMainlineDHT()
	}

	s, err := relay.NewServer(cfg, dht)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Bool("relay", cfg.Relay).Msg("bitrelay: started")
	<-ctx.Done()
	log.Info().Msg("bitrelay: shutting down")

	if err := s.Stop(); err != nil {
		log.Error().Err(err).Msg("bitrelay: shutdown error")
		return err
	}
	log.Info().Msg("bitrelay: shutdown complete")
	return nil
}

func normalizeHashes(hashes []string) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}
