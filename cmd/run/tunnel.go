package run

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/QTun/config"
	"github.com/Mmx233/QTun/edgediscovery"
	"github.com/Mmx233/QTun/origin"
	"github.com/Mmx233/QTun/quicktunnel"
	"github.com/Mmx233/QTun/transport"
	"github.com/Mmx233/QTun/tunnel"
	"github.com/Mmx233/QTun/tunnelrpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runTunnel(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "tunnel-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadTunnelConfig(configFile)
	if err != nil {
		return err
	}

	// Cancel on SIGINT/SIGTERM for a graceful transport close.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth, tunnelID, err := resolveCredentials(ctx, cfg)
	if err != nil {
		return err
	}

	edgeAddr, err := resolveEdgeAddr(ctx, cfg)
	if err != nil {
		return err
	}

	bridge, err := origin.New(origin.Config{
		URL:            cfg.Origin.URL,
		ConnectTimeout: cfg.Origin.ConnectTimeout,
		ReadTimeout:    cfg.Origin.ReadTimeout,
	}, log.Logger)
	if err != nil {
		return err
	}

	clientID, err := clientIDBytes(cfg.Client.ID)
	if err != nil {
		return err
	}

	logger.Info().Str("edge", edgeAddr).Msg("dialing edge")
	session, err := transport.Dial(ctx, transport.Config{
		EdgeAddr:   edgeAddr,
		QuicConfig: cfg.Quic.GetConfig(),
	}, log.Logger)
	if err != nil {
		return err
	}

	t := tunnel.New(tunnel.Config{
		Auth:     auth,
		TunnelID: tunnelID,
		Options: tunnelrpc.ConnectionOptions{
			ClientID:            clientID,
			Version:             cfg.Client.Version,
			Arch:                cfg.Client.Arch,
			ReplaceExisting:     cfg.Client.ReplaceExisting,
			CompressionQuality:  cfg.Client.CompressionQuality,
			NumPreviousAttempts: cfg.Client.NumPreviousAttempts,
		},
	}, session, session.Events(), bridge, log.Logger)

	if err := t.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("tunnel stopped")
	return nil
}

// resolveCredentials returns the registration identity, bootstrapping
// a quick tunnel when no static credentials are configured.
func resolveCredentials(ctx context.Context, cfg *config.Tunnel) (tunnelrpc.TunnelAuth, []byte, error) {
	if cfg.Credentials.IsQuickTunnel() {
		creds, err := quicktunnel.Request(ctx, cfg.Credentials.QuickServiceURL, cfg.Client.Version, log.Logger)
		if err != nil {
			return tunnelrpc.TunnelAuth{}, nil, err
		}
		log.Info().Str("hostname", creds.Hostname).Msg("quick tunnel hostname assigned")
		return tunnelrpc.TunnelAuth{
			AccountTag:   creds.AccountTag,
			TunnelSecret: creds.Secret,
		}, creds.TunnelID[:], nil
	}

	id, secret, err := cfg.Credentials.Decode()
	if err != nil {
		return tunnelrpc.TunnelAuth{}, nil, err
	}
	return tunnelrpc.TunnelAuth{
		AccountTag:   cfg.Credentials.AccountTag,
		TunnelSecret: secret,
	}, id[:], nil
}

// resolveEdgeAddr picks the edge endpoint, via DNS SRV discovery when
// enabled.
func resolveEdgeAddr(ctx context.Context, cfg *config.Tunnel) (string, error) {
	if !cfg.Edge.Discover {
		return net.JoinHostPort(cfg.Edge.Host, fmt.Sprintf("%d", cfg.Edge.Port)), nil
	}

	groups, err := edgediscovery.ResolveEdgeAddrs(ctx, cfg.Edge.Region, edgediscovery.IPVersionAuto, log.Logger)
	if err != nil {
		return "", err
	}
	addr := groups[0][0]
	log.Info().Str("addr", addr.String()).Msg("discovered edge address")
	return addr.String(), nil
}

func clientIDBytes(id string) ([]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse client id: %w", err)
	}
	return parsed[:], nil
}
