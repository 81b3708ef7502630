package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/rs/zerolog"

	"github.com/mobilealerts/gateway-proxy/internal/pkg/control"
	"github.com/mobilealerts/gateway-proxy/internal/pkg/gateway"
	"github.com/mobilealerts/gateway-proxy/internal/pkg/notify"
	"github.com/mobilealerts/gateway-proxy/internal/pkg/proxy"
	"github.com/mobilealerts/gateway-proxy/internal/pkg/sensorname"
)

const serviceName string = "mobilealerts-gateway-proxy"

var notificationConfigPath string

// main wires together the UDP control client, one gateway session per
// discovered gateway, the local HTTP proxy, and the optional notification
// fan-out, then attaches every discovered gateway and blocks until SIGINT or
// SIGTERM, after which the deferred Stop detaches every gateway.
// It is a demonstration entry point; a real deployment would likely replace
// the discover-and-attach-all policy with something operator-driven.
func main() {
	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	proxyBindAddr := env.GetVariableOrDefault(logger, "PROXY_BIND_ADDRESS", ":8080")
	controlBindAddr := env.GetVariableOrDefault(logger, "CONTROL_BIND_ADDRESS", ":0")
	proxyHost := env.GetVariableOrDefault(logger, "PROXY_HOST", mustOutboundIP(logger))
	relayToCloud := env.GetVariableOrDefault(logger, "RELAY_TO_CLOUD", "true") == "true"

	messenger := setupMessagingOrNil(serviceName, logger)
	notifyCfg := loadNotifyConfigOrNil(logger)
	sender, err := notify.New(notifyCfg, messenger, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build notification sender")
	}

	lookup := sensorname.New(logger)
	controlClient := control.NewClient(controlBindAddr, logger)

	p := proxy.New(logger)
	if err := p.Start(proxyBindAddr); err != nil {
		logger.Fatal().Err(err).Msg("failed to start local proxy listener")
	}
	defer p.Stop(ctx)

	_, proxyPortStr, err := net.SplitHostPort(p.Addr().String())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to determine bound proxy port")
	}
	proxyPort, err := parsePort(proxyPortStr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse bound proxy port")
	}

	logger.Info().Str("proxy_addr", p.Addr().String()).Msg("local proxy listening")

	// With GATEWAY_ID set, only that gateway is attached; otherwise every
	// gateway answering a discovery broadcast is.
	var gatewayIDs [][6]byte
	if idHex := env.GetVariableOrDefault(logger, "GATEWAY_ID", ""); idHex != "" {
		id, err := parseGatewayID(idHex)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid GATEWAY_ID")
		}
		gatewayIDs = append(gatewayIDs, id)
	} else {
		discovered, err := controlClient.Discover(ctx, control.DefaultDiscoverWindow)
		if err != nil {
			logger.Fatal().Err(err).Msg("gateway discovery failed")
		}
		logger.Info().Int("count", len(discovered)).Msg("gateways discovered")
		for _, cfg := range discovered {
			gatewayIDs = append(gatewayIDs, cfg.ID)
		}
	}

	for _, gwID := range gatewayIDs {
		session := gateway.NewSession(gwID, controlClient, lookup, logger)
		if err := session.Init(ctx); err != nil {
			logger.Error().Err(err).Str("gateway_id", fmt.Sprintf("%X", gwID[:])).Msg("failed to initialize gateway session")
			continue
		}
		if !session.IsOnline() {
			logger.Warn().Str("gateway_id", fmt.Sprintf("%X", gwID[:])).Msg("gateway went offline before initialization")
			continue
		}
		session.SetSendDataToCloud(relayToCloud)

		if err := session.Attach(ctx, proxyHost, proxyPort, sender); err != nil {
			logger.Error().Err(err).Str("gateway_id", fmt.Sprintf("%X", gwID[:])).Msg("failed to attach gateway")
			continue
		}
		p.Register(session)
		logger.Info().Str("gateway_id", fmt.Sprintf("%X", gwID[:])).Msg("gateway attached")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down, detaching gateways")
}

func setupMessagingOrNil(serviceName string, logger zerolog.Logger) messaging.MsgContext {
	if os.Getenv("RABBITMQ_HOST") == "" {
		logger.Info().Msg("no message broker configured, notifications limited to cloud events")
		return nil
	}

	config := messaging.LoadConfiguration(serviceName, logger)
	messenger, err := messaging.Initialize(config)
	if err != nil {
		logger.Error().Err(err).Msg("failed to init messenger, notifications limited to cloud events")
		return nil
	}
	return messenger
}

func loadNotifyConfigOrNil(logger zerolog.Logger) *notify.Config {
	notificationConfigPath = env.GetVariableOrDefault(logger, "NOTIFICATIONS_CONFIG_PATH", "/opt/mobilealerts/config/notifications.yaml")

	f, err := os.Open(notificationConfigPath)
	if err != nil {
		logger.Info().Str("path", notificationConfigPath).Msg("no notification subscriber configuration found")
		return nil
	}
	defer f.Close()

	cfg, err := notify.LoadConfiguration(f)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse notification subscriber configuration")
	}
	return cfg
}

func mustOutboundIP(logger zerolog.Logger) string {
	conn, err := net.DialTimeout("udp4", "8.8.8.8:80", 2*time.Second)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to determine outbound address, defaulting to loopback")
		return "127.0.0.1"
	}
	defer conn.Close()
	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	return host
}

func parseGatewayID(s string) ([6]byte, error) {
	var id [6]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("gateway id must be %d octets, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func parsePort(s string) (uint16, error) {
	var port uint16
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}
