// Package gateway implements the gateway session state machine: discovery
// through attach/detach, ping-driven reattachment, and dispatch of decoded
// update payloads to the sensor registry and the caller's handler.
package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/mobilealerts/gateway-proxy/internal/pkg/control"
	"github.com/mobilealerts/gateway-proxy/internal/pkg/sensorname"
	"github.com/mobilealerts/gateway-proxy/internal/pkg/wire/gatewayconfig"
	"github.com/mobilealerts/gateway-proxy/pkg/handler"
	"github.com/mobilealerts/gateway-proxy/pkg/sensorframe"
)

var tracer = otel.Tracer("gateway")

// State is a gateway session's position in its attach/detach lifecycle.
type State int

const (
	Uninitialized State = iota
	Initialized
	Attached
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Attached:
		return "attached"
	default:
		return "unknown"
	}
}

var (
	// ErrNotInitialized is returned by any control call made before Init
	// succeeds.
	ErrNotInitialized = errors.New("gateway: session not initialized")
	// ErrMalformedUpdate is returned for an update payload whose size or
	// code the wire format does not recognize.
	ErrMalformedUpdate = errors.New("gateway: malformed update payload")
	// ErrOffline is returned by accessors that need a live gateway when the
	// gateway has stopped answering.
	ErrOffline = errors.New("gateway: gateway is offline")
)

// Session is one gateway's attach/detach state machine, sensor registry,
// and dispatch target for its update uploads.
type Session struct {
	mu sync.Mutex

	id     [6]byte
	client *control.Client
	lookup *sensorname.Lookup
	logger zerolog.Logger

	state   State
	online  bool
	cfg     *gatewayconfig.Config
	sensors map[[6]byte]*sensorframe.Sensor

	findTimeout  time.Duration
	findDeadline time.Duration

	proxyHost string
	proxyPort uint16
	handler   handler.Handler

	sendDataToCloud bool

	firmwareMajor, firmwareMinor int
	bootTime                     time.Time
}

// NewSession allocates an uninitialized session for the given gateway id.
func NewSession(id [6]byte, client *control.Client, lookup *sensorname.Lookup, logger zerolog.Logger) *Session {
	return &Session{
		id:              id,
		client:          client,
		lookup:          lookup,
		logger:          logger.With().Str("gateway_id", fmt.Sprintf("%X", id[:])).Logger(),
		sensors:         make(map[[6]byte]*sensorframe.Sensor),
		sendDataToCloud: true,
		findTimeout:     control.DefaultFindTimeout,
		findDeadline:    control.DefaultOverallDeadline,
	}
}

// ID returns the session's 6-octet gateway id.
func (s *Session) ID() [6]byte { return s.id }

// Serial reproduces the gateway's vendor-facing serial number: "80"
// followed by the uppercase hex of id octets 3..5.
func (s *Session) Serial() string {
	return fmt.Sprintf("80%X", s.id[3:6])
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init fetches the gateway's current configuration and transitions
// Uninitialized -> Initialized. A gateway that never replies before the
// deadline leaves the session uninitialized and offline; that is not an
// error.
func (s *Session) Init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "gateway.Init")
	defer span.End()

	cfg, err := s.client.Find(ctx, s.id, true, s.findTimeout, s.findDeadline)
	if err != nil {
		if errors.Is(err, control.ErrNoReply) {
			s.mu.Lock()
			s.online = false
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("init session %X: %w", s.id[:], err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.state = Initialized
	s.online = true
	return nil
}

// IsOnline reports whether the gateway answered the most recent control
// round trip or has uploaded since.
func (s *Session) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// IPAddress returns the gateway's effective IPv4 address: the DHCP-learned
// address when use-DHCP is set, the fixed address otherwise. An offline
// gateway has no reachable address.
func (s *Session) IPAddress() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return "", ErrNotInitialized
	}
	if !s.online {
		return "", ErrOffline
	}
	ip := s.cfg.FixedIP
	if s.cfg.UseDHCP {
		ip = s.cfg.DHCPIP
	}
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3]), nil
}

// URL returns the base URL a caller would use to reach this gateway
// directly, derived from IPAddress.
func (s *Session) URL() (string, error) {
	ip, err := s.IPAddress()
	if err != nil {
		return "", err
	}
	return "http://" + ip, nil
}

// Attach rewrites the gateway's outbound proxy to proxyHost:proxyPort,
// capturing its prior proxy settings (unless a captured set is already
// held) so Detach can restore them. It transitions Initialized -> Attached.
func (s *Session) Attach(ctx context.Context, proxyHost string, proxyPort uint16, h handler.Handler) error {
	ctx, span := tracer.Start(ctx, "gateway.Attach")
	defer span.End()

	s.mu.Lock()
	if s.state == Uninitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}

	if s.cfg.Preserved == nil {
		s.cfg.Preserved = &gatewayconfig.Preserved{
			UseProxy:  s.cfg.UseProxy,
			Proxy:     s.cfg.Proxy,
			ProxyPort: s.cfg.ProxyPort,
		}
	}
	s.cfg.UseProxy = true
	s.cfg.Proxy = proxyHost
	s.cfg.ProxyPort = proxyPort
	s.proxyHost = proxyHost
	s.proxyPort = proxyPort
	s.handler = h
	cfg := s.cfg
	s.mu.Unlock()

	if err := s.client.SetConfig(ctx, cfg); err != nil {
		return fmt.Errorf("attach session %X: %w", s.id[:], err)
	}

	s.mu.Lock()
	s.state = Attached
	s.mu.Unlock()
	return nil
}

// Detach restores the proxy settings captured at attach time and
// transitions Attached -> Initialized. It is a no-op if the session is not
// attached.
func (s *Session) Detach(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "gateway.Detach")
	defer span.End()

	s.mu.Lock()
	if s.state != Attached {
		s.mu.Unlock()
		return nil
	}
	if s.cfg.Preserved != nil {
		s.cfg.UseProxy = s.cfg.Preserved.UseProxy
		s.cfg.Proxy = s.cfg.Preserved.Proxy
		s.cfg.ProxyPort = s.cfg.Preserved.ProxyPort
		s.cfg.Preserved = nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	if err := s.client.SetConfig(ctx, cfg); err != nil {
		return fmt.Errorf("detach session %X: %w", s.id[:], err)
	}

	s.mu.Lock()
	s.state = Initialized
	s.mu.Unlock()
	return nil
}

// Reboot instructs the gateway to restart. With updateConfig true, the
// refreshed config the gateway may send back on its way up replaces the
// session's view. A reboot takes about ten seconds before the gateway
// answers again.
func (s *Session) Reboot(ctx context.Context, updateConfig bool) error {
	ctx, span := tracer.Start(ctx, "gateway.Reboot")
	defer span.End()

	s.mu.Lock()
	if s.state == Uninitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	s.mu.Unlock()

	timeout := time.Duration(0)
	if updateConfig {
		timeout = s.findDeadline
	}
	fresh, err := s.client.Reboot(ctx, s.id, timeout)
	if err != nil {
		return fmt.Errorf("reboot session %X: %w", s.id[:], err)
	}
	if updateConfig && fresh != nil {
		s.mu.Lock()
		s.cfg = fresh
		s.mu.Unlock()
	}
	return nil
}

// ResetConfig discards any captured proxy-preservation state without
// restoring it, re-initializing from a fresh GET_CONFIG. Intended for
// recovering a session whose gateway was reconfigured out of band.
func (s *Session) ResetConfig(ctx context.Context) error {
	s.mu.Lock()
	s.cfg = nil
	s.state = Uninitialized
	s.mu.Unlock()
	return s.Init(ctx)
}

// SetSendDataToCloud toggles whether accepted updates are relayed to the
// vendor cloud.
func (s *Session) SetSendDataToCloud(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendDataToCloud = enabled
}

// SendDataToCloud reports whether cloud relay is currently enabled.
func (s *Session) SendDataToCloud() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendDataToCloud
}

// PreservedProxy returns the gateway's original proxy endpoint captured at
// attach time, if any, for cloud relay.
func (s *Session) PreservedProxy() (host string, port uint16, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil || s.cfg.Preserved == nil || !s.cfg.Preserved.UseProxy {
		return "", 0, false
	}
	return s.cfg.Preserved.Proxy, s.cfg.Preserved.ProxyPort, true
}

// Ping fetches a fresh config, refreshes the session's DHCP/fixed-IP view,
// and re-issues Attach if the gateway's live proxy fields have drifted from
// this session's proxy endpoint while attached.
func (s *Session) Ping(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "gateway.Ping")
	defer span.End()

	fresh, err := s.client.Find(ctx, s.id, true, s.findTimeout, s.findDeadline)
	if err != nil {
		if errors.Is(err, control.ErrNoReply) {
			s.mu.Lock()
			s.online = false
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("ping session %X: %w", s.id[:], err)
	}

	s.mu.Lock()
	s.online = true
	if s.cfg != nil {
		s.cfg.UseDHCP = fresh.UseDHCP
		s.cfg.DHCPIP = fresh.DHCPIP
		s.cfg.FixedIP = fresh.FixedIP
		s.cfg.Netmask = fresh.Netmask
		s.cfg.Gateway = fresh.Gateway
	}
	needsReattach := s.state == Attached &&
		(!fresh.UseProxy || fresh.Proxy != s.proxyHost || fresh.ProxyPort != s.proxyPort)
	proxyHost, proxyPort, h := s.proxyHost, s.proxyPort, s.handler
	s.mu.Unlock()

	if needsReattach {
		s.logger.Warn().Msg("gateway proxy config drifted from attached session, re-attaching")
		return s.Attach(ctx, proxyHost, proxyPort, h)
	}
	return nil
}

// HandleUpdate dispatches one raw update payload from the HTTP ingress
// layer: "00" bootup notifications and "C0" sensor batches. Unknown codes
// are logged and dropped.
func (s *Session) HandleUpdate(ctx context.Context, code string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "gateway.HandleUpdate")
	defer span.End()

	s.mu.Lock()
	s.online = true
	s.mu.Unlock()

	switch code {
	case "00":
		return s.handleBootup(payload)
	case "C0":
		return s.handleSensorBatch(ctx, payload)
	default:
		s.logger.Warn().Str("code", code).Msg("dropping update with unrecognized code")
		return nil
	}
}

const bootupPayloadLength = 15

func (s *Session) handleBootup(payload []byte) error {
	if len(payload) != bootupPayloadLength {
		return fmt.Errorf("%w: bootup payload length %d", ErrMalformedUpdate, len(payload))
	}
	if !bytes.Equal(payload[5:11], s.id[:]) {
		s.logger.Warn().Msg("dropping bootup update for a different gateway id")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootTime = time.Unix(int64(binary.BigEndian.Uint32(payload[1:5])), 0)
	s.firmwareMajor = int(binary.BigEndian.Uint16(payload[11:13]))
	s.firmwareMinor = int(binary.BigEndian.Uint16(payload[13:15]))
	return nil
}

func (s *Session) handleSensorBatch(ctx context.Context, payload []byte) error {
	if rest := len(payload) % sensorframe.SubFrameSize; rest != 0 {
		s.logger.Warn().Int("bytes", rest).Msg("ignoring trailing bytes in sensor batch")
	}

	for offset := 0; offset+sensorframe.SubFrameSize <= len(payload); offset += sensorframe.SubFrameSize {
		record := payload[offset : offset+sensorframe.SubFrameSize]
		if !sensorframe.VerifyChecksum(record) {
			s.logger.Error().Msg("dropping sub-frame with checksum mismatch")
			continue
		}
		s.handleSubFrame(ctx, record[:sensorframe.PayloadSize])
	}
	return nil
}

func (s *Session) handleSubFrame(ctx context.Context, subFrame []byte) {
	id, err := sensorframe.SensorID(subFrame)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to extract sensor id from sub-frame")
		return
	}

	s.mu.Lock()
	sensor, exists := s.sensors[id]
	s.mu.Unlock()

	if !exists {
		created, err := sensorframe.NewSensor(id)
		if err != nil {
			s.logger.Error().Err(err).Str("sensor_id", fmt.Sprintf("%X", id[:])).Msg("dropping sub-frame from unknown sensor type")
			return
		}
		sensor = created

		if s.lookup != nil {
			sensor.Name = s.lookup.Name(ctx, id)
		}

		s.mu.Lock()
		s.sensors[id] = sensor
		h := s.handler
		s.mu.Unlock()

		if h != nil {
			h.OnSensorAdded(sensor)
		}
	}

	changed, err := sensor.Update(subFrame)
	if err != nil {
		s.logger.Error().Err(err).Str("sensor_id", fmt.Sprintf("%X", id[:])).Msg("failed to decode sub-frame")
		return
	}
	if !changed {
		return
	}

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnSensorUpdated(sensor)
	}
}

// Sensor returns the sensor registered under id, if any has been seen.
func (s *Session) Sensor(id [6]byte) (*sensorframe.Sensor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sensor, ok := s.sensors[id]
	return sensor, ok
}
