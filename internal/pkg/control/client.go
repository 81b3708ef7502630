// Package control implements the gateway's broadcast-UDP control protocol:
// discover, find, get-config, set-config and reboot.
package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sys/unix"

	"github.com/mobilealerts/gateway-proxy/internal/pkg/wire/gatewayconfig"
)

// Port is the UDP port all gateway control traffic uses.
const Port = 8003

// BroadcastAddress is the destination every control command is sent to;
// gateways reply from their own unicast address.
const BroadcastAddress = "255.255.255.255"

// Command identifies a control-frame operation.
type Command uint16

const (
	CmdDiscover  Command = 1
	CmdFind      Command = 2
	CmdGetConfig Command = 3
	CmdSetConfig Command = 4
	CmdReboot    Command = 5
)

// Default command timings.
const (
	DefaultFindTimeout     = 5 * time.Second
	DefaultOverallDeadline = 30 * time.Second
	DefaultDiscoverWindow  = 10 * time.Second
	discoverReadTimeout    = 1 * time.Second
)

// ErrNoReply marks a gateway that never answered before the overall
// deadline. Callers classify the gateway as offline rather than treating
// this as a failure.
var ErrNoReply = errors.New("control: no reply before deadline")

// Client sends broadcast control commands and collects gateway replies. It
// opens one UDP socket per call and always closes it on return.
type Client struct {
	// LocalAddr is the local UDP address to bind (host:port, port 0 for
	// an ephemeral port).
	LocalAddr string
	// Broadcast overrides BroadcastAddress:Port; used in tests to target
	// a loopback listener instead of the real network broadcast address.
	Broadcast string
	Logger    zerolog.Logger
}

func NewClient(localAddr string, logger zerolog.Logger) *Client {
	return &Client{LocalAddr: localAddr, Logger: logger}
}

func (c *Client) broadcastAddr() string {
	if c.Broadcast != "" {
		return c.Broadcast
	}
	return fmt.Sprintf("%s:%d", BroadcastAddress, Port)
}

// openSocket binds a UDP socket with SO_REUSEADDR and SO_BROADCAST set.
func (c *Client) openSocket(ctx context.Context) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var sockErr error
			err := rc.Control(func(fd uintptr) {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", c.LocalAddr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// commandFrame builds the 10-octet control command frame: big-endian
// command, 6-octet target id (zero for discover), big-endian length 10.
func commandFrame(cmd Command, id [6]byte) []byte {
	frame := make([]byte, 10)
	binary.BigEndian.PutUint16(frame[0:2], uint16(cmd))
	copy(frame[2:8], id[:])
	binary.BigEndian.PutUint16(frame[8:10], 10)
	return frame
}

func (c *Client) send(conn *net.UDPConn, dst *net.UDPAddr, cmd Command, id [6]byte) error {
	_, err := conn.WriteToUDP(commandFrame(cmd, id), dst)
	return err
}

func (c *Client) resolveDestination() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", c.broadcastAddr())
}

// Discover broadcasts a DISCOVER command and collects every distinct
// gateway's config reply arriving within window, breaking early once a
// discoverReadTimeout read produces no further replies.
func (c *Client) Discover(ctx context.Context, window time.Duration) ([]*gatewayconfig.Config, error) {
	conn, err := c.openSocket(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dst, err := c.resolveDestination()
	if err != nil {
		return nil, err
	}
	if err := c.send(conn, dst, CmdDiscover, [6]byte{}); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(window)
	var found []*gatewayconfig.Config
	buf := make([]byte, 512)
	for {
		readDeadline := deadline
		if until := time.Now().Add(discoverReadTimeout); until.Before(readDeadline) {
			readDeadline = until
		}
		if err := conn.SetReadDeadline(readDeadline); err != nil {
			return nil, err
		}

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return nil, err
		}
		if n != gatewayconfig.RecordLength {
			continue
		}
		cfg, err := gatewayconfig.Parse(buf[:n], nil)
		if err != nil {
			c.Logger.Warn().Err(err).Msg("discarding malformed discover reply")
			continue
		}
		found = append(found, cfg)

		if time.Now().After(deadline) {
			break
		}
	}

	return lo.UniqBy(found, func(cfg *gatewayconfig.Config) [6]byte { return cfg.ID }), nil
}

// Find sends a directed FIND (or, with getConfig true, GET_CONFIG) command
// to id and returns its single config reply, retrying on read timeouts until
// overallDeadline elapses. Other socket errors are returned without retry.
func (c *Client) Find(ctx context.Context, id [6]byte, getConfig bool, perAttempt, overallDeadline time.Duration) (*gatewayconfig.Config, error) {
	cmd := CmdFind
	if getConfig {
		cmd = CmdGetConfig
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = time.Second
	expo.MaxElapsedTime = overallDeadline
	bo := backoff.WithContext(expo, ctx)

	// Only timeouts are retried; other socket errors propagate to the
	// caller unchanged.
	var cfg *gatewayconfig.Config
	op := func() error {
		reply, err := c.findOnce(ctx, id, cmd, perAttempt)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return err
			}
			return backoff.Permanent(err)
		}
		cfg = reply
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %w", ErrNoReply, err)
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Client) findOnce(ctx context.Context, id [6]byte, cmd Command, timeout time.Duration) (*gatewayconfig.Config, error) {
	conn, err := c.openSocket(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dst, err := c.resolveDestination()
	if err != nil {
		return nil, err
	}
	if err := c.send(conn, dst, cmd, id); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if n != gatewayconfig.RecordLength {
			continue
		}
		cfg, err := gatewayconfig.Parse(buf[:n], &id)
		if err != nil {
			continue
		}
		return cfg, nil
	}
}

// SetConfig pushes an edited config back to its gateway. No reply is
// expected.
func (c *Client) SetConfig(ctx context.Context, cfg *gatewayconfig.Config) error {
	cfg.Command = uint16(CmdSetConfig)
	payload, err := cfg.Serialize()
	if err != nil {
		return err
	}

	conn, err := c.openSocket(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	dst, err := c.resolveDestination()
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(payload, dst)
	return err
}

// Reboot instructs a gateway to reboot. A refreshed config may follow; it is
// read best-effort and a timeout is not an error. A non-positive timeout
// skips waiting for it entirely.
func (c *Client) Reboot(ctx context.Context, id [6]byte, timeout time.Duration) (*gatewayconfig.Config, error) {
	conn, err := c.openSocket(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dst, err := c.resolveDestination()
	if err != nil {
		return nil, err
	}
	if err := c.send(conn, dst, CmdReboot, id); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	if n != gatewayconfig.RecordLength {
		return nil, nil
	}
	return gatewayconfig.Parse(buf[:n], &id)
}
