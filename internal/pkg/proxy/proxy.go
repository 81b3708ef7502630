// Package proxy implements the local HTTP proxy: it accepts gateway PUT
// uploads, identifies the originating gateway, emits the synthetic
// acknowledgement gateway firmware requires, dispatches the payload to the
// matching gateway session, and relays the unchanged request to the vendor
// cloud.
package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/mobilealerts/gateway-proxy/internal/pkg/gateway"
	"github.com/mobilealerts/gateway-proxy/internal/pkg/infrastructure/router"
)

var tracer = otel.Tracer("proxy")

// ackMagic is the fixed sentinel gateway firmware expects as the fifth
// 32-bit field of the synthetic acknowledgement.
const ackMagic = 0x1761D480

// Proxy is a local HTTP listener fronting a set of attached gateway
// sessions.
type Proxy struct {
	mu       sync.RWMutex
	sessions map[[6]byte]*gateway.Session

	httpClient *http.Client
	logger     zerolog.Logger
	listener   net.Listener
	server     *http.Server
}

// New builds a Proxy. Start binds its listener.
func New(logger zerolog.Logger) *Proxy {
	return &Proxy{
		sessions: make(map[[6]byte]*gateway.Session),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Register adds a session to the proxy's routing table, keyed by gateway
// id.
func (p *Proxy) Register(session *gateway.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[session.ID()] = session
}

// Unregister removes a session from the routing table.
func (p *Proxy) Unregister(id [6]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, id)
}

// Start binds a TCP listener on addr (host:port, port 0 for an ephemeral
// port) and begins serving in the background. Addr reports the actually
// chosen address.
func (p *Proxy) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	p.listener = ln

	// All methods route to the upload handler: gateway firmware expects the
	// synthetic ack even on requests the proxy will not process. The health
	// route is the one exception, for liveness probes.
	r := router.New("mobilealerts-proxy")
	r.Get("/health", NewHealthHandler(p.logger))
	r.HandleFunc("/*", p.handleUpload)

	p.server = &http.Server{Handler: r}
	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error().Err(err).Msg("proxy listener stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the listener's bound address.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop detaches every attached session (restoring their original proxy
// config) and closes the listener.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.RLock()
	sessions := make([]*gateway.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Detach(ctx); err != nil {
			p.logger.Error().Err(err).Msg("failed to detach gateway during shutdown")
		}
	}

	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}

// NewHealthHandler answers liveness probes.
func NewHealthHandler(log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// identify is the parsed form of the HTTP_IDENTIFY header:
// "serial:gatewayId:code". Only gatewayId and code are used.
type identify struct {
	gatewayID [6]byte
	code      string
}

func parseIdentify(header string) (identify, bool) {
	parts := strings.Split(header, ":")
	if len(parts) != 3 {
		return identify{}, false
	}
	raw, err := hex.DecodeString(parts[1])
	if err != nil || len(raw) != 6 {
		return identify{}, false
	}
	var id [6]byte
	copy(id[:], raw)
	return identify{gatewayID: id, code: parts[2]}, true
}

func (p *Proxy) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "proxy.handleUpload")
	defer span.End()

	requestID := uuid.NewString()
	log := p.logger.With().Str("request_id", requestID).Logger()

	writeSyntheticAck(w)

	if r.Method != http.MethodPut {
		log.Error().Str("method", r.Method).Msg("ignoring non-PUT request")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
		log.Error().Str("content_type", ct).Msg("ignoring upload with unexpected content type")
		return
	}

	contentLength, err := strconv.Atoi(r.Header.Get("Content-Length"))
	if err != nil {
		log.Error().Err(err).Msg("missing or invalid Content-Length")
		return
	}

	id, code, ok := p.parseIdentifyHeader(log, r)
	if !ok {
		return
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r.Body, body); err != nil {
		log.Error().Err(err).Msg("failed to read upload body")
		return
	}

	p.mu.RLock()
	session, ok := p.sessions[id]
	p.mu.RUnlock()
	if !ok {
		log.Error().Str("gateway_id", fmt.Sprintf("%X", id[:])).Msg("upload from unregistered gateway")
		return
	}

	if err := session.HandleUpdate(ctx, code, body); err != nil {
		log.Error().Err(err).Msg("failed to handle gateway update")
	}

	if session.SendDataToCloud() {
		p.relayToCloud(ctx, session, r, body)
	}
}

func (p *Proxy) parseIdentifyHeader(log zerolog.Logger, r *http.Request) (id [6]byte, code string, ok bool) {
	header := r.Header.Get("HTTP_IDENTIFY")
	parsed, ok := parseIdentify(header)
	if !ok {
		log.Error().Str("header", header).Msg("malformed HTTP_IDENTIFY header")
		return id, "", false
	}
	return parsed.gatewayID, parsed.code, true
}

// writeSyntheticAck writes the fixed 24-octet response gateway firmware
// requires: six big-endian uint32 fields (1, 0, now, 1, ackMagic, 1).
func writeSyntheticAck(w http.ResponseWriter) {
	body := make([]byte, 24)
	binary.BigEndian.PutUint32(body[0:4], 1)
	binary.BigEndian.PutUint32(body[4:8], 0)
	binary.BigEndian.PutUint32(body[8:12], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint32(body[12:16], 1)
	binary.BigEndian.PutUint32(body[16:20], ackMagic)
	binary.BigEndian.PutUint32(body[20:24], 1)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", "24")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// relayToCloud forwards the request unchanged to the vendor cloud, through
// the gateway's preserved original proxy if one was captured. Failures are
// logged and never surfaced to the gateway.
func (p *Proxy) relayToCloud(ctx context.Context, session *gateway.Session, r *http.Request, body []byte) {
	ctx, span := tracer.Start(ctx, "proxy.relayToCloud")
	defer span.End()

	// A gateway configured to use this proxy sends absolute-form request
	// targets, so r.URL already carries the cloud host; origin-form requests
	// fall back to the Host header.
	target := *r.URL
	if !target.IsAbs() {
		target.Scheme = "http"
		target.Host = r.Host
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(body))
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to build cloud relay request")
		return
	}
	req.Header = r.Header.Clone()

	client := p.httpClient
	if host, port, ok := session.PreservedProxy(); ok {
		proxyURL := fmt.Sprintf("http://%s:%d", host, port)
		transport := otelhttp.NewTransport(&http.Transport{
			Proxy: http.ProxyURL(mustParseURL(proxyURL)),
		})
		client = &http.Client{Transport: transport}
	}

	resp, err := client.Do(req)
	if err != nil {
		p.logger.Error().Err(err).Msg("cloud relay failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}
