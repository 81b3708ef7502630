// Package sensorname looks up a sensor's vendor-assigned display name the
// first time the gateway proxy sees its id, by scraping the vendor's
// measurement-details page.
package sensorname

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("sensorname")

const (
	detailsURLTemplate = "https://measurements.mobile-alerts.eu/Home/MeasurementDetails?deviceid=%s&vendorid=9ac3a789-6f6a-47bf-8cf5-f076f532fe64&appbundle=eu.mobile_alerts.mobilealerts"
)

var nameElement = regexp.MustCompile(`<h3>(.*) [^ <]+</h3>`)

// Lookup fetches a sensor's display name from the vendor's measurement
// details page. A failed lookup never returns an error to callers that
// treat it as best-effort; Name logs the failure and returns "".
type Lookup struct {
	Client *http.Client
	Logger zerolog.Logger
}

func New(logger zerolog.Logger) *Lookup {
	return &Lookup{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		Logger: logger,
	}
}

// Name returns the sensor's vendor display name for the given 6-octet id,
// rendered as 12 uppercase hex characters, or "" if the lookup fails for
// any reason.
func (l *Lookup) Name(ctx context.Context, id [6]byte) string {
	ctx, span := tracer.Start(ctx, "sensorname.Name")
	defer span.End()

	url := fmt.Sprintf(detailsURLTemplate, fmt.Sprintf("%X", id[:]))
	name := l.nameFromURL(ctx, url)
	if name == "" {
		l.Logger.Warn().Str("sensor_id", fmt.Sprintf("%X", id[:])).Msg("sensor name lookup produced no name")
	}
	return name
}

// nameFromURL is Name's implementation, split out so tests can point it at
// a local server instead of the real vendor host.
func (l *Lookup) nameFromURL(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		l.Logger.Warn().Err(err).Msg("failed to build sensor name lookup request")
		return ""
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		l.Logger.Warn().Err(err).Msg("sensor name lookup failed")
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		l.Logger.Warn().Err(err).Msg("failed to read sensor name lookup response")
		return ""
	}

	match := nameElement.FindSubmatch(body)
	if match == nil {
		return ""
	}

	return string(match[1])
}
