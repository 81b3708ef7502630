package sensorname

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestNameExtractsFirstH3(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><h3>Kitchen Window AB12CD</h3></body></html>`))
	}))
	defer srv.Close()

	l := New(zerolog.Nop())
	l.Client = srv.Client()

	name := l.nameFromURL(context.Background(), srv.URL)
	is.Equal(name, "Kitchen Window")
}

func TestNameReturnsEmptyOnMissingElement(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>no match here</body></html>`))
	}))
	defer srv.Close()

	l := New(zerolog.Nop())
	l.Client = srv.Client()

	name := l.nameFromURL(context.Background(), srv.URL)
	is.Equal(name, "")
}

func TestNameReturnsEmptyOnRequestFailure(t *testing.T) {
	is := is.New(t)

	l := New(zerolog.Nop())
	name := l.nameFromURL(context.Background(), "http://127.0.0.1:1/unreachable")
	is.Equal(name, "")
}
