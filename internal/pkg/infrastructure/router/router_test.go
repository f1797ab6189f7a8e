package router

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/farshidtz/senml/v2"
	"github.com/go-chi/chi"
	"github.com/matryer/is"
	"github.com/rs/zerolog/log"

	"github.com/jzerfowski/fieldline-lsl/domain"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/application/relay"
)

func TestThatHealthEndpointReturns204(t *testing.T) {
	is := is.New(t)

	r := newRouterForTesting(&staticSource{})
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	resp, _ := testRequest(is, ts, "GET", "/health", nil)

	is.Equal(resp.StatusCode, http.StatusNoContent) // health endpoint status code not ok
}

func TestThatStatusReturns404BeforeTheStreamIsEstablished(t *testing.T) {
	is := is.New(t)

	r := newRouterForTesting(&staticSource{})
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	resp, _ := testRequest(is, ts, "GET", "/status", nil)

	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestThatStatusReturnsASenMLPack(t *testing.T) {
	is := is.New(t)

	source := &staticSource{
		ok: true,
		snapshot: relay.Snapshot{
			Info: domain.StreamInfo{
				Name:     "FieldLineOPM",
				SourceID: "flopm-test",
				Channels: []domain.ChannelDescriptor{
					{Label: "00:00:50", Unit: "fT"},
					{Label: "00:01:0", Unit: "V"},
				},
			},
			Sample:    []float64{42.0, 0.5},
			Timestamp: 123.456,
			Pushed:    10,
			Dropped:   1,
		},
	}

	r := newRouterForTesting(source)
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	resp, body := testRequest(is, ts, "GET", "/status", nil)

	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(resp.Header.Get("Content-Type"), "application/senml+json")

	var pack senml.Pack
	err := json.Unmarshal([]byte(body), &pack)
	is.NoErr(err)

	is.Equal(len(pack), 5) // base record, two channels, two counters
	is.Equal(pack[0].BaseName, "flopm-test:")
	is.Equal(pack[1].Name, "00:00:50")
	is.Equal(*pack[1].Value, 42.0)
	is.Equal(pack[1].Unit, "fT")
}

type staticSource struct {
	snapshot relay.Snapshot
	ok       bool
}

func (s *staticSource) Snapshot() (relay.Snapshot, bool) {
	return s.snapshot, s.ok
}

func newRouterForTesting(source StatusSource) *routerStruct {
	r := chi.NewRouter()
	log := log.Logger

	return SetupRouter(r, source, log)
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body io.Reader) (*http.Response, string) {
	req, _ := http.NewRequest(method, ts.URL+path, body)
	resp, _ := http.DefaultClient.Do(req)
	respBody, _ := io.ReadAll(resp.Body)
	defer resp.Body.Close()

	return resp, string(respBody)
}
