package router

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/farshidtz/senml/v2"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jzerfowski/fieldline-lsl/internal/pkg/application/relay"
)

// StatusSource exposes the relay's latest pushed sample for diagnostics.
type StatusSource interface {
	Snapshot() (relay.Snapshot, bool)
}

type Router interface {
	Start(port string) error
}

type routerStruct struct {
	router chi.Router
	source StatusSource
	log    zerolog.Logger
}

func SetupRouter(chiRouter chi.Router, source StatusSource, log zerolog.Logger) *routerStruct {
	r := &routerStruct{
		router: chiRouter,
		source: source,
		log:    log,
	}

	chiRouter.Use(middleware.Logger)
	chiRouter.Get("/health", r.health)
	chiRouter.Get("/status", r.status)

	return r
}

func (r *routerStruct) Start(port string) error {
	r.log.Info().Str("port", port).Msg("starting to listen for connections")
	return http.ListenAndServe(fmt.Sprintf(":%s", port), otelhttp.NewHandler(r.router, "fieldline-lsl"))
}

func (router *routerStruct) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// status renders the most recent scaled sample as a SenML pack, together
// with the push and drop counters.
func (router *routerStruct) status(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := router.source.Snapshot()
	if !ok {
		http.Error(w, "stream not established", http.StatusNotFound)
		return
	}

	pack := senml.Pack{
		senml.Record{
			BaseName:    snapshot.Info.SourceID + ":",
			BaseTime:    snapshot.Timestamp,
			Name:        "0",
			StringValue: snapshot.Info.Name,
		},
	}

	for i, desc := range snapshot.Info.Channels {
		if i >= len(snapshot.Sample) {
			break
		}
		v := snapshot.Sample[i]
		pack = append(pack, senml.Record{
			Name:  desc.Label,
			Value: &v,
			Unit:  desc.Unit,
		})
	}

	pushed := float64(snapshot.Pushed)
	dropped := float64(snapshot.Dropped)
	pack = append(pack,
		senml.Record{Name: "samples_pushed", Value: &pushed},
		senml.Record{Name: "samples_dropped", Value: &dropped},
	)

	b, err := json.Marshal(pack)
	if err != nil {
		router.log.Error().Err(err).Msg("failed to marshal status pack")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/senml+json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
