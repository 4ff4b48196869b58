package httpapi

import (
	"log/slog"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
)

// Deps carries the collaborators the server is wired with. Kafka, Router and
// Geocoder are optional; nil disables the corresponding feature.
type Deps struct {
	Store     storage.Store
	Accounts  accounts.Provider
	Vehicles  accounts.VehicleProvider
	Routes    accounts.RouteProvider
	Directory directory.Directory
	Payments  lifecycle.FareHolder
	Kafka     *ingest.KafkaProducer
	Router    routing.Router
	Geocoder  routing.Geocoder
}

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	rides    *lifecycle.Service
	dir      directory.Directory
	registry *registry.Registry
	channel  *dispatch.Channel
	accounts accounts.Provider
	kafka    *ingest.KafkaProducer
	router   routing.Router
	geocoder routing.Geocoder
	mux      *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, deps Deps) *Server {
	rides := lifecycle.New(deps.Store, deps.Accounts, deps.Vehicles, deps.Routes, logger)
	rides.Payments = deps.Payments
	rides.Currency = cfg.Currency

	reg := registry.New()
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		rides:    rides,
		dir:      deps.Directory,
		registry: reg,
		channel:  dispatch.NewChannel(reg, rides, deps.Accounts, logger),
		accounts: deps.Accounts,
		kafka:    deps.Kafka,
		router:   deps.Router,
		geocoder: deps.Geocoder,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides", s.handleListRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/drivers/nearest", s.handleNearestDrivers).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/fare", s.handleUpdateFare).Methods("PATCH")
	s.mux.HandleFunc("/api/v1/rides/{id}/start", s.handleStartRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/complete", s.handleCompleteRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/routes/preview", s.handleRoutePreview).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/offline", s.handleDriverOffline).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", handleHealthz).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}
