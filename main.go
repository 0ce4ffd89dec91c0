package main

import (
	"context"
	"crypto/rand"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/CodedInternet/simpos/comms"
	"github.com/CodedInternet/simpos/onboard"
)

type EnvConfig struct {
	JWT_ISSUER string `env:"SIMPOS_JWT_ISSUER" envDefault:"DEV"`
	JWT_SECRET string `env:"SIMPOS_JWT_SECRET"`
	DEBUG      bool   `env:"DEBUG" envDefault:"false"`
	LOG_LEVEL  string `env:"SIMPOS_LOG_LEVEL" envDefault:"info"`
	CONFIG     string `env:"SIMPOS_CONFIG" envDefault:"./simpos.yaml"`
	DBFILE     string `env:"SIMPOS_DB" envDefault:"./tmp/dev.db"`
	HTMLDIR    string `env:"HTMLDIR" envDefault:"./frontend/dist/"`
	DB         *storm.DB
	Device     onboard.Device
	Conductor  *comms.Conductor
	Simulated  bool

	jwtSecret []byte
}

var (
	ENV *EnvConfig
)

func init() {
	ENV = new(EnvConfig)
	if err := env.Parse(ENV); err != nil {
		panic(err)
	}

	if ENV.JWT_SECRET != "" {
		ENV.jwtSecret = []byte(ENV.JWT_SECRET)
	} else {
		// tokens will not survive a restart
		ENV.jwtSecret = make([]byte, 32)
		if _, err := rand.Read(ENV.jwtSecret); err != nil {
			panic(err)
		}
	}
}

func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	level, err := zerolog.ParseLevel(ENV.LOG_LEVEL)
	if err != nil {
		log.Warn().Str("level", ENV.LOG_LEVEL).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	if ENV.DEBUG && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	simulated := flag.Bool("sim", false, "Run against a simulated motor controller")
	port := flag.String("port", "", "Serial port to connect to on start")
	listen := flag.String("listen", "0.0.0.0:8080", "Specify the ip:port to listen on")
	noShell := flag.Bool("noshell", false, "Do not start the development shell")
	flag.Parse()

	setupLogging()

	if ENV.JWT_SECRET == "" {
		log.Warn().Msg("SIMPOS_JWT_SECRET not set, using a random signing key")
	}

	db, err := openDb(ENV.DBFILE)
	if err != nil {
		log.Fatal().Err(err).Str("path", ENV.DBFILE).Msg("unable to open database")
	}
	ENV.DB = db
	defer ENV.DB.Close()

	config, err := onboard.LoadConfig(ENV.CONFIG)
	if err != nil {
		log.Fatal().Err(err).Str("path", ENV.CONFIG).Msg("unable to load config")
	}

	device := onboard.NewMotorDevice(config, *simulated)
	defer device.Close()

	ENV.Simulated = *simulated
	ENV.Device = device
	ENV.Conductor = comms.NewConductor(device)

	if *port != "" || *simulated {
		if err := device.Connect(*port); err != nil {
			log.Error().Err(err).Msg("initial connect failed, use the shell or the API to retry")
		}
	}

	if !*noShell {
		go newShell().Start()
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: newRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdown)
	}()

	log.Info().Str("addr", *listen).Bool("simulated", *simulated).Msg("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("http server failed")
	}
}

func newRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", Login)

		r.Group(func(r chi.Router) {
			r.Use(ValidateJWT)
			r.Get("/refresh_token", RefreshToken)
		})

		r.Group(func(r chi.Router) {
			authenticated(r)
			r.Get("/ports", ListPorts)
			r.Route("/device", deviceRoutes)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		authenticated(r)
		r.Get("/telemetry", TelemetryStream)
	})

	if ENV.DEBUG {
		log.Warn().Msg("Running in debug mode. Authentication disabled.")
	}

	FileServer(r, "/", http.Dir(ENV.HTMLDIR))
	return r
}

func openDb(dbFile string) (db *storm.DB, err error) {
	dir := filepath.Dir(dbFile)
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		if err = os.MkdirAll(dir, 0755); err != nil {
			return
		}
	}

	db, err = storm.Open(dbFile)
	if err != nil {
		return
	}

	// call inits for each type
	if err := db.Init(&Operator{}); err != nil {
		db.Close()
		return nil, err
	}

	return
}

// FileServer conveniently sets up a http.FileServer handler to serve
// static files from a http.FileSystem.
func FileServer(r chi.Router, path string, root http.FileSystem) {
	if strings.ContainsAny(path, "{}*") {
		panic("FileServer does not permit URL parameters.")
	}

	fs := http.StripPrefix(path, http.FileServer(root))

	if path != "/" && path[len(path)-1] != '/' {
		r.Get(path, http.RedirectHandler(path+"/", 301).ServeHTTP)
		path += "/"
	}
	path += "*"

	r.Get(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.ServeHTTP(w, r)
	}))
}
