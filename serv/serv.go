package serv

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ferbos/haquery/core"
	"github.com/ferbos/haquery/serv/internal/util"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version string

const (
	serverName = "HAQuery"
	defaultHP  = "0.0.0.0:8080"
)

// Service wires the gateway core to the HTTP/WebSocket surface.
type Service struct {
	conf *Config
	zlog *zap.Logger
	log  *zap.SugaredLogger

	exec      *core.Executor
	gateway   *core.Gateway
	limiter   *rateLimiter
	registry  *methodRegistry
	forwarder *upstreamForwarder
	hub       *notifyHub
	watcher   *dbWatcher
	sup       *supervisorClient

	srv *http.Server
}

// NewService builds a service from the configuration. The database is
// opened (or created) here so startup fails fast on a bad path.
func NewService(conf *Config) (*Service, error) {
	zlog := util.NewLogger(conf.ShouldUseJSONLogs(), conf.LogLevel)
	s := &Service{conf: conf, zlog: zlog, log: zlog.Sugar()}

	if err := s.initConfig(); err != nil {
		return nil, err
	}
	if err := s.initDB(); err != nil {
		return nil, err
	}
	s.initPolicy()
	s.initBridge()
	s.initNotify()
	return s, nil
}

// initConfig normalizes the host and port settings
func (s *Service) initConfig() error {
	hp := strings.SplitN(s.conf.HostPort, ":", 2)

	if len(hp) == 2 {
		if s.conf.Host != "" {
			hp[0] = s.conf.Host
		}
		if s.conf.Port != "" {
			hp[1] = s.conf.Port
		}
		s.conf.hostPort = fmt.Sprintf("%s:%s", hp[0], hp[1])
	}

	if s.conf.hostPort == "" {
		s.conf.hostPort = defaultHP
	}
	return nil
}

// initDB locates and opens the recorder database, falling back to a
// seeded throwaway database when discovery fails and that is allowed.
func (s *Service) initDB() error {
	path, found := core.LocateDatabase(s.conf.Database.Path)
	if !found {
		if !s.conf.Database.CreateTestDB {
			return fmt.Errorf("no database found at %q or any well-known location", s.conf.Database.Path)
		}
		s.log.Warnf("no recorder database found, creating a test database")
		p, err := core.CreateTestDatabase(s.log)
		if err != nil {
			return err
		}
		path = p
	}

	db, err := core.OpenDB(path, s.log)
	if err != nil {
		return err
	}

	s.exec = core.NewExecutor(db, path)
	s.log.Infof("using database: %s", path)
	return nil
}

// initPolicy builds the safety policy, the gateway and the rate limiter
func (s *Service) initPolicy() {
	p := core.NewPolicy(s.conf.Safety.AllowMutations, s.conf.Safety.AllowedTables)
	s.gateway = core.NewGateway(p, s.exec, s.log)

	if p.MutationsEnabled && len(p.TableAllowlist) == 0 {
		s.log.Warn("mutations enabled with an empty table allowlist; every table is writable")
	}

	if s.conf.rateLimiterEnable() {
		s.limiter = newRateLimiter(s.conf.RateLimiter)
	}
}

// initBridge builds the method registry, the upstream forwarder and
// the supervisor client
func (s *Service) initBridge() {
	s.forwarder = newUpstreamForwarder(s.conf.Upstream, s.log)
	s.registry = newMethodRegistry(s)
	s.sup = newSupervisorClient(s.conf.Supervisor, s.log)
}

// initNotify builds the change notifier hub and connects the gateway's
// mutation callback to it
func (s *Service) initNotify() {
	s.hub = newNotifyHub(s.log)
	s.gateway.OnMutation(func(tables []string) {
		s.hub.Publish(databaseUpdatedEvent(tables))
	})
}

// Start runs the HTTP server until interrupted. It blocks.
func (s *Service) Start() {
	if err := s.startDBWatcher(); err != nil {
		s.log.Warnf("database watcher disabled: %s", err)
	}
	startHTTP(s)
}

// Start the HTTP server
func startHTTP(s *Service) {
	r := chi.NewRouter()
	routes := routesHandler(s, r)

	s.srv = &http.Server{
		Addr:              s.conf.hostPort,
		Handler:           routes,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("shutdown signal received")
		}
		close(idleConnsClosed)
	}()

	s.srv.RegisterOnShutdown(func() {
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.hub.Close()
		if err := s.exec.Close(); err == nil {
			s.log.Info("closed database connection")
		}
		s.log.Info("shutdown complete")
	})

	ver := version
	if ver == "" {
		ver = "not-set"
	}

	fields := []zapcore.Field{
		zap.String("version", ver),
		zap.String("host-port", s.conf.hostPort),
		zap.String("app-name", s.conf.AppName),
		zap.String("env", os.Getenv("GO_ENV")),
		zap.Bool("production", s.conf.Production),
		zap.Bool("mutations", s.conf.Safety.AllowMutations),
		zap.Bool("auth", s.conf.authEnabled()),
		zap.String("database", s.exec.Path()),
	}

	s.zlog.Info("HAQuery started", fields...)
	printDevModeInfo(s)

	l, err := net.Listen("tcp", s.conf.hostPort)
	if err != nil {
		s.log.Fatalf("failed to init port: %s", err)
	}

	if err := s.srv.Serve(l); err != http.ErrServerClosed {
		s.log.Fatalf("failed to start: %s", err)
	}
	<-idleConnsClosed
}

// Set the server header
func setServerHeader(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", serverName)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// printDevModeInfo prints useful development information on startup
func printDevModeInfo(s *Service) {
	if s.conf.Production {
		return
	}

	// Convert 0.0.0.0 to localhost for display
	displayHost := s.conf.hostPort
	if strings.HasPrefix(displayHost, "0.0.0.0:") {
		displayHost = "localhost" + displayHost[7:]
	}

	fmt.Println()
	fmt.Println("Development Server URLs")
	fmt.Println("───────────────────────")
	fmt.Printf("  Info:        http://%s/api\n", displayHost)
	fmt.Printf("  Query:       http://%s/query\n", displayHost)
	fmt.Printf("  Bridge:      http://%s/ws_bridge\n", displayHost)
	if s.conf.EnableWebsocket {
		fmt.Printf("  WebSocket:   ws://%s/ws\n", displayHost)
	}
	fmt.Println()
}
