package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/antoine510/solar-mgr/cmd/solarmgr/config"
	"github.com/antoine510/solar-mgr/cmd/solarmgr/options"
	"github.com/antoine510/solar-mgr/pkg/collector"
	"github.com/antoine510/solar-mgr/pkg/generic"
	"github.com/antoine510/solar-mgr/pkg/host"
	"github.com/antoine510/solar-mgr/pkg/module"
)

type Server struct {
	*generic.Server
	*config.Config
}

func NewServer(router *gin.Engine, o *options.Options, config *config.Config) (*Server, error) {
	s := &generic.Server{
		Router:   router,
		Port:     o.Port,
		CertFile: config.CertFile,
		KeyFile:  config.KeyFile,
	}

	server := &Server{
		Server: s,
		Config: config,
	}

	server.InstallHandlers()

	return server, nil
}

func (s *Server) InstallHandlers() {
	v1 := s.Router.Group("/api/v1")
	collector.InstallHandler(v1, s.Config.Collector)
	module.InstallHandler(v1, s.Config.Registry,
		module.WithStore(s.Config.Store),
		module.WithActionLimiter(s.Config.ActionLimiter))
	host.InstallHandler(v1, s.Config.HostMgr)

	if s.Config.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Config.Metrics, promhttp.HandlerOpts{Registry: s.Config.Metrics})))
	}
	s.Router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
}

// Serve starts the HTTP server and the collector. The returned function stops
// the collector, the server, then releases the sinks and the bus.
func (s *Server) Serve() (func(ctx context.Context), error) {
	srv, err := s.Server.Start()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		if err := s.Config.Collector.Run(ctx); err != nil {
			klog.ErrorS(err, "Collector stopped")
		}
	}()

	return func(shutdownCtx context.Context) {
		cancel()
		select {
		case <-collectorDone:
		case <-shutdownCtx.Done():
			klog.V(1).InfoS("Collector did not stop in time")
		}
		generic.Shutdown(shutdownCtx, srv)
		if err := s.Config.Close(); err != nil {
			klog.ErrorS(err, "Failed to release resources")
		}
	}, nil
}
