package generic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

type Server struct {
	Router   *gin.Engine
	Port     string
	CertFile string
	KeyFile  string
}

// Start listens in the background, with TLS when both a certificate and a key
// are set, and returns the server so the caller can shut it down.
func (s *Server) Start() (*http.Server, error) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", s.Port),
		Handler: s.Router,
	}
	if len(s.CertFile) != 0 && len(s.KeyFile) != 0 {
		x509KeyPair, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{x509KeyPair},
		}
		go func() {
			if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.ErrorS(err, "HTTPS server stopped", "port", s.Port)
			}
		}()
		return srv, nil
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "HTTP server stopped", "port", s.Port)
		}
	}()
	return srv, nil
}

func Shutdown(ctx context.Context, srv *http.Server) {
	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(ctx); err != nil {
		klog.ErrorS(err, "Failed to shutdown HTTP server")
	}
}
