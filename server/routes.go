// Package server - HTTP-API fuer SR-Sampling und Inpainting
// Beinhaltet: Server-Struct, Router-Registrierung, Middleware, Server-Start
package server

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/srflow/srflow/envconfig"
	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/model/models/pconv"
	"github.com/srflow/srflow/model/models/srflow"
)

// maxUploadSize begrenzt Multipart-Uploads auf 32 MiB
const maxUploadSize = 32 << 20

var mode string = gin.DebugMode

var errModelNotLoaded = errors.New("model not loaded")

// Server haelt die geladenen Modelle und das Backend
type Server struct {
	addr    net.Addr
	backend ml.Backend

	flow    *srflow.Model
	inpaint *pconv.Model

	// defaultEpsStd ist die Sampling-Temperatur ohne eps_std im Request
	defaultEpsStd float64

	mu sync.Mutex
}

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

// New erstellt einen Server. flow und inpaint duerfen nil sein, die
// zugehoerigen Endpunkte antworten dann mit 503.
func New(addr net.Addr, b ml.Backend, flow *srflow.Model, inpaint *pconv.Model) *Server {
	return &Server{addr: addr, backend: b, flow: flow, inpaint: inpaint, defaultEpsStd: 0.8}
}

// SetDefaultEpsStd setzt die Sampling-Temperatur fuer Requests ohne eps_std
func (s *Server) SetDefaultEpsStd(eps float64) {
	s.defaultEpsStd = eps
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	// General
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "srflow is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "srflow is running") })

	// Modelle
	r.GET("/api/layers", s.LayersHandler)

	infer := r.Group("/api", maxBodyMiddleware(maxUploadSize), serializeMiddleware(&s.mu))
	infer.POST("/upscale", s.UpscaleHandler)
	infer.POST("/inpaint", s.InpaintHandler)

	return r
}
