package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// HTTPServer is the control surface's HTTP+JSON front end, wrapping
// Dispatch behind a gin router with CORS enabled for browser-based admin
// tooling.
type HTTPServer struct {
	engine Engine
	router *gin.Engine
}

func NewHTTPServer(e Engine) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &HTTPServer{engine: e, router: r}
	r.GET("/control/:cmd", s.handleControl)
	r.GET("/control/:cmd/:arg", s.handleControl)
	return s
}

func (s *HTTPServer) handleControl(c *gin.Context) {
	cmd := c.Param("cmd")
	if arg := c.Param("arg"); arg != "" {
		cmd = cmd + " " + arg
	}
	out, err := Dispatch(s.engine, cmd)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch c.Query("format") {
	case "text":
		c.String(http.StatusOK, RenderText(out))
	default:
		c.JSON(http.StatusOK, out)
	}
}

// Handler wraps the gin router with a permissive CORS policy so admin
// dashboards served from another origin can call the control surface.
func (s *HTTPServer) Handler() http.Handler {
	return cors.AllowAll().Handler(s.router)
}

func (s *HTTPServer) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}
