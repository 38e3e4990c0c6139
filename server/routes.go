package server

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/vlama/vlama/api"
	"github.com/vlama/vlama/envconfig"
	"github.com/vlama/vlama/logutil"
	"github.com/vlama/vlama/ml"
	"github.com/vlama/vlama/model"
	"github.com/vlama/vlama/runner"
	"github.com/vlama/vlama/sample"
	"github.com/vlama/vlama/version"
)

// Server answers the vlama HTTP API for the models under one directory.
type Server struct {
	addr   net.Addr
	loader *loader
}

// NewServer serves the models installed under dir.
func NewServer(dir string) *Server {
	return &Server{loader: newLoader(dir)}
}

func isLocalIP(ip netip.Addr) bool {
	if interfaces, err := net.Interfaces(); err == nil {
		for _, iface := range interfaces {
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}

			for _, a := range addrs {
				if parsed, _, err := net.ParseCIDR(a.String()); err == nil {
					if parsed.String() == ip.String() {
						return true
					}
				}
			}
		}
	}

	return false
}

func allowedHost(host string) bool {
	host = strings.ToLower(host)

	if host == "" || host == "localhost" {
		return true
	}

	if hostname, err := os.Hostname(); err == nil && host == strings.ToLower(hostname) {
		return true
	}

	tlds := []string{
		"localhost",
		"local",
		"internal",
	}

	for _, tld := range tlds {
		if strings.HasSuffix(host, "."+tld) {
			return true
		}
	}

	return false
}

// allowedHostsMiddleware rejects requests carrying a non-local Host
// header when the server is bound to a loopback address, which blocks
// DNS rebinding against the local API.
func allowedHostsMiddleware(addr net.Addr) gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr == nil {
			c.Next()
			return
		}

		if addr, err := netip.ParseAddrPort(addr.String()); err == nil && !addr.Addr().IsLoopback() {
			c.Next()
			return
		}

		host, _, err := net.SplitHostPort(c.Request.Host)
		if err != nil {
			host = c.Request.Host
		}

		if addr, err := netip.ParseAddr(host); err == nil {
			if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || isLocalIP(addr) {
				c.Next()
				return
			}
		}

		if allowedHost(host) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}

			c.Next()
			return
		}

		c.AbortWithStatus(http.StatusForbidden)
	}
}

// GenerateRoutes builds the route table.
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
	corsConfig.AllowOrigins = envconfig.Origins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "Vlama is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Vlama is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	r.HEAD("/api/tags", s.ListHandler)
	r.GET("/api/tags", s.ListHandler)
	r.POST("/api/generate", s.GenerateHandler)

	return r
}

// ListHandler answers /api/tags with the installed models, newest
// first.
func (s *Server) ListHandler(c *gin.Context) {
	installed, err := s.loader.Installed()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	models := []api.ListModelResponse{}
	for _, m := range installed {
		models = append(models, api.ListModelResponse{
			Name:       m.Name,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
		})
	}

	slices.SortStableFunc(models, func(i, j api.ListModelResponse) int {
		return cmp.Compare(j.ModifiedAt.Unix(), i.ModifiedAt.Unix())
	})

	c.JSON(http.StatusOK, api.ListResponse{Models: models})
}

// GenerateHandler answers /api/generate, streaming responses as ndjson
// unless the request asks for a single collected response.
func (s *Server) GenerateHandler(c *gin.Context) {
	checkpointStart := time.Now()
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Model == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	opts := api.DefaultOptions()
	if err := opts.FromMap(req.Options); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	keepAlive := envconfig.KeepAlive()
	if req.KeepAlive != nil {
		keepAlive = req.KeepAlive.Duration
	}

	// an empty prompt with zero keep alive unloads the model
	if req.Prompt == "" && req.KeepAlive != nil && req.KeepAlive.Duration == 0 {
		s.loader.Expire(req.Model)

		c.JSON(http.StatusOK, api.GenerateResponse{
			Model:      req.Model,
			CreatedAt:  time.Now().UTC(),
			Done:       true,
			DoneReason: "unload",
		})
		return
	}

	if err := s.loader.Acquire(c.Request.Context()); err != nil {
		s.handleLoadError(c, req.Model, err)
		return
	}

	h, err := s.loader.Load(req.Model)
	if err != nil {
		s.loader.ReleaseSession()
		s.handleLoadError(c, req.Model, err)
		return
	}

	checkpointLoaded := time.Now()

	// an empty prompt loads the model and returns
	if req.Prompt == "" {
		s.loader.Release(h, keepAlive)
		s.loader.ReleaseSession()

		c.JSON(http.StatusOK, api.GenerateResponse{
			Model:      req.Model,
			CreatedAt:  time.Now().UTC(),
			Done:       true,
			DoneReason: "load",
		})
		return
	}

	instance, err := h.NewInstance()
	if err != nil {
		s.loader.Release(h, keepAlive)
		s.loader.ReleaseSession()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	session, err := runner.NewSession(instance, runner.Params{NumCtx: opts.NumCtx, NumBatch: opts.NumBatch})
	if err != nil {
		s.loader.Release(h, keepAlive)
		s.loader.ReleaseSession()

		var allocErr *ml.AllocationError
		if errors.As(err, &allocErr) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	images := make([][]byte, len(req.Images))
	for i := range req.Images {
		images[i] = req.Images[i]
	}

	stream, err := session.Stream(c.Request.Context(), runner.Request{
		Prompt:  req.Prompt,
		Images:  images,
		Options: &opts,
	})
	if err != nil {
		session.Close()
		s.loader.Release(h, keepAlive)
		s.loader.ReleaseSession()
		handleGenerateError(c, err)
		return
	}

	ch := make(chan any)
	go func() {
		defer close(ch)
		defer func() {
			stream.Close()
			session.Close()
			s.loader.Release(h, keepAlive)
			s.loader.ReleaseSession()
		}()

		ctx := c.Request.Context()

		// a disconnected client stops draining ch; never block the
		// generation loop on it
		send := func(v any) bool {
			select {
			case ch <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next(ctx) {
			if stream.Text() == "" {
				continue
			}

			if !send(api.GenerateResponse{
				Model:     req.Model,
				CreatedAt: time.Now().UTC(),
				Response:  stream.Text(),
			}) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			send(gin.H{"error": err.Error()})
			return
		}

		metrics := stream.Metrics()
		metrics.TotalDuration = time.Since(checkpointStart)
		metrics.LoadDuration = checkpointLoaded.Sub(checkpointStart)

		send(api.GenerateResponse{
			Model:      req.Model,
			CreatedAt:  time.Now().UTC(),
			Done:       true,
			DoneReason: stream.DoneReason().String(),
			Metrics:    metrics,
		})
	}()

	if req.Stream != nil && !*req.Stream {
		collectGenerateResponse(c, ch)
		return
	}

	streamResponse(c, ch)
}

func (s *Server) handleLoadError(c *gin.Context, name string, err error) {
	var allocErr *ml.AllocationError
	switch {
	case errors.Is(err, ErrMaxQueue):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		c.JSON(499, gin.H{"error": "request canceled"})
	case errors.Is(err, fs.ErrNotExist):
		msg := fmt.Sprintf("model %q not found", name)
		if closest := s.loader.Closest(name); closest != "" {
			msg = fmt.Sprintf("model %q not found, did you mean %q?", name, closest)
		}
		c.JSON(http.StatusNotFound, gin.H{"error": msg})
	case errors.Is(err, ErrInvalidModelName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &allocErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleGenerateError maps a failure to start a generation onto a
// status code. Anything not recognized is treated as a problem with the
// request, which covers malformed images and undecodable prompts.
func handleGenerateError(c *gin.Context, err error) {
	var allocErr *ml.AllocationError
	var lengthErr *runner.ContextLengthExceededError
	var samplingErr *sample.InvalidSamplingConfigError
	var placeholderErr *model.PlaceholderMismatchError
	switch {
	case errors.As(err, &lengthErr), errors.As(err, &samplingErr), errors.As(err, &placeholderErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &allocErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		c.JSON(499, gin.H{"error": "request canceled"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func collectGenerateResponse(c *gin.Context, ch chan any) {
	var r api.GenerateResponse
	var sb strings.Builder
	for rr := range ch {
		switch t := rr.(type) {
		case api.GenerateResponse:
			sb.WriteString(t.Response)
			r = t
		case gin.H:
			msg, ok := t["error"].(string)
			if !ok {
				msg = "unexpected error format in response"
			}

			status, ok := t["status"].(int)
			if !ok {
				status = http.StatusInternalServerError
			}

			c.JSON(status, gin.H{"error": msg})
			return
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected response"})
			return
		}
	}

	r.Response = sb.String()
	c.JSON(http.StatusOK, r)
}

func streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		if h, ok := val.(gin.H); ok {
			if e, ok := h["error"].(string); ok {
				status, ok := h["status"].(int)
				if !ok {
					status = http.StatusInternalServerError
				}

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.JSON(status, gin.H{"error": e})
				} else {
					if err := json.NewEncoder(c.Writer).Encode(gin.H{"error": e}); err != nil {
						slog.Error("streamResponse failed to encode json error", "error", err)
					}
				}

				return false
			}
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Info(fmt.Sprintf("streamResponse: json.Marshal failed with %s", err))
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Info(fmt.Sprintf("streamResponse: w.Write failed with %s", err))
			return false
		}

		return true
	})
}

// Serve answers requests on ln until it is closed or the process is
// told to stop.
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	modelsDir := envconfig.Models()
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return err
	}

	s := &Server{addr: ln.Addr(), loader: newLoader(modelsDir)}

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	// listen for a ctrl+c and unload any loaded models
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		s.loader.UnloadAll()
	}()

	if err := srvr.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
