// Command rtsprelay runs the RTSP-to-WebSocket relay (spec section 2): it
// serves an admin HTTP API for registering streams, a WebSocket endpoint
// that subscribes clients to live MJPEG frames, and a Prometheus metrics
// endpoint. Grounded on the teacher's server/main.go, adapted to koanf
// configuration, slog logging, and the supervised health monitor.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rtsprelay/rtsprelay/internal/catalog"
	"github.com/rtsprelay/rtsprelay/internal/config"
	"github.com/rtsprelay/rtsprelay/internal/decoder"
	"github.com/rtsprelay/rtsprelay/internal/manager"
	"github.com/rtsprelay/rtsprelay/internal/metrics"
	"github.com/rtsprelay/rtsprelay/internal/session"
	"github.com/rtsprelay/rtsprelay/internal/sessionerr"
	"github.com/rtsprelay/rtsprelay/internal/supervisor"
	"github.com/rtsprelay/rtsprelay/internal/wsedge"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := exec.Command(cfg.FFmpegBinPath, "-version").Run(); err != nil {
		log.Error("ffmpeg not found in PATH", "bin_path", cfg.FFmpegBinPath, "err", err)
		os.Exit(1)
	}

	cat := catalog.NewMemory()
	hub := wsedge.NewHub(log)
	recorder := metrics.NewRecorder()

	newDriver := func() session.Driver {
		d := decoder.New(log)
		d.BinPath = cfg.FFmpegBinPath
		return d
	}

	mgr := manager.New(cat, hub, cfg.ManagerConfig(), log, newDriver, recorder)

	sup := supervisor.New(supervisor.Config{ShutdownTimeout: 5 * time.Second, Logger: log})
	if err := sup.Add(mgr.HealthMonitor()); err != nil {
		log.Error("failed to register health monitor", "err", err)
		os.Exit(1)
	}

	router := newRouter(log, cat, mgr, hub)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()

	go func() {
		log.Info("rtsprelay listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "err", err)
	}

	<-supDone
	log.Info("rtsprelay exited")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

func newRouter(log *slog.Logger, cat *catalog.Memory, mgr *manager.Manager, hub *wsedge.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	api := r.Group("/api")
	{
		api.PUT("/streams/:streamId", handlePutStream(cat))
		api.DELETE("/streams/:streamId", handleTerminateStream(mgr))
		api.GET("/streams", handleListStreams(mgr))
		api.GET("/streams/:streamId/stats", handleStreamStats(mgr))
	}

	r.GET("/ws/:streamId", wsedge.HandleSubscribe(hub, mgr))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Unix()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// handlePutStream registers or replaces a stream id's catalog entry (spec
// section 6: the Stream Catalog). It does not itself start any decoder;
// the first WebSocket subscribe does.
func handlePutStream(cat *catalog.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		streamID := c.Param("streamId")
		var req struct {
			RTSPURL string `json:"rtsp_url" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cat.Put(streamID, catalog.Entry{URL: req.RTSPURL, Active: true})
		c.JSON(http.StatusOK, gin.H{"stream_id": streamID, "rtsp_url": req.RTSPURL})
	}
}

func handleTerminateStream(mgr *manager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		streamID := c.Param("streamId")
		if err := mgr.Terminate(streamID); err != nil {
			status := http.StatusNotFound
			if !errors.Is(err, sessionerr.ErrCatalogMiss) {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stream_id": streamID, "message": "stream terminated"})
	}
}

func handleListStreams(mgr *manager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses := mgr.AllStatuses()
		out := make([]gin.H, 0, len(statuses))
		for streamID, st := range statuses {
			out = append(out, gin.H{
				"stream_id":     streamID,
				"running":       st.Running,
				"client_count":  st.ClientCount,
				"restart_count": st.RestartCount,
				"last_emit":     st.LastEmitTime,
			})
		}
		c.JSON(http.StatusOK, gin.H{"streams": out})
	}
}

func handleStreamStats(mgr *manager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		streamID := c.Param("streamId")
		st, ok := mgr.Status(streamID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"stream_id":     streamID,
			"running":       st.Running,
			"client_count":  st.ClientCount,
			"restart_count": st.RestartCount,
			"last_emit":     st.LastEmitTime,
		})
	}
}
