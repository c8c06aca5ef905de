package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/engine"
	"rollcall/internal/geo"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/queue"
	"rollcall/internal/schedule"
	"rollcall/internal/session"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// orchestrators lazily builds one engine per authenticated teacher and
// tears them all down when the server context ends.
type orchestrators struct {
	cfg      config.App
	provider session.Provider
	sink     engine.CommandSink

	mu     sync.Mutex
	active map[string]*engine.Orchestrator
}

func newOrchestrators(cfg config.App, provider session.Provider, sink engine.CommandSink) *orchestrators {
	return &orchestrators{
		cfg:      cfg,
		provider: provider,
		sink:     sink,
		active:   make(map[string]*engine.Orchestrator),
	}
}

func (o *orchestrators) get(ctx context.Context, teacherID string) (*engine.Orchestrator, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if orch, ok := o.active[teacherID]; ok {
		return orch, nil
	}

	engCfg := engine.Config{
		GraceMinutes:     o.cfg.GraceMinutes,
		GeofenceEnforced: o.cfg.GeofenceEnforced,
	}
	registry := session.NewRegistry(o.provider, teacherID)
	machine := engine.NewMachine(registry, o.sink, teacherID, engCfg)
	// Location is device-pushed over /v1/location, so no poll provider.
	orch := engine.NewOrchestrator(machine, registry, nil, engCfg, o.cfg.TickInterval, o.cfg.LocationTimeout)
	if err := orch.Start(ctx); err != nil {
		return nil, err
	}
	go orch.Run(ctx)
	o.active[teacherID] = orch
	return orch, nil
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:transitions")
	}

	repo := attendance.NewRepository(db.Client)
	provider := session.NewPostgresProvider(db.Client, float64(cfg.DefaultRadiusMeters))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engines := newOrchestrators(cfg, provider, repo)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Identity itself is established by the institution's SSO in front of
	// this service; this endpoint just mints engine-scoped tokens.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			TeacherID string `json:"teacher_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.TeacherID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.TeacherAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.GET("/sessions", func(c *gin.Context) {
		orch, err := engines.get(ctx, auth.TeacherID(c))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "session fetch failed"})
			return
		}
		c.JSON(http.StatusOK, renderSnapshot(orch.Snapshot()))
	})

	authGroup.POST("/location", func(c *gin.Context) {
		var req struct {
			// No "required" binding: 0 is a legal coordinate.
			Lat            float64 `json:"lat"`
			Lng            float64 `json:"lng"`
			AccuracyMeters float64 `json:"accuracy_m"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orch, err := engines.get(ctx, auth.TeacherID(c))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "session fetch failed"})
			return
		}
		fix := geo.Fix{AccuracyMeters: req.AccuracyMeters}
		fix.Lat, fix.Lng = req.Lat, req.Lng
		orch.ReportLocation(fix)
		c.JSON(http.StatusOK, renderSnapshot(orch.Snapshot()))
	})

	authGroup.POST("/checkins", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orch, err := engines.get(ctx, auth.TeacherID(c))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "session fetch failed"})
			return
		}
		receipt, err := orch.CheckIn(c.Request.Context(), req.SessionID)
		if err != nil {
			respondTransitionError(c, err)
			return
		}
		if err := q.Publish(ctx, queue.Message{Type: "checkin", RecordID: receipt.RecordID}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}
		c.JSON(http.StatusCreated, gin.H{"record_id": receipt.RecordID})
	})

	authGroup.POST("/checkouts", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orch, err := engines.get(ctx, auth.TeacherID(c))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "session fetch failed"})
			return
		}
		recordID, err := orch.CheckOut(c.Request.Context(), req.SessionID)
		if err != nil {
			respondTransitionError(c, err)
			return
		}
		if err := q.Publish(ctx, queue.Message{Type: "checkout", RecordID: recordID}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}
		c.JSON(http.StatusOK, gin.H{"record_id": recordID})
	})

	authGroup.GET("/events", func(c *gin.Context) {
		sessionID := c.Query("session_id")
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		events, err := repo.ListEvents(c.Request.Context(), auth.TeacherID(c), sessionID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancel() // stops per-teacher orchestrator ticks

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

// respondTransitionError maps engine failures to HTTP statuses: typed
// rejections are conflicts the client can react to, in-flight guards ask
// the client to wait, everything else is a contract violation.
func respondTransitionError(c *gin.Context, err error) {
	if errors.Is(err, engine.ErrRequestInFlight) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}
	if rej, ok := engine.RejectionFrom(err); ok {
		status := http.StatusConflict
		if rej.Kind == engine.SinkFailure {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"error":      rej.Kind.Reason(),
			"kind":       string(rej.Kind),
			"session_id": rej.SessionID,
		})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
}

func renderSnapshot(snap engine.Snapshot) gin.H {
	sessions := make([]gin.H, 0, len(snap.Sessions))
	for _, v := range snap.Sessions {
		s := v.Session
		row := gin.H{
			"id":               s.ID,
			"occurrence_id":    s.OccurrenceID,
			"name":             s.Name,
			"location":         s.Location(),
			"target":           s.Target,
			"radius_m":         s.RadiusMeters,
			"starts_at":        s.Start.String(),
			"ends_at":          s.End.String(),
			"state":            string(v.State),
			"window":           v.Window.State.String(),
			"selected":         v.Selected,
			"can_check_in":     v.CanCheckIn,
			"can_check_out":    v.CanCheckOut,
			"check_in_reason":  v.CheckInReason,
			"check_out_reason": v.CheckOutReason,
		}
		if v.Window.TimeUntilStart > 0 {
			row["starts_in_min"] = int(v.Window.TimeUntilStart.Minutes())
		}
		if v.Window.State == schedule.CheckoutGrace {
			row["deadline_in_min"] = int(v.Window.TimeUntilDeadline.Minutes())
		}
		sessions = append(sessions, row)
	}
	return gin.H{
		"generated_at":   snap.GeneratedAt,
		"active_session": snap.ActiveSessionID,
		"selected":       snap.SelectedSessionID,
		"location_known": snap.LocationKnown,
		"location_error": snap.LocationError,
		"sessions":       sessions,
	}
}
