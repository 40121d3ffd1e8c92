package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/metrics"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
	"github.com/arb-consulting/shallow-review-2025/internal/store"
	"github.com/arb-consulting/shallow-review-2025/internal/urlkey"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP status and ingestion server",
	Long:  "Serves pipeline status counts, URL submission, and Prometheus metrics over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		metrics.Init()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(st),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the HTTP surface. Separate from serve startup so tests
// can drive it through httptest without binding a port.
func newRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", handleStatus(st))
		r.Post("/urls", handleAddURL(st))
	})

	return r
}

// requestLogger logs each request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func handleStatus(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]map[string]int, 2)
		for _, phase := range model.AllPhases() {
			counts, err := st.CountByStatus(r.Context(), phase)
			if err != nil {
				zap.L().Error("status counts failed", zap.String("phase", string(phase)), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status counts unavailable"})
				return
			}
			m := make(map[string]int, len(counts))
			for s, n := range counts {
				m[string(s)] = n
			}
			out[string(phase)] = m
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleAddURL(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL    string `json:"url"`
			Phase  string `json:"phase"`
			Source string `json:"source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		// Auto-detection needs a model call; the API takes fixed destinations only.
		phase, err := model.ParsePhase(req.Phase)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("phase must be %q or %q", model.PhaseCollect, model.PhaseClassify),
			})
			return
		}

		normalized, err := urlkey.Normalize(req.URL)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		source := req.Source
		if source == "" {
			source = "api"
		}

		rec := model.NewCandidate(normalized, source, "", nil)
		inserted, err := st.InsertCandidate(r.Context(), phase, rec)
		if err != nil {
			zap.L().Error("api url insert failed", zap.String("url", normalized), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "insert failed"})
			return
		}

		status := http.StatusOK
		result := "exists"
		if inserted {
			status = http.StatusCreated
			result = "added"
		}
		writeJSON(w, status, map[string]string{
			"status": result,
			"phase":  string(phase),
			"hash":   rec.Hash,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
