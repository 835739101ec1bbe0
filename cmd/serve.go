package main

import (
	"context"
	"encoding/json"
	"errors"
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

	"github.com/sells-group/firstmover/internal/engine"
	"github.com/sells-group/firstmover/internal/evidence"
	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scoring HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		go env.Syncer.Run(ctx, cfg.Distribution.RefreshInterval())

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: buildRouter(env.Engine, env.Store.Ping, routerOptions{
				CORSOrigins:    cfg.Server.CORSOrigins,
				RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
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

// scoringAPI is the engine surface the HTTP handlers use.
type scoringAPI interface {
	ComputeScore(ctx context.Context, req engine.Request) (*model.Score, error)
	Score(ctx context.Context, id string) (*model.Score, error)
	Platforms() []model.Platform
	Distribution(ctx context.Context, platformID string) (*store.DistributionSummary, error)
}

type routerOptions struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

type scoreRequest struct {
	UserID      string            `json:"user_id"`
	ManualDates map[string]string `json:"manual_dates"`
	// Messages is an inline mailbox metadata export.
	Messages []model.Message `json:"messages"`
	// GmailToken scans the user's Gmail instead of Messages.
	GmailToken string `json:"gmail_token"`
	// XUsername looks up the Twitter/X account creation date.
	XUsername string `json:"x_username"`
}

type platformView struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	LaunchDate string          `json:"launch_date"`
	Mode       model.MatchMode `json:"mode"`
}

// buildRouter wires the API routes. ping may be nil.
func buildRouter(api scoringAPI, ping func(context.Context) error, opts routerOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/platforms", func(w http.ResponseWriter, r *http.Request) {
			platforms := api.Platforms()
			out := make([]platformView, len(platforms))
			for i, p := range platforms {
				out[i] = platformView{
					ID:         p.ID,
					Name:       p.Name,
					LaunchDate: p.LaunchDate.Format(time.DateOnly),
					Mode:       p.Mode,
				}
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Get("/platforms/{id}/distribution", func(w http.ResponseWriter, r *http.Request) {
			sum, err := api.Distribution(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, sum)
		})

		r.Post("/scores", func(w http.ResponseWriter, r *http.Request) {
			var body scoreRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			req, err := body.toEngine()
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}

			score, err := api.ComputeScore(r.Context(), req)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, score)
		})

		r.Get("/scores/{id}", func(w http.ResponseWriter, r *http.Request) {
			score, err := api.Score(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, score)
		})
	})

	return r
}

func (b scoreRequest) toEngine() (engine.Request, error) {
	req := engine.Request{UserID: b.UserID, XUsername: b.XUsername}
	if len(b.ManualDates) > 0 {
		req.ManualDates = make(map[string]time.Time, len(b.ManualDates))
		for id, s := range b.ManualDates {
			d, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return req, eris.Errorf("manual_dates.%s: want YYYY-MM-DD", id)
			}
			req.ManualDates[id] = d
		}
	}
	switch {
	case b.GmailToken != "":
		src, err := openSource("", b.GmailToken)
		if err != nil {
			return req, err
		}
		req.Source = src
	case len(b.Messages) > 0:
		req.Source = evidence.NewFileSource(b.Messages)
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine and store errors onto HTTP statuses. Internal
// details are logged, never returned.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "request cancelled"})
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
