package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-intel/internal/jobs"
	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
	"github.com/sells-group/prospect-intel/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the research job REST server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		recovered, err := app.Manager.Recover(ctx)
		if err != nil {
			return eris.Wrap(err, "recover jobs")
		}
		if recovered > 0 {
			zap.L().Info("resumed unfinished jobs", zap.Int("count", recovered))
		}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/jobs", func(w http.ResponseWriter, req *http.Request) {
			var submit jobs.SubmitRequest
			if err := json.NewDecoder(req.Body).Decode(&submit); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			job, err := app.Manager.Submit(req.Context(), submit)
			if err != nil {
				if resilience.IsInvalidRequest(err) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				zap.L().Error("submit failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "submission failed")
				return
			}
			writeJSON(w, http.StatusAccepted, job)
		})

		r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
			filter := store.JobFilter{State: model.JobState(req.URL.Query().Get("state"))}
			if limit := req.URL.Query().Get("limit"); limit != "" {
				n, err := strconv.Atoi(limit)
				if err != nil || n < 0 {
					writeError(w, http.StatusBadRequest, "invalid limit")
					return
				}
				filter.Limit = n
			}
			list, err := app.Manager.List(req.Context(), filter)
			if err != nil {
				zap.L().Error("list jobs failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "listing failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
		})

		r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
			job, err := app.Manager.GetStatus(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusNotFound, "job not found")
					return
				}
				zap.L().Error("get job failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "lookup failed")
				return
			}
			writeJSON(w, http.StatusOK, job)
		})

		r.Delete("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
			err := app.Manager.Cancel(req.Context(), chi.URLParam(req, "id"))
			switch {
			case err == nil:
				writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "job not found")
			case errors.Is(err, store.ErrAlreadyFinal):
				writeError(w, http.StatusConflict, "job already finished")
			default:
				zap.L().Error("cancel failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "cancel failed")
			}
		})

		r.Post("/admin/cache/purge", func(w http.ResponseWriter, req *http.Request) {
			purged := app.Cache.PurgeExpired()
			writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
