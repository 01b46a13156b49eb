// Package api exposes the engine's control surface: manual sync
// triggers, account and run inspection, cursor resets, and the SSE
// stream of channel updates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/estiohq/syncd/internal/auth"
	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/events"
	"github.com/estiohq/syncd/internal/logging"
	"github.com/estiohq/syncd/internal/syncer"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// SyncRunHandler kicks off a full sync run in the background and
// returns the run id for correlation.
func SyncRunHandler(orch *syncer.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := logging.GenerateRunID()
		go func() {
			ctx := logging.WithRunID(context.Background(), runID)
			_, _ = orch.SyncAll(ctx)
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id": runID,
			"status": "started",
		})
	}
}

// AccountSyncHandler triggers a background sync for one account.
func AccountSyncHandler(db *gorm.DB, orch *syncer.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var account models.Account
		if err := db.First(&account, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !account.IsActive {
			writeError(w, http.StatusConflict, "account requires re-authentication")
			return
		}

		runID := logging.GenerateRunID()
		go func() {
			ctx := logging.WithRunID(context.Background(), runID)
			orch.SyncAccount(ctx, &account)
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id": runID,
			"status": "started",
		})
	}
}

// AccountsHandler lists accounts with their sync state.
func AccountsHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var accounts []models.Account
		if err := db.Order("created_at").Find(&accounts).Error; err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		out := make([]map[string]interface{}, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, map[string]interface{}{
				"id":           a.ID,
				"location_id":  a.LocationID,
				"email":        a.Email,
				"provider":     a.Provider,
				"is_active":    a.IsActive,
				"needs_reauth": a.NeedsReauth,
				"channels":     syncer.ChannelsFor(a.Provider),
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": out})
	}
}

// ReauthHandler re-enables a revoked account after the user renewed
// their consent externally.
func ReauthHandler(db *gorm.DB, authMgr *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var account models.Account
		if err := db.First(&account, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if err := authMgr.ClearRevoked(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"message": "account re-enabled",
		})
	}
}

// CursorResetHandler wipes the cursor for one (account, channel) pair
// so the next run performs a full sync.
func CursorResetHandler(store *syncer.CursorStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "account")
		channel := chi.URLParam(r, "channel")

		if err := store.Reset(r.Context(), accountID, channel); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"message": fmt.Sprintf("cursor reset for %s/%s", accountID, channel),
		})
	}
}

// RunsHandler returns recent run logs plus aggregate stats.
func RunsHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}

		query := db.Model(&models.SyncRunLog{})
		if accountID := r.URL.Query().Get("account"); accountID != "" {
			query = query.Where("account_id = ?", accountID)
		}

		var runs []models.SyncRunLog
		if err := query.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var stats models.SyncRunStats
		db.Model(&models.SyncRunLog{}).Count(&stats.TotalRuns)
		db.Model(&models.SyncRunLog{}).Where("error = ''").Count(&stats.SuccessCount)
		db.Model(&models.SyncRunLog{}).Where("error != ''").Count(&stats.ErrorCount)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"runs":  runs,
			"stats": stats,
		})
	}
}

// EventsHandler streams channel updates over SSE until the client
// disconnects.
func EventsHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		ch, cancel := bus.Subscribe()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case update, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(update)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: channel-update\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
