package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// NewHandler routes the registry's HTTP API over |store|:
//
//	POST /reserve  {repo, branch, fq_name, kind, file_path, plan_id, ttl_sec}
//	POST /claim    {lease_id, commit_sha}
//	GET  /lookup?repo=&branch=&fq_name=
//	GET  /health
func NewHandler(store *Store) http.Handler {
	var r = chi.NewRouter()

	r.Post("/reserve", func(w http.ResponseWriter, req *http.Request) {
		var body ReserveRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.TTLSec <= 0 {
			body.TTLSec = 600
		}
		var rec, err = store.Reserve(req.Context(), body)
		if errors.Is(err, ErrConflict) {
			writeError(w, http.StatusConflict, "symbol already exists")
			return
		} else if err != nil {
			log.WithField("err", err).Error("reserve failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"lease_id":   rec.ID,
			"status":     rec.Status,
			"expires_at": rec.ReservedUntil.Format(time.RFC3339),
		})
	})

	r.Post("/claim", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			LeaseID   int64  `json:"lease_id"`
			CommitSHA string `json:"commit_sha"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var rec, err = store.Claim(req.Context(), body.LeaseID, body.CommitSHA)
		if errors.Is(err, ErrInvalidLease) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		} else if err != nil {
			log.WithField("err", err).Error("claim failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": rec.Status})
	})

	r.Get("/lookup", func(w http.ResponseWriter, req *http.Request) {
		var q = req.URL.Query()
		var rec, err = store.Lookup(req.Context(), q.Get("repo"), q.Get("branch"), q.Get("fq_name"))
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "symbol not found")
			return
		} else if err != nil {
			log.WithField("err", err).Error("lookup failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"lease_id":   rec.ID,
			"status":     rec.Status,
			"file_path":  rec.FilePath,
			"commit_sha": rec.CommitSHA,
		})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
