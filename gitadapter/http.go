package gitadapter

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// NewHandler routes the adapter's HTTP API over |svc|:
//
//	POST /checkout {repo, ref}
//	GET  /file?repo=&ref=&path=
//	GET  /diff?repo=&base=&head=
//	GET  /blame?repo=&ref=&path=
//	GET  /health
func NewHandler(svc *Service) http.Handler {
	var r = chi.NewRouter()

	r.Post("/checkout", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Repo string `json:"repo"`
			Ref  string `json:"ref"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var workdir, sha, err = svc.Checkout(req.Context(), body.Repo, body.Ref)
		if errors.Is(err, ErrBadRef) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		} else if err != nil {
			log.WithField("err", err).Error("checkout failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"workdir": workdir, "sha": sha})
	})

	r.Get("/file", func(w http.ResponseWriter, req *http.Request) {
		var q = req.URL.Query()
		var raw, err = svc.ReadFile(req.Context(), q.Get("repo"), q.Get("ref"), q.Get("path"))
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadRef) {
			writeError(w, http.StatusNotFound, "not found")
			return
		} else if err != nil {
			log.WithField("err", err).Error("read_file failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(raw)
	})

	r.Get("/diff", func(w http.ResponseWriter, req *http.Request) {
		var q = req.URL.Query()
		var diff, err = svc.Diff(req.Context(), q.Get("repo"), q.Get("base"), q.Get("head"))
		if errors.Is(err, ErrBadRef) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		} else if err != nil {
			log.WithField("err", err).Error("diff failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"diff": diff})
	})

	r.Get("/blame", func(w http.ResponseWriter, req *http.Request) {
		var q = req.URL.Query()
		var shas, err = svc.Blame(req.Context(), q.Get("repo"), q.Get("ref"), q.Get("path"))
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadRef) {
			writeError(w, http.StatusNotFound, "not found")
			return
		} else if err != nil {
			log.WithField("err", err).Error("blame failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"shas": shas})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
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
