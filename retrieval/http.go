package retrieval

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// NewHandler routes the retrieval service's HTTP API over |engine|:
//
//	GET /search?q=&k=&alpha=&path=
//	GET /snippet/{point_id}?radius=
//	GET /health
func NewHandler(engine *Engine) http.Handler {
	var r = chi.NewRouter()

	r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
		var q = req.URL.Query()
		if q.Get("q") == "" {
			httpError(w, http.StatusBadRequest, "missing q")
			return
		}
		var k, _ = strconv.Atoi(q.Get("k"))
		var alpha = DefaultAlpha
		if raw := q.Get("alpha"); raw != "" {
			var parsed, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "bad alpha")
				return
			}
			alpha = parsed
		}
		var filter map[string]string
		if path := q.Get("path"); path != "" {
			filter = map[string]string{"path": path}
		}

		var hits, err = engine.HybridSearch(req.Context(), q.Get("q"), k, alpha, filter)
		if err != nil {
			log.WithField("err", err).Error("hybrid search failed")
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}
		var results = make([]map[string]interface{}, len(hits))
		for i, h := range hits {
			results[i] = map[string]interface{}{
				"point_id": h.PointID,
				"snippet":  h.Snippet,
				"score":    h.Score,
			}
		}
		httpJSON(w, map[string]interface{}{"results": results})
	})

	r.Get("/snippet/{point_id}", func(w http.ResponseWriter, req *http.Request) {
		var pointID, err = strconv.ParseUint(chi.URLParam(req, "point_id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "bad point_id")
			return
		}
		var radius, _ = strconv.Atoi(req.URL.Query().Get("radius"))

		text, err := engine.Snippet(pointID, radius)
		if errors.Is(err, ErrChunkNotFound) {
			httpError(w, http.StatusNotFound, "chunk not found")
			return
		} else if err != nil {
			log.WithField("err", err).Error("snippet failed")
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}
		httpJSON(w, map[string]interface{}{"text": text})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		httpJSON(w, map[string]interface{}{"status": "healthy"})
	})

	return r
}

func httpJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
