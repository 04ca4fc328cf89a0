// Package routes exposes the cache facade as a small JSON-and-bytes HTTP API.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/briangreenhill/tuplecache/cache"
	appmw "github.com/briangreenhill/tuplecache/internal/http/middleware"
	"github.com/briangreenhill/tuplecache/internal/jobs"
)

// maxValueBytes caps the request body of a put. Values bigger than this
// belong in the system of record, not the cache.
const maxValueBytes = 1 << 20

// Enqueuer is the slice of asynq.Client the API needs. Sweep and warm
// requests are acknowledged once the task is queued, not when it runs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router *chi.Mux
	Cache  *cache.Cache
	Queue  Enqueuer
}

type ServerOptions struct {
	Cache    *cache.Cache
	Queue    Enqueuer // optional; sweep/load answer 503 without one
	APIToken string   // optional bearer token for mutating routes
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Cache: opts.Cache, Queue: opts.Queue}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Printf("Error writing health check response: %v", err)
		}
	})

	r.Get("/keys", s.handleListKeys)
	r.Get("/keys/{key}", s.handleGetKey)

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.RequireToken(opts.APIToken))
		pr.Put("/keys/{key}", s.handlePutKey)
		pr.Post("/keys/{key}", s.handlePostKey)
		pr.Delete("/keys/{key}", s.handleDeleteKey)
		pr.Delete("/keys", s.handleRemoveAll)
		pr.Post("/sweep", s.handleSweep)
		pr.Post("/load", s.handleLoad)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// handleGetKey returns the raw value bytes, or 404 on a miss.
func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok, err := s.Cache.Get(r.Context(), key)
	if err != nil {
		log.Printf("get %q failed: %v", key, err)
		http.Error(w, "cache error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(value); err != nil {
		log.Printf("write value for %q failed: %v", key, err)
	}
}

// handlePutKey stores the raw request body under the key.
func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok := s.readValue(w, r)
	if !ok {
		return
	}
	if err := s.Cache.Put(r.Context(), key, value); err != nil {
		s.writeCacheError(w, key, "put", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostKey puts and reports the previous value. With ?absent=1 it only
// stores when no live record exists.
func (s *Server) handlePostKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok := s.readValue(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("absent") == "1" {
		stored, err := s.Cache.PutIfAbsent(r.Context(), key, value)
		if err != nil {
			s.writeCacheError(w, key, "put-if-absent", err)
			return
		}
		if !stored {
			http.Error(w, "key already exists", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		return
	}

	previous, had, err := s.Cache.GetAndPut(r.Context(), key, value)
	if err != nil {
		s.writeCacheError(w, key, "put", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"previous": previous, "had": had})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	removed, err := s.Cache.Remove(r.Context(), key)
	if err != nil {
		s.writeCacheError(w, key, "remove", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

type keyEntry struct {
	Key    string `json:"key"`
	Value  []byte `json:"value"`
	Expiry int64  `json:"expiry"`
}

// handleListKeys walks the region and returns every live record. The walk
// applies the same access-expiry treatment a Get would.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	cur, err := s.Cache.Iterate(r.Context())
	if err != nil {
		log.Printf("list: %v", err)
		http.Error(w, "cache error", http.StatusInternalServerError)
		return
	}
	defer cur.Close()

	entries := make([]keyEntry, 0)
	for cur.Next(r.Context()) {
		rec := cur.Record()
		entries = append(entries, keyEntry{Key: rec.Key(), Value: rec.Value(), Expiry: rec.Expiry()})
	}
	if err := cur.Err(); err != nil {
		log.Printf("list: %v", err)
		http.Error(w, "cache error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	if err := s.Cache.RemoveAllEntries(r.Context()); err != nil {
		s.writeCacheError(w, "", "remove-all", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	task, err := jobs.NewSweepTask("api request")
	if err != nil {
		http.Error(w, "could not build task", 500)
		return
	}
	s.enqueue(w, r, task, asynq.Queue(jobs.QueueMaintenance), asynq.MaxRetry(3))
}

type loadRequest struct {
	Keys    []string `json:"keys"`
	Replace bool     `json:"replace"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", 400)
		return
	}
	if len(req.Keys) == 0 {
		http.Error(w, "keys required", 400)
		return
	}
	task, err := jobs.NewWarmTask(uuid.New().String(), req.Keys, req.Replace)
	if err != nil {
		http.Error(w, "could not build task", 500)
		return
	}
	s.enqueue(w, r, task, asynq.MaxRetry(3), asynq.Timeout(5*time.Minute))
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, task *asynq.Task, opts ...asynq.Option) {
	if s.Queue == nil {
		http.Error(w, "task queue not configured", http.StatusServiceUnavailable)
		return
	}
	info, err := s.Queue.EnqueueContext(r.Context(), task, opts...)
	if err != nil {
		log.Printf("[asynq] enqueue %s failed: %v", task.Type(), err)
		http.Error(w, "could not enqueue task", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": info.ID, "queue": info.Queue})
}

// readValue reads a bounded request body. It writes the error response itself
// and reports false when the caller should bail.
func (s *Server) readValue(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		http.Error(w, "value too large or unreadable", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return value, true
}

func (s *Server) writeCacheError(w http.ResponseWriter, key, op string, err error) {
	var bulk *cache.BulkError
	switch {
	case errors.Is(err, cache.ErrConflict):
		http.Error(w, "concurrent modification, retry", http.StatusConflict)
	case errors.As(err, &bulk):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "system of record rejected some keys",
			"failed": bulk.Failed,
		})
	default:
		log.Printf("%s %q failed: %v", op, key, err)
		http.Error(w, "cache error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json response: %v", err)
	}
}
