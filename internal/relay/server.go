// Copyright 2024 The Histlog Authors
// This file is part of Histlog.
//
// Histlog is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Histlog is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Histlog. If not, see <http://www.gnu.org/licenses/>.

// Package relay implements the per-user opaque record bag server
// (spec.md §4.4): status summaries, out-of-order-tolerant append,
// paged read, administrative delete, and bearer-token login. It knows
// nothing about payload contents — only structure and quotas.
package relay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/intutil"
	"github.com/histlog/histlog/internal/record"
	"github.com/histlog/histlog/internal/telemetry"
	"github.com/histlog/histlog/internal/wire"
	"go.uber.org/zap"
)

// Config configures a Server.
type Config struct {
	JWTSigningKey      []byte
	QuotaRecords       int64
	QuotaBytes         int64
	CORSAllowedOrigins []string
}

// Server is the relay's HTTP surface.
type Server struct {
	router       chi.Router
	store        *Store
	metrics      *telemetry.RelayMetrics
	logger       *zap.Logger
	signingKey   []byte
	quotaRecords int64
	quotaBytes   int64
	tokenCache   *lru.Cache[string, sessionClaims]
}

// NewServer builds a Server over an already-open *sql.DB (typically
// dedicated to the relay, separate from any client's history.db).
func NewServer(ctx context.Context, cfg Config, db *sql.DB, metrics *telemetry.RelayMetrics, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	tokenCache, err := lru.New[string, sessionClaims](tokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("relay: build token cache: %w", err)
	}

	s := &Server{
		store:        store,
		metrics:      metrics,
		logger:       logger,
		signingKey:   cfg.JWTSigningKey,
		quotaRecords: cfg.QuotaRecords,
		quotaBytes:   cfg.QuotaBytes,
		tokenCache:   tokenCache,
	}
	s.router = s.buildRouter(cfg.CORSAllowedOrigins)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter(allowedOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Post("/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/sync/status", s.handleStatus)
		r.Post("/records", s.handleAppend)
		r.Get("/records", s.handleListRecords)
		r.Delete("/record/{id}", s.handleDeleteRecord)
		r.Get("/me", s.handleMe)
	})

	return r
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req wire.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed login request")
		return
	}
	token, _, err := issueToken(s.signingKey, req.Username)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not issue session")
		return
	}
	writeJSON(w, http.StatusOK, wire.LoginResponse{Session: token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userIDFromContext(r.Context())})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	user := userIDFromContext(r.Context())
	status, err := s.store.Status(r.Context(), user)
	if err != nil {
		s.logger.Error("status query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}

	hosts := map[string]map[string]uint64{}
	for key, idx := range status {
		h := hosts[key.Host.String()]
		if h == nil {
			h = map[string]uint64{}
			hosts[key.Host.String()] = h
		}
		h[string(key.Stream)] = idx
	}
	writeJSON(w, http.StatusOK, wire.StatusResponse{Hosts: hosts})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.AppendDuration)
		defer timer.ObserveDuration()
	}
	user := userIDFromContext(r.Context())

	var body []wire.Record
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed record batch")
		return
	}

	if s.quotaRecords > 0 || s.quotaBytes > 0 {
		count, bytes, err := s.store.CountAndSize(r.Context(), user)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "quota check failed")
			return
		}
		projectedRecords, recordsOverflowed := intutil.SafeAdd(uint64(count), uint64(len(body)))
		projectedBytes, bytesOverflowed := intutil.SafeAdd(uint64(bytes), uint64(totalPayloadBytes(body)))
		if recordsOverflowed || bytesOverflowed ||
			(s.quotaRecords > 0 && projectedRecords > uint64(s.quotaRecords)) ||
			(s.quotaBytes > 0 && projectedBytes > uint64(s.quotaBytes)) {
			if s.metrics != nil {
				s.metrics.QuotaRejections.Inc()
			}
			writeError(w, http.StatusTooManyRequests, "quota exceeded")
			return
		}
	}

	results := make([]wire.AppendResult, len(body))
	for i, wr := range body {
		rec, err := wr.ToRecord()
		if err != nil {
			results[i] = wire.AppendResult{ID: wr.ID, OK: false, Error: err.Error()}
			if s.metrics != nil {
				s.metrics.RecordsRejected.WithLabelValues("decode").Inc()
			}
			continue
		}
		if err := s.store.Append(r.Context(), user, rec); err != nil {
			results[i] = wire.AppendResult{ID: wr.ID, OK: false, Error: err.Error()}
			if s.metrics != nil {
				s.metrics.RecordsRejected.WithLabelValues("store").Inc()
			}
			continue
		}
		results[i] = wire.AppendResult{ID: wr.ID, OK: true}
		if s.metrics != nil {
			s.metrics.RecordsAppended.Inc()
		}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.DownloadDuration)
		defer timer.ObserveDuration()
	}
	user := userIDFromContext(r.Context())
	q := r.URL.Query()

	host, err := ids.Parse(q.Get("host"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad host")
		return
	}
	stream := record.Stream(q.Get("stream"))
	start, err := strconv.ParseUint(q.Get("start"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad start")
		return
	}
	count, err := strconv.Atoi(q.Get("count"))
	if err != nil || count <= 0 {
		writeError(w, http.StatusBadRequest, "bad count")
		return
	}

	recs, err := s.store.Range(r.Context(), user, host, stream, start, count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "range query failed")
		return
	}

	out := make([]wire.Record, len(recs))
	for i, rec := range recs {
		out[i] = wire.FromRecord(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	user := userIDFromContext(r.Context())
	id, err := ids.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad record id")
		return
	}

	if err := s.store.Delete(r.Context(), user, id); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func totalPayloadBytes(body []wire.Record) int64 {
	var total int64
	for _, wr := range body {
		total += int64(base64.StdEncoding.DecodedLen(len(wr.PayloadBase64)))
	}
	return total
}

func isNotFound(err error) bool {
	return errors.Is(err, herrors.ErrNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, wire.ErrorResponse{Error: message})
}
