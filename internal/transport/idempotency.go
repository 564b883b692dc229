package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openattest/certflow/internal/idempotency"
	"github.com/openattest/certflow/internal/observability"
)

// idempotencyKeyHeader carries the client-chosen deduplication key.
const idempotencyKeyHeader = "Idempotency-Key"

// replayTTL is how long a cached transition response stays replayable.
const replayTTL = 24 * time.Hour

// withIdempotency wraps a transition handler so requests carrying an
// Idempotency-Key header are executed at most once. A retry with the same
// key and body replays the original response; the same key with a different
// body is a CONFLICT. Requests without the header pass through untouched.
func withIdempotency(store idempotency.Store, logger *zap.Logger, next http.HandlerFunc) http.HandlerFunc {
	if store == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		clientKey := r.Header.Get(idempotencyKeyHeader)
		if clientKey == "" {
			next(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		sum := sha256.Sum256(body)
		inputHash := hex.EncodeToString(sum[:])
		key := idempotency.Key(chi.URLParam(r, "instanceId"), clientKey)

		cached, found, err := store.Check(r.Context(), key, inputHash)
		if err != nil {
			WriteError(w, err)
			return
		}
		if found {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(cached.Status)
			w.Write(cached.Body)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		// Server errors are not cached so the client can retry for real.
		if rec.status >= http.StatusInternalServerError {
			return
		}
		err = store.Save(r.Context(), key, inputHash, idempotency.CachedResponse{
			Status: rec.status,
			Body:   rec.body.Bytes(),
		}, replayTTL)
		if err != nil {
			observability.RequestLogger(r.Context(), logger).Warn("idempotency save failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

// recordingWriter tees the response so it can be cached for replay.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	body    bytes.Buffer
	written bool
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.written = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
