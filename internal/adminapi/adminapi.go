// Package adminapi is ballotd's operability surface: health, metrics, a
// per-blockable change-set debug view, and a live event stream for
// operators. Routing follows gateway/routes/router.go's chi.Router
// composition; bearer-token auth follows gateway/middleware/auth.go's HMAC
// JWT middleware, narrowed to a single shared secret since this surface has
// no per-tenant scopes; the debug stream follows rpc/ws.go's
// nhooyr.io/websocket accept-and-pump pattern.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"ballotd/internal/analytics"
	"ballotd/internal/ballotmodels"
	"ballotd/internal/store"
	"ballotd/observability/metrics"
)

const wsWriteTimeout = 10 * time.Second

// Deps are the collaborators the admin surface reads from; it never writes
// voting state.
type Deps struct {
	Store     *store.Store
	Analytics *analytics.Sink
	JWTSecret string
	Log       *slog.Logger
}

// NewRouter builds the admin HTTP surface.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(gr chi.Router) {
		gr.Use(requireBearer(d.JWTSecret))
		gr.Get("/debug/changesets/{blockable_id}", d.handleChangeSets)
		gr.Get("/debug/stream", d.handleStream)
	})

	return r
}

func requireBearer(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "admin auth not configured", http.StatusInternalServerError)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				tokenString = strings.TrimSpace(r.URL.Query().Get("access_token"))
			}
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (d Deps) handleChangeSets(w http.ResponseWriter, r *http.Request) {
	blockableID := chi.URLParam(r, "blockable_id")
	sets, err := d.Store.QueryChangeSets(r.Context(), blockableID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sets)
}

func writeJSON(w http.ResponseWriter, v []ballotmodels.ChangeSet) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleStream upgrades to a websocket and relays analytics rows as they are
// Inserted, for operators watching state changes and rule synthesis live.
func (d Deps) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	rows, unsubscribe := d.Analytics.Subscribe(64)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case row, ok := <-rows:
			if !ok {
				return
			}
			if err := writeRow(ctx, conn, row); err != nil {
				if status := websocket.CloseStatus(err); status == -1 {
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func writeRow(ctx context.Context, conn *websocket.Conn, row analytics.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
