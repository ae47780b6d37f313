// Package authority is an in-memory implementation of the remote contract
// for development and integration tests. Every request is deduplicated by
// its idempotency key: a replay returns the stored answer and has no effect.
package authority

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/logging"
	"github.com/lazypower/clawsync/internal/remote"
	"github.com/lazypower/clawsync/internal/txn"
)

const (
	statusActive    = "active"
	statusCompleted = "completed"
	statusExpired   = "expired"
	statusMerged    = "merged"
)

// DefaultClawLimit is the free-tier cap on active claws per actor.
const DefaultClawLimit = 50

// Claw is the authority's record of an item.
type Claw struct {
	ServerID    string     `json:"server_id"`
	Owner       string     `json:"owner"`
	Content     string     `json:"content"`
	ContentType string     `json:"content_type"`
	Status      string     `json:"status"`
	Priority    bool       `json:"priority,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	MergedInto  string     `json:"merged_into,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	UpdatedBy   string     `json:"updated_by"`
}

func (c *Claw) entity() *txn.EntityState {
	return &txn.EntityState{
		ServerID:    c.ServerID,
		Status:      c.Status,
		Content:     c.Content,
		ExpiresAt:   c.ExpiresAt,
		CompletedAt: c.CompletedAt,
		MergedInto:  c.MergedInto,
		UpdatedAt:   c.UpdatedAt,
		UpdatedBy:   c.UpdatedBy,
	}
}

type answer struct {
	code  int
	reply remote.Reply
}

// Config configures an Authority.
type Config struct {
	Secret    []byte
	ClawLimit int // active claws per actor; 0 uses DefaultClawLimit, negative disables
	Now       func() time.Time
	Logger    *zap.Logger
}

// Authority holds claws and recorded answers in memory.
type Authority struct {
	secret []byte
	limit  int
	now    func() time.Time
	logger *zap.Logger
	router chi.Router

	mu       sync.Mutex
	claws    map[string]*Claw
	answers  map[string]answer
	nextID   int
	effects  int
	failNext int
	dropNext int
}

// New creates an empty Authority.
func New(cfg Config) *Authority {
	if cfg.ClawLimit == 0 {
		cfg.ClawLimit = DefaultClawLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	a := &Authority{
		secret:  cfg.Secret,
		limit:   cfg.ClawLimit,
		now:     cfg.Now,
		logger:  logging.OrNop(cfg.Logger),
		claws:   make(map[string]*Claw),
		answers: make(map[string]answer),
	}
	a.routes()
	return a
}

// ServeHTTP implements http.Handler.
func (a *Authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *Authority) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get(remote.HealthPath, a.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)
		r.Post("/api/v1/claws/{type}", a.handleTransaction)
		r.Get("/api/v1/claws/{serverID}", a.handleGetClaw)
	})
	a.router = r
}

func (a *Authority) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeReply(w, http.StatusUnauthorized, remote.Reply{Status: remote.ReplyInvalid, Error: "missing bearer token"})
			return
		}
		actor, err := remote.VerifyToken(a.secret, token)
		if err != nil {
			writeReply(w, http.StatusUnauthorized, remote.Reply{Status: remote.ReplyInvalid, Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func (a *Authority) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	claws := len(a.claws)
	a.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "claws": claws})
}

func (a *Authority) handleGetClaw(w http.ResponseWriter, r *http.Request) {
	c, ok := a.Claw(chi.URLParam(r, "serverID"))
	if !ok {
		writeReply(w, http.StatusNotFound, remote.Reply{Status: remote.ReplyInvalid, Error: "claw not found"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

func (a *Authority) handleTransaction(w http.ResponseWriter, r *http.Request) {
	typ, err := txn.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		writeReply(w, http.StatusNotFound, remote.Reply{Status: remote.ReplyInvalid, Error: err.Error()})
		return
	}
	var req remote.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeReply(w, http.StatusBadRequest, remote.Reply{Status: remote.ReplyInvalid, Error: "invalid json"})
		return
	}
	req.Type = typ
	if key := r.Header.Get(remote.IdempotencyHeader); key == "" || key != req.ID {
		writeReply(w, http.StatusBadRequest, remote.Reply{Status: remote.ReplyInvalid, Error: "idempotency key must match transaction id"})
		return
	}

	code, reply, drop := a.apply(actorFrom(r.Context()), req)
	if drop {
		// effect is recorded but the answer is lost in transit
		writeReply(w, http.StatusBadGateway, remote.Reply{Status: remote.ReplyError, Error: "upstream connection reset"})
		return
	}
	writeReply(w, code, reply)
}

// apply runs req once per id and returns the recorded answer.
func (a *Authority) apply(actor string, req remote.Request) (int, remote.Reply, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failNext > 0 {
		a.failNext--
		return http.StatusServiceUnavailable, remote.Reply{Status: remote.ReplyError, Error: "temporarily unavailable"}, false
	}
	if prev, ok := a.answers[req.ID]; ok {
		a.logger.Debug("authority: replay", zap.String("tx", req.ID))
		return prev.code, prev.reply, false
	}

	code, reply := a.mutateLocked(actor, req)
	a.answers[req.ID] = answer{code: code, reply: reply}
	a.logger.Info("authority: applied",
		zap.String("tx", req.ID), zap.String("type", string(req.Type)),
		zap.String("actor", actor), zap.Int("status", code))

	drop := false
	if a.dropNext > 0 {
		a.dropNext--
		drop = true
	}
	return code, reply, drop
}

func (a *Authority) mutateLocked(actor string, req remote.Request) (int, remote.Reply) {
	now := a.now().UTC()

	payload, err := txn.NormalizePayload(req.Type, req.EntityKey, req.Payload)
	if err != nil {
		return http.StatusUnprocessableEntity, remote.Reply{Status: remote.ReplyInvalid, Error: err.Error()}
	}

	if req.Type == txn.TypeCapture {
		p, err := txn.DecodeCapture(payload)
		if err != nil {
			return http.StatusUnprocessableEntity, remote.Reply{Status: remote.ReplyInvalid, Error: err.Error()}
		}
		if a.limit > 0 && a.activeLocked(actor) >= a.limit {
			return http.StatusForbidden, remote.Reply{Status: remote.ReplyInvalid,
				Error: fmt.Sprintf("free tier limit reached (%d active claws)", a.limit)}
		}
		a.nextID++
		expires := now.Add(p.Expiry())
		c := &Claw{
			ServerID:    fmt.Sprintf("claw-%d", a.nextID),
			Owner:       actor,
			Content:     p.Content,
			ContentType: p.ContentType,
			Status:      statusActive,
			Priority:    p.Priority,
			ExpiresAt:   &expires,
			CreatedAt:   now,
			UpdatedAt:   now,
			UpdatedBy:   actor,
		}
		a.claws[c.ServerID] = c
		a.effects++
		return http.StatusOK, remote.Reply{Status: remote.ReplyOK, ServerID: c.ServerID, ServerTimestamp: now}
	}

	c, ok := a.claws[req.EntityID]
	if !ok {
		return http.StatusNotFound, remote.Reply{Status: remote.ReplyInvalid, Error: "claw not found"}
	}
	// another actor already moved this claw out of active
	if c.Status != statusActive && c.UpdatedBy != actor {
		return http.StatusConflict, remote.Reply{
			Status: remote.ReplyConflict,
			Error:  fmt.Sprintf("claw already %s by %s", c.Status, c.UpdatedBy),
			Entity: c.entity(),
		}
	}

	switch req.Type {
	case txn.TypeStrike:
		c.Status = statusCompleted
		c.CompletedAt = &now
	case txn.TypeRelease:
		c.Status = statusExpired
	case txn.TypeExtend:
		p, err := txn.DecodeExtend(payload)
		if err != nil {
			return http.StatusUnprocessableEntity, remote.Reply{Status: remote.ReplyInvalid, Error: err.Error()}
		}
		expires := now.Add(time.Duration(p.Days) * 24 * time.Hour)
		c.ExpiresAt = &expires
	case txn.TypeMerge:
		var p txn.MergePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return http.StatusUnprocessableEntity, remote.Reply{Status: remote.ReplyInvalid, Error: err.Error()}
		}
		target, ok := a.claws[p.TargetID]
		if !ok || target == c {
			return http.StatusNotFound, remote.Reply{Status: remote.ReplyInvalid, Error: "merge target not found"}
		}
		if c.Content != "" {
			if target.Content != "" {
				target.Content += "\n"
			}
			target.Content += c.Content
		}
		target.UpdatedAt, target.UpdatedBy = now, actor
		c.Status = statusMerged
		c.MergedInto = target.ServerID
	}
	c.UpdatedAt = now
	c.UpdatedBy = actor
	a.effects++
	return http.StatusOK, remote.Reply{Status: remote.ReplyOK, ServerID: c.ServerID, ServerTimestamp: now}
}

func (a *Authority) activeLocked(actor string) int {
	n := 0
	for _, c := range a.claws {
		if c.Owner == actor && c.Status == statusActive {
			n++
		}
	}
	return n
}

// Claw returns a copy of the claw with the given server id.
func (a *Authority) Claw(serverID string) (Claw, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.claws[serverID]
	if !ok {
		return Claw{}, false
	}
	return *c, true
}

// Effects counts applied mutations. Replays do not count.
func (a *Authority) Effects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.effects
}

// FailNext answers the next n transactions with 503 without applying them.
func (a *Authority) FailNext(n int) {
	a.mu.Lock()
	a.failNext = n
	a.mu.Unlock()
}

// DropNext applies the next n transactions but loses their answers, so the
// client sees a transient failure for work that actually happened.
func (a *Authority) DropNext(n int) {
	a.mu.Lock()
	a.dropNext = n
	a.mu.Unlock()
}

func writeReply(w http.ResponseWriter, code int, reply remote.Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(reply)
}
