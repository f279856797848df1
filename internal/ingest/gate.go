// Package ingest implements the Ingest Gate of spec.md §4.1: envelope
// validation, UUIDv7 assignment, namespace authorization, and per-namespace
// rate limiting, before an event is durably appended. Grounded on the
// teacher's internal/input/gate.go for the validate-then-decide shape and
// internal/networking/bandwidth.go for the token-bucket budget (see
// ratelimit.go).
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"worldstate/internal/apperr"
	"worldstate/internal/eventlog"
	"worldstate/internal/logging"
	"worldstate/internal/namespace"
	"worldstate/internal/recovery"
	"worldstate/internal/runtimeconfig"
)

var streamPattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)*$`)

// Envelope is the wire shape accepted by POST /api/events (spec.md §3).
type Envelope struct {
	EventID   string          `json:"eventId,omitempty"`
	Stream    string          `json:"stream"`
	Source    string          `json:"source"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Accepted is returned for a successfully committed event.
type Accepted struct {
	EventID string `json:"eventId"`
	Stream  string `json:"stream"`
}

// AuthContext carries the resolved identity of the caller, if auth mode is
// enabled. A zero value means "open mode" / unauthenticated.
type AuthContext struct {
	Authenticated bool
	Namespace     namespace.Namespace
}

// Gate validates and commits events to the log.
type Gate struct {
	log         *eventlog.Log
	namespaces  *namespace.Registry
	limiter     *RateLimiter
	runtime     *runtimeconfig.Config
	authEnabled bool
	logger      *logging.Logger
	now         func() time.Time
	recorder    EventRecorder
}

// EventRecorder receives one notification per accepted event, used by the
// Metrics Ticker to feed events/sec and active-publishers counters without
// the gate depending on telemetry's concrete type.
type EventRecorder interface {
	RecordEvent(source string)
}

// New constructs a Gate. runtime supplies the mutable limits (body size,
// rate-limit on/off) that admin writes can change without a restart.
func New(log *eventlog.Log, namespaces *namespace.Registry, limiter *RateLimiter, runtime *runtimeconfig.Config, authEnabled bool, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.L()
	}
	return &Gate{log: log, namespaces: namespaces, limiter: limiter, runtime: runtime, authEnabled: authEnabled, logger: logger, now: time.Now}
}

// SetRecorder wires an EventRecorder (the Metrics Ticker) into the gate.
func (g *Gate) SetRecorder(r EventRecorder) {
	g.recorder = r
}

// Submit validates, authorizes, rate-limits, and commits a single envelope.
// It never panics on malformed input; every rejection is an *apperr.Error.
func (g *Gate) Submit(ctx context.Context, env Envelope, bearerToken string, bodySize int64) (Accepted, error) {
	limits := g.runtime.Snapshot()
	if bodySize > limits.BodySizeLimitSingle {
		return Accepted{}, apperr.New(apperr.PayloadTooLarge, fmt.Sprintf("request body exceeds %d bytes", limits.BodySizeLimitSingle))
	}

	if err := validateEnvelope(&env); err != nil {
		return Accepted{}, err
	}

	ns, err := g.authorize(env, bearerToken)
	if err != nil {
		return Accepted{}, err
	}

	if limits.RateLimitEnabled {
		if per := limits.RateLimitPerNSPerMin; per > 0 {
			// Apply the live per-namespace limit so an admin update takes
			// effect on the next request.
			g.limiter.mu.Lock()
			g.limiter.capacity = float64(per)
			g.limiter.refillPerS = float64(per) / 60.0
			g.limiter.mu.Unlock()
		}
		rateKey := "__open__"
		if ns != nil {
			rateKey = ns.Name
		}
		if ok, retryAfter := g.limiter.Allow(rateKey); !ok {
			return Accepted{}, apperr.RateLimit(retryAfter)
		}
	}

	if env.EventID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Accepted{}, apperr.Wrap(apperr.Internal, "generate event id", err)
		}
		env.EventID = id.String()
	}
	if env.Timestamp == 0 {
		env.Timestamp = g.now().UnixMilli()
	}

	data, err := json.Marshal(struct {
		EventID   string          `json:"eventId"`
		Stream    string          `json:"stream"`
		Source    string          `json:"source"`
		Timestamp int64           `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}{env.EventID, env.Stream, env.Source, env.Timestamp, env.Payload})
	if err != nil {
		return Accepted{}, apperr.Wrap(apperr.Internal, "marshal envelope", err)
	}

	if err := g.log.EnsureStream(recovery.StreamName); err != nil {
		return Accepted{}, apperr.Wrap(apperr.Unavailable, "log backbone unavailable", err)
	}
	if _, err := g.log.Append(ctx, recovery.StreamName, env.Stream, data); err != nil {
		return Accepted{}, apperr.Wrap(apperr.Unavailable, "append to log", err)
	}

	if g.recorder != nil {
		g.recorder.RecordEvent(env.Source)
	}

	return Accepted{EventID: env.EventID, Stream: env.Stream}, nil
}

// BatchResult is one entry in the response to POST /api/events/batch.
type BatchResult struct {
	Accepted *Accepted
	Err      error
}

// SubmitBatch iterates events, submitting each independently. One event's
// failure never aborts the batch (spec.md §4.1 step 7).
func (g *Gate) SubmitBatch(ctx context.Context, envelopes []Envelope, bearerToken string, bodySize int64) []BatchResult {
	limits := g.runtime.Snapshot()
	if bodySize > limits.BodySizeLimitBatch {
		results := make([]BatchResult, len(envelopes))
		for i := range results {
			results[i] = BatchResult{Err: apperr.New(apperr.PayloadTooLarge, fmt.Sprintf("batch body exceeds %d bytes", limits.BodySizeLimitBatch))}
		}
		return results
	}
	results := make([]BatchResult, 0, len(envelopes))
	for _, env := range envelopes {
		accepted, err := g.Submit(ctx, env, bearerToken, 0)
		if err != nil {
			results = append(results, BatchResult{Err: err})
			continue
		}
		a := accepted
		results = append(results, BatchResult{Accepted: &a})
	}
	return results
}

func (g *Gate) authorize(env Envelope, bearerToken string) (*namespace.Namespace, error) {
	if !g.authEnabled {
		return nil, nil
	}
	token := strings.TrimSpace(bearerToken)
	if token == "" {
		return nil, apperr.New(apperr.Unauthorized, "missing bearer token")
	}
	ns, err := g.namespaces.Authenticate(token)
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "invalid bearer token")
	}

	var payload struct {
		EntityID string `json:"entity_id"`
	}
	_ = json.Unmarshal(env.Payload, &payload)
	if payload.EntityID != "" && !namespace.AuthorizesEntity(ns, payload.EntityID) {
		return nil, apperr.New(apperr.Forbidden, fmt.Sprintf("entity id must have prefix %q", ns.Name+"/"))
	}
	return &ns, nil
}

func validateEnvelope(env *Envelope) error {
	if env.EventID != "" {
		if _, err := uuid.Parse(env.EventID); err != nil {
			return apperr.Field("eventId", "must be a valid UUID when provided")
		}
	}
	env.Stream = strings.ToLower(strings.TrimSpace(env.Stream))
	if env.Stream == "" {
		return apperr.Field("stream", "is required")
	}
	if !streamPattern.MatchString(env.Stream) {
		return apperr.Field("stream", "must match ^[a-z0-9]+(\\.[a-z0-9]+)*$")
	}
	if strings.TrimSpace(env.Source) == "" {
		return apperr.Field("source", "is required")
	}
	if env.Timestamp < 0 {
		return apperr.Field("timestamp", "must be a positive integer")
	}
	if len(env.Payload) == 0 {
		return apperr.Field("payload", "is required")
	}
	var probe any
	if err := json.Unmarshal(env.Payload, &probe); err != nil {
		return apperr.Field("payload", "must be valid JSON")
	}
	if _, ok := probe.(map[string]any); !ok {
		return apperr.Field("payload", "must be a JSON object")
	}
	return nil
}
