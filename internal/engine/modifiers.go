package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/scheme-live/pkg/pipeline"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

func requirePermission(perm state.Permission) pipeline.ModifierFunc {
	return func(pctx *pipeline.Cargo) error {
		if pctx.Principal().Can(perm) {
			return nil
		}
		return pipeline.Reject(protocol.CodePermissionDenied, "missing permission for %s", pctx.Event)
	}
}

func validatePayload(schema *jsonschema.Schema) pipeline.ModifierFunc {
	return func(pctx *pipeline.Cargo) error {
		var doc any
		if len(pctx.Payload) > 0 {
			if err := json.Unmarshal(pctx.Payload, &doc); err != nil {
				return pipeline.Reject(protocol.CodeMalformedPayload, "payload is not valid JSON")
			}
		}
		if err := schema.Validate(doc); err != nil {
			var verr *jsonschema.ValidationError
			if errors.As(err, &verr) {
				return pipeline.Reject(protocol.CodeMalformedPayload, "%s", firstCause(verr))
			}
			return pipeline.Reject(protocol.CodeMalformedPayload, "%v", err)
		}
		return nil
	}
}

// firstCause digs down to the most specific failure, which reads better than
// the schema-level summary.
func firstCause(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := verr.InstanceLocation
	if loc == "" {
		loc = "payload"
	}
	return loc + ": " + verr.Message
}

type rateWindow struct {
	requests int
	started  time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	per     time.Duration
	windows map[string]*rateWindow
}

// parseRate reads limits such as "10/s", "30/m" or "100/h".
func parseRate(spec string) (int, time.Duration, error) {
	parts := strings.Split(spec, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit format: %s", spec)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit count: %s", parts[0])
	}

	switch strings.ToLower(parts[1]) {
	case "s":
		return limit, time.Second, nil
	case "m":
		return limit, time.Minute, nil
	case "h":
		return limit, time.Hour, nil
	default:
		return 0, 0, fmt.Errorf("invalid rate_limit duration unit: %s", parts[1])
	}
}

// newRateLimitModifier allows each user a fixed number of events per window.
func newRateLimitModifier(logger *slog.Logger, spec string) (pipeline.ModifierFunc, error) {
	limit, per, err := parseRate(spec)
	if err != nil {
		return nil, err
	}
	rl := &rateLimiter{limit: limit, per: per, windows: make(map[string]*rateWindow)}

	return func(pctx *pipeline.Cargo) error {
		userID := pctx.Principal().UserID
		now := pctx.Now

		rl.mu.Lock()
		defer rl.mu.Unlock()

		w, found := rl.windows[userID]
		if !found || now.Sub(w.started) >= rl.per {
			fresh := &rateWindow{requests: 1, started: now}
			rl.windows[userID] = fresh
			event := pctx.Event
			// drop the entry once its window is over, unless it was renewed
			time.AfterFunc(rl.per, func() {
				rl.mu.Lock()
				if rl.windows[userID] == fresh {
					delete(rl.windows, userID)
				}
				rl.mu.Unlock()
				logger.Debug("Auto-cleaning expired rate_limit state", "user", userID, "event", event)
			})
			return nil
		}
		if w.requests < rl.limit {
			w.requests++
			return nil
		}
		return pipeline.Reject(protocol.CodeRateLimited, "rate limit for event '%s' exceeded", pctx.Event)
	}, nil
}
