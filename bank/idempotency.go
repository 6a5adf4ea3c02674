/*
idempotency.go - Retry-safe execution shell for keyed operations

PURPOSE:
  Makes client retries of the same logical operation return the original
  result without re-applying its effect. The client supplies a key and a
  fingerprint of the request; the wrapper decides whether to run the
  operation or replay the cached result.

LOOKUP DISCIPLINE (race-safe):
  1. Look up an existing record for the key inside the unit of work.
  2. Found and stale: delete it, treat as not found.
  3. Found and fresh: fingerprints equal => replay cached result, the
     operation does NOT run again. Unequal => ErrIdempotencyConflict.
  4. Not found: run the operation, then insert {key, fingerprint, result}
     in the SAME unit of work, so the effect and its record commit together.
  5. Insert lost a race (key now exists): the whole unit of work rolls back,
     taking the operation's effect with it. The winner's committed record is
     re-read and step 3's comparison applied. The operation may have been
     attempted twice at the store level, but is never applied twice.

CACHED RESULT FORMAT:
  The payload is stored as {kind, payload} where kind is a closed enum of
  known result shapes. Restoration is a total switch over that enum; there
  is no type-name-based dynamic lookup.

SEE ALSO:
  - store.go: unique-key insert contract
  - engine.go: wires Transfer through Execute
*/
package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RetentionWindow is how long a cached result remains replayable. Records
// older than this are purged on next lookup and the key becomes reusable
// for a new, unrelated operation.
const RetentionWindow = 24 * time.Hour

// =============================================================================
// RESULT - Closed tagged union of cacheable response shapes
// =============================================================================

type ResultKind string

const (
	// KindAccount tags a cached account view, the result shape of transfers.
	KindAccount ResultKind = "account"
)

// Result is a serializable operation outcome. Implementations form a closed
// set; decodeResult must handle every kind.
type Result interface {
	Kind() ResultKind
}

// AccountResult is the updated account view returned by money movements.
type AccountResult struct {
	Account Account `json:"account"`
}

func (AccountResult) Kind() ResultKind { return KindAccount }

// envelope is the stored form of a cached result.
type envelope struct {
	Kind    ResultKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func encodeResult(res Result) ([]byte, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize cached result: %w", err)
	}
	return json.Marshal(envelope{Kind: res.Kind(), Payload: payload})
}

func decodeResult(body []byte) (Result, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached result: %w", err)
	}

	switch env.Kind {
	case KindAccount:
		var res AccountResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			return nil, fmt.Errorf("failed to deserialize cached account: %w", err)
		}
		return res, nil
	default:
		return nil, fmt.Errorf("unknown cached result kind %q", env.Kind)
	}
}

// =============================================================================
// IDEMPOTENT - Generic retry-safe execution wrapper
// =============================================================================

// Operation is a unit of work producing a serializable result. It runs
// inside the wrapper's atomic boundary so that its effect and the
// idempotency record commit together.
type Operation func(ctx context.Context, uow UnitOfWork) (Result, error)

// Idempotent wraps operations so that retries with the same key and
// fingerprint replay the first result instead of re-running the operation.
type Idempotent struct {
	store Store
	now   func() time.Time
}

func NewIdempotent(store Store) *Idempotent {
	return &Idempotent{store: store, now: time.Now}
}

// Execute runs op under the idempotency discipline described in the file
// header. key must be non-empty; fingerprint is an opaque equality token
// computed by the caller over the request's canonical serialization.
//
// The boolean reports whether op's effect was committed by THIS call; it is
// false when a cached result was replayed (including after a lost insert
// race, where op may have run but its unit of work rolled back).
func (i *Idempotent) Execute(ctx context.Context, key, fingerprint string, op Operation) (Result, bool, error) {
	if key == "" {
		return nil, false, ErrIdempotencyKeyRequired
	}

	var out Result
	executed := false
	err := i.store.Atomically(ctx, func(uow UnitOfWork) error {
		rec, found, err := uow.GetIdempotencyRecord(ctx, key)
		if err != nil {
			return err
		}

		if found {
			if rec.Stale(i.now()) {
				// Retention window passed: the key is reusable.
				if err := uow.DeleteIdempotencyRecord(ctx, key); err != nil {
					return err
				}
			} else {
				if rec.RequestHash != fingerprint {
					return ErrIdempotencyConflict
				}
				out, err = decodeResult(rec.ResponseBody)
				return err
			}
		}

		res, err := op(ctx, uow)
		if err != nil {
			return err
		}

		body, err := encodeResult(res)
		if err != nil {
			return err
		}
		if err := uow.InsertIdempotencyRecord(ctx, IdempotencyRecord{
			Key:          key,
			RequestHash:  fingerprint,
			ResponseBody: body,
			CreatedAt:    i.now().UTC(),
		}); err != nil {
			return err
		}

		out = res
		executed = true
		return nil
	})

	if errors.Is(err, ErrDuplicateKey) {
		// The insert lost a race; this unit of work rolled back wholesale.
		res, replayErr := i.replayWinner(ctx, key, fingerprint)
		return res, false, replayErr
	}
	if err != nil {
		return nil, false, err
	}
	return out, executed, nil
}

// replayWinner handles the losing side of a concurrent identical retry: the
// losing unit of work rolled back wholesale, and the record committed by the
// winner carries the authoritative result.
func (i *Idempotent) replayWinner(ctx context.Context, key, fingerprint string) (Result, error) {
	rec, found, err := i.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		// The winner's record vanished between the failed insert and this
		// read (e.g. purged). Treat as key misuse rather than retrying.
		return nil, ErrIdempotencyConflict
	}
	if rec.RequestHash != fingerprint {
		return nil, ErrIdempotencyConflict
	}
	return decodeResult(rec.ResponseBody)
}
