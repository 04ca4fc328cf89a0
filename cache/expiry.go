package cache

import (
	"math"
	"time"

	"github.com/rs/zerolog"
)

const (
	// NoExpiry is the stored deadline of a record that never expires.
	NoExpiry int64 = -1

	// KeepExpiry is a policy result meaning the stored deadline stays as it
	// is. Only meaningful for access and update; creation must resolve to a
	// concrete deadline or Eternal.
	KeepExpiry int64 = -1

	// Eternal is a policy result meaning the record never expires. It is
	// normalized to NoExpiry before hitting the store.
	Eternal int64 = math.MaxInt64
)

// Policy decides expiry deadlines for the three lifecycle moments of a
// record. Each method receives the operation's logical time in epoch
// milliseconds and returns a deadline in the same unit, Eternal, or
// KeepExpiry (access and update only).
type Policy interface {
	ForCreation(now int64) (int64, error)
	ForAccess(now int64) (int64, error)
	ForUpdate(now int64) (int64, error)
}

// evaluator wraps a Policy so its failures never abort a cache operation.
// A failing creation defaults to Eternal, a failing access or update leaves
// the deadline untouched, and both are logged.
type evaluator struct {
	policy Policy
	log    zerolog.Logger
}

func (e evaluator) forCreation(now int64) int64 {
	exp, err := e.policy.ForCreation(now)
	if err != nil {
		e.log.Error().Err(err).Int64("now", now).Msg("expiry policy failed on creation, treating record as eternal")
		return Eternal
	}
	if exp == KeepExpiry {
		// nothing to keep on creation
		return Eternal
	}
	return exp
}

func (e evaluator) forAccess(now int64) int64 {
	exp, err := e.policy.ForAccess(now)
	if err != nil {
		e.log.Error().Err(err).Int64("now", now).Msg("expiry policy failed on access, keeping stored deadline")
		return KeepExpiry
	}
	return exp
}

func (e evaluator) forUpdate(now int64) int64 {
	exp, err := e.policy.ForUpdate(now)
	if err != nil {
		e.log.Error().Err(err).Int64("now", now).Msg("expiry policy failed on update, keeping stored deadline")
		return KeepExpiry
	}
	return exp
}

// resolveExpiry turns a policy result into the value destined for the store.
// changed is false when the stored deadline must not be touched.
func resolveExpiry(result int64) (stored int64, changed bool) {
	switch result {
	case KeepExpiry:
		return 0, false
	case Eternal:
		return NoExpiry, true
	default:
		return result, true
	}
}

// deadline converts a TTL into an absolute deadline relative to now.
// Non-positive TTLs mean the record never expires.
func deadline(now int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return Eternal
	}
	return now + ttl.Milliseconds()
}

// EternalPolicy keeps records forever. It is the default policy.
type EternalPolicy struct{}

func (EternalPolicy) ForCreation(int64) (int64, error) { return Eternal, nil }
func (EternalPolicy) ForAccess(int64) (int64, error)   { return KeepExpiry, nil }
func (EternalPolicy) ForUpdate(int64) (int64, error)   { return KeepExpiry, nil }

// CreatedTTL expires a record a fixed duration after it was created.
// Accesses and updates do not move the deadline.
type CreatedTTL struct {
	TTL time.Duration
}

func (p CreatedTTL) ForCreation(now int64) (int64, error) { return deadline(now, p.TTL), nil }
func (p CreatedTTL) ForAccess(int64) (int64, error)       { return KeepExpiry, nil }
func (p CreatedTTL) ForUpdate(int64) (int64, error)       { return KeepExpiry, nil }

// AccessedTTL expires a record a fixed duration after it was last read.
// Creation arms the deadline, updates leave it alone.
type AccessedTTL struct {
	TTL time.Duration
}

func (p AccessedTTL) ForCreation(now int64) (int64, error) { return deadline(now, p.TTL), nil }
func (p AccessedTTL) ForAccess(now int64) (int64, error)   { return deadline(now, p.TTL), nil }
func (p AccessedTTL) ForUpdate(int64) (int64, error)       { return KeepExpiry, nil }

// ModifiedTTL expires a record a fixed duration after it was last written.
// Reads leave the deadline alone.
type ModifiedTTL struct {
	TTL time.Duration
}

func (p ModifiedTTL) ForCreation(now int64) (int64, error) { return deadline(now, p.TTL), nil }
func (p ModifiedTTL) ForAccess(int64) (int64, error)       { return KeepExpiry, nil }
func (p ModifiedTTL) ForUpdate(now int64) (int64, error)   { return deadline(now, p.TTL), nil }

// TouchedTTL expires a record a fixed duration after any interaction with it.
type TouchedTTL struct {
	TTL time.Duration
}

func (p TouchedTTL) ForCreation(now int64) (int64, error) { return deadline(now, p.TTL), nil }
func (p TouchedTTL) ForAccess(now int64) (int64, error)   { return deadline(now, p.TTL), nil }
func (p TouchedTTL) ForUpdate(now int64) (int64, error)   { return deadline(now, p.TTL), nil }
