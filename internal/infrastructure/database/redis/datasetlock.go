package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/config"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Dataset lock
// ─────────────────────────────────────────────────────────────────────────────
//
// Every association batch takes an exclusive per-dataset lease before it
// snapshots the running catalog, and releases it after the commit.  The lock
// key is <prefix>:lock:dataset:<id>; the value is a random UUID so only the
// acquiring lease can release or extend it.  A TTL bounds how long a crashed
// worker keeps its dataset locked, and an optional watchdog goroutine keeps
// long batches alive by re-extending the lease at TTL/3 intervals.

const (
	defaultKeyPrefix = "skymatch"
	defaultLockTTL   = 30 * time.Second
)

// ErrLeaseNotHeld is returned by Unlock and Extend when the lease value no
// longer matches: the TTL expired, or another worker holds the dataset.
var ErrLeaseNotHeld = appErrors.New(appErrors.ErrCodeConflict, "dataset lease is no longer held")

// unlockScript deletes the lock key only when it still carries this lease's
// value, so a lease that outlived its TTL cannot release a successor's lock.
var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// extendScript refreshes the TTL only when the key still carries this
// lease's value.
var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Commands is the Redis command surface the dataset lock uses.  *Client
// implements it; unit tests substitute an in-memory fake.
type Commands interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	EvalInt(ctx context.Context, script *redis.Script, keys []string, args ...any) (int64, error)
	PTTL(ctx context.Context, key string) (time.Duration, error)
}

var _ Commands = (*Client)(nil)

// DatasetLock hands out per-dataset leases.  It implements
// association.DatasetLock.
type DatasetLock struct {
	client    Commands
	keyPrefix string
	ttl       time.Duration
	watchdog  bool
	logger    logging.Logger
}

var _ association.DatasetLock = (*DatasetLock)(nil)

// NewDatasetLock builds the lock factory.  LockTTL and KeyPrefix fall back
// to package defaults when unset; LockWatchdog enables background lease
// extension for batches that may outrun the TTL.
func NewDatasetLock(client Commands, cfg config.RedisConfig, logger logging.Logger) *DatasetLock {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &DatasetLock{
		client:    client,
		keyPrefix: prefix,
		ttl:       ttl,
		watchdog:  cfg.LockWatchdog,
		logger:    logger.Named("dataset_lock"),
	}
}

// TryLock attempts a single SET NX acquire.  It does not retry: a busy
// dataset means another batch is mid-flight, and the caller re-queues the
// image rather than waiting.
func (l *DatasetLock) TryLock(ctx context.Context, datasetID int64) (association.LockLease, error) {
	key := l.key(datasetID)
	value := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, value, l.ttl)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeCacheError, "failed to acquire dataset lock")
	}
	if !ok {
		return nil, appErrors.DatasetBusy(fmt.Sprintf("dataset %d is locked by another association batch", datasetID))
	}

	lease := &Lease{
		client: l.client,
		key:    key,
		value:  value,
		ttl:    l.ttl,
		logger: l.logger,
	}
	if l.watchdog {
		lease.startWatchdog()
	}
	l.logger.Debug("dataset lock acquired",
		logging.Int64("dataset_id", datasetID),
		logging.Duration("ttl", l.ttl),
		logging.Bool("watchdog", l.watchdog),
	)
	return lease, nil
}

func (l *DatasetLock) key(datasetID int64) string {
	return fmt.Sprintf("%s:lock:dataset:%d", l.keyPrefix, datasetID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Lease
// ─────────────────────────────────────────────────────────────────────────────

// Lease is one held dataset lock.  It implements association.LockLease and
// additionally supports manual extension and TTL inspection.
type Lease struct {
	client Commands
	key    string
	value  string
	ttl    time.Duration
	logger logging.Logger

	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}
}

// Unlock releases the lease with a compare-and-delete.  Returns
// ErrLeaseNotHeld if the lease already expired or was taken over; the batch
// has still committed when that happens, so callers log rather than fail.
func (le *Lease) Unlock(ctx context.Context) error {
	le.stopWatchdog()

	res, err := le.client.EvalInt(ctx, unlockScript, []string{le.key}, le.value)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrCodeCacheError, "failed to release dataset lock")
	}
	if res == 0 {
		return ErrLeaseNotHeld
	}
	le.logger.Debug("dataset lock released", logging.String("key", le.key))
	return nil
}

// Extend refreshes the lease TTL with a compare-and-expire.  Reports whether
// the lease was still held.
func (le *Lease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := le.client.EvalInt(ctx, extendScript, []string{le.key}, le.value, ttl.Milliseconds())
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrCodeCacheError, "failed to extend dataset lock")
	}
	return res == 1, nil
}

// TTL reports the remaining lease lifetime.
func (le *Lease) TTL(ctx context.Context) (time.Duration, error) {
	return le.client.PTTL(ctx, le.key)
}

// ─────────────────────────────────────────────────────────────────────────────
// Watchdog
// ─────────────────────────────────────────────────────────────────────────────

func (le *Lease) startWatchdog() {
	ctx, cancel := context.WithCancel(context.Background())
	le.watchdogCancel = cancel
	le.watchdogDone = make(chan struct{})
	go le.runWatchdog(ctx)
}

// stopWatchdog cancels the watchdog and waits for it to exit, so no
// extension can race with the unlock that follows.
func (le *Lease) stopWatchdog() {
	if le.watchdogCancel == nil {
		return
	}
	le.watchdogCancel()
	<-le.watchdogDone
	le.watchdogCancel = nil
}

func (le *Lease) runWatchdog(ctx context.Context) {
	defer close(le.watchdogDone)

	ticker := time.NewTicker(le.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := le.Extend(ctx, le.ttl)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				le.logger.Error("dataset lock watchdog failed to extend lease",
					logging.String("key", le.key), logging.Err(err))
				return
			}
			if !ok {
				le.logger.Warn("dataset lock lease lost before release",
					logging.String("key", le.key))
				return
			}
		}
	}
}
