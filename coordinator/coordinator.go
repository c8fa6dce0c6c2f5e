// Package coordinator accepts custody mutations, validates them against the
// last known ledger state and submits them one at a time per asset.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahmadzakiakmal/custody/contract"
	"github.com/ahmadzakiakmal/custody/gateway"
	"github.com/ahmadzakiakmal/custody/lifecycle"
	"github.com/ahmadzakiakmal/custody/session"
)

// DefaultWriteTimeout bounds the wait on a single ledger write.
const DefaultWriteTimeout = 30 * time.Second

var (
	ErrMissingRecipient = errors.New("ship requires a valid recipient account")
	ErrEmptyLabel       = errors.New("product label must not be empty")
	ErrUnknownAction    = errors.New("unknown action")
)

// Ledger is the write surface of the gateway.
type Ledger interface {
	Create(ctx context.Context, from, label string) (uint64, gateway.Receipt, error)
	MarkForSale(ctx context.Context, from string, id uint64) (gateway.Receipt, error)
	Ship(ctx context.Context, from string, id uint64, recipient string) (gateway.Receipt, error)
	Receive(ctx context.Context, from string, id uint64) (gateway.Receipt, error)
	Sell(ctx context.Context, from string, id uint64) (gateway.Receipt, error)
}

// Cache is the registry surface the coordinator reads and reconciles.
type Cache interface {
	Get(ctx context.Context, id uint64) (lifecycle.Asset, error)
	Reload(ctx context.Context, id uint64) (lifecycle.Asset, error)
}

// Sessions reports the active session, failing when there is none.
type Sessions interface {
	Require(ctx context.Context) (session.Session, error)
}

// Journal receives every resolved record. It is an audit trail only.
type Journal interface {
	RecordSubmission(ctx context.Context, rec *Record) error
}

// Config configures a Coordinator. Zero values select defaults.
type Config struct {
	WriteTimeout time.Duration
	Journal      Journal
	Registerer   prometheus.Registerer
}

type Coordinator struct {
	ledger   Ledger
	cache    Cache
	sessions Sessions
	journal  Journal
	logger   cmtlog.Logger

	writeTimeout time.Duration
	locks        *keyedLock
	metrics      *metrics

	mu      sync.Mutex
	pending map[string]*Record
}

func New(cfg Config, ledger Ledger, cache Cache, sessions Sessions, logger cmtlog.Logger) *Coordinator {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Coordinator{
		ledger:       ledger,
		cache:        cache,
		sessions:     sessions,
		journal:      cfg.Journal,
		logger:       logger,
		writeTimeout: cfg.WriteTimeout,
		locks:        newKeyedLock(),
		metrics:      newMetrics(cfg.Registerer),
		pending:      make(map[string]*Record),
	}
}

// Submit applies action to asset id on behalf of the session account.
//
// Input errors, session errors and cancellation while queued for the asset
// are returned as errors with no record. Every other outcome is a resolved
// record: Confirmed, or Failed with the validator or ledger reason. A
// Failed record is never resubmitted.
func (c *Coordinator) Submit(ctx context.Context, id uint64, action lifecycle.Action, params Params) (*Record, error) {
	if !knownAction(action) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	recipient := strings.ToLower(strings.TrimSpace(params.Recipient))
	if action == lifecycle.Ship && !contract.ValidAccount(recipient) {
		return nil, ErrMissingRecipient
	}

	sess, err := c.sessions.Require(ctx)
	if err != nil {
		return nil, err
	}

	release, err := c.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          uuid.NewString(),
		AssetID:     id,
		Action:      action,
		Actor:       sess.Account,
		Recipient:   recipient,
		SubmittedAt: time.Now(),
	}
	start := time.Now()
	// The asset is unlocked before the journal write so a slow journal does
	// not hold up the next submission for it.
	defer func() {
		c.report(rec, start)
		release()
		c.record(ctx, rec)
	}()

	asset, err := c.cache.Get(ctx, id)
	if err != nil {
		rec.fail(err, false)
		return rec, nil
	}

	decision := lifecycle.Validate(asset, action, sess.Account)
	if !decision.Allowed {
		// The cached state may be stale. Re-read once before denying.
		if fresh, err := c.cache.Reload(ctx, id); err == nil {
			decision = lifecycle.Validate(fresh, action, sess.Account)
		}
	}
	if !decision.Allowed {
		rec.deny(decision)
		return rec, nil
	}

	c.track(rec)
	defer c.untrack(rec)

	// Once the write is sent it runs to an outcome even if the caller goes away.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()

	// The write is sent as the account the validator approved.
	receipt, err := c.write(wctx, rec.Actor, id, action, recipient)
	if err != nil {
		rec.fail(err, true)
		return rec, nil
	}
	rec.confirm(receipt)

	if _, err := c.cache.Reload(wctx, id); err != nil {
		c.logger.Error("Reload after confirmed write failed", "asset", id, "err", err)
	}
	return rec, nil
}

// Create registers a new product. Creation has no asset id yet, so it is
// not serialized against other submissions.
func (c *Coordinator) Create(ctx context.Context, label string) (*Record, error) {
	if strings.TrimSpace(label) == "" {
		return nil, ErrEmptyLabel
	}
	sess, err := c.sessions.Require(ctx)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          uuid.NewString(),
		Action:      lifecycle.Create,
		Actor:       sess.Account,
		Label:       label,
		SubmittedAt: time.Now(),
	}
	start := time.Now()
	defer func() {
		c.report(rec, start)
		c.record(ctx, rec)
	}()

	c.track(rec)
	defer c.untrack(rec)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()

	id, receipt, err := c.ledger.Create(wctx, rec.Actor, label)
	if err != nil {
		rec.fail(err, true)
		return rec, nil
	}
	rec.AssetID = id
	rec.confirm(receipt)

	if _, err := c.cache.Reload(wctx, id); err != nil {
		c.logger.Error("Load of created product failed", "asset", id, "err", err)
	}
	return rec, nil
}

// Pending lists the submissions whose ledger write is in flight, oldest
// first.
func (c *Coordinator) Pending() []Record {
	c.mu.Lock()
	out := make([]Record, 0, len(c.pending))
	for _, rec := range c.pending {
		out = append(out, *rec)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

func (c *Coordinator) write(ctx context.Context, from string, id uint64, action lifecycle.Action, recipient string) (gateway.Receipt, error) {
	switch action {
	case lifecycle.MarkForSale:
		return c.ledger.MarkForSale(ctx, from, id)
	case lifecycle.Ship:
		return c.ledger.Ship(ctx, from, id, recipient)
	case lifecycle.Receive:
		return c.ledger.Receive(ctx, from, id)
	case lifecycle.Sell:
		return c.ledger.Sell(ctx, from, id)
	}
	return gateway.Receipt{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// track publishes rec as Pending. The published copy is a snapshot, so
// readers never observe later mutations of rec.
func (c *Coordinator) track(rec *Record) {
	rec.Status = StatusPending
	c.mu.Lock()
	snapshot := *rec
	c.pending[rec.ID] = &snapshot
	c.mu.Unlock()
	c.logger.Debug("Submission pending", "id", rec.ID, "asset", rec.AssetID, "action", rec.Action)
}

func (c *Coordinator) untrack(rec *Record) {
	c.mu.Lock()
	delete(c.pending, rec.ID)
	c.mu.Unlock()
}

// report publishes the outcome of rec to metrics and the log.
func (c *Coordinator) report(rec *Record, start time.Time) {
	c.metrics.observe(rec, time.Since(start))

	if rec.Status == StatusFailed {
		c.logger.Info("Submission failed", "id", rec.ID, "asset", rec.AssetID, "action", rec.Action, "failure", rec.Failure, "detail", rec.FailureDetail)
	} else {
		c.logger.Info("Submission confirmed", "id", rec.ID, "asset", rec.AssetID, "action", rec.Action, "tx", rec.Receipt.TxHash)
	}
}

// record appends rec to the journal, when one is configured.
func (c *Coordinator) record(ctx context.Context, rec *Record) {
	if c.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.journal.RecordSubmission(jctx, rec); err != nil {
		c.logger.Error("Journal write failed", "id", rec.ID, "err", err)
	}
}

func knownAction(action lifecycle.Action) bool {
	for _, t := range lifecycle.Transitions() {
		if t.Action == action {
			return true
		}
	}
	return false
}

func isSessionError(err error) bool {
	return errors.Is(err, session.ErrGatewayUninitialized) ||
		errors.Is(err, session.ErrNetworkMismatch) ||
		errors.Is(err, session.ErrWalletUnavailable) ||
		errors.Is(err, session.ErrConnectionRejected) ||
		errors.Is(err, session.ErrUnknownAccount) ||
		errors.Is(err, session.ErrAccountChanged)
}
