package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/core/events"
	"p2pescrow/core/state"
	"p2pescrow/core/types"
	"p2pescrow/crypto"
	"p2pescrow/native/arbitration"
	"p2pescrow/native/bank"
	"p2pescrow/native/common"
	"p2pescrow/native/escrow"
	"p2pescrow/native/governance"
	"p2pescrow/native/reputation"
	"p2pescrow/native/staking"
	"p2pescrow/observability"
	"p2pescrow/observability/metrics"
	"p2pescrow/storage"
)

var (
	headKey        = []byte("ledger/head")
	genesisKey     = []byte("ledger/genesis")
	eventLogPrefix = []byte("ledger/event/")

	errNotAdmin        = coreerrors.New(coreerrors.ErrUnauthorized, "not_admin", "ledger: caller is not an administrator")
	errNilDatabase     = errors.New("ledger: database required")
	ErrTradeNotFound   = coreerrors.New(coreerrors.ErrNotFound, "trade_not_found", "ledger: trade not found")
	ErrDisputeNotFound = coreerrors.New(coreerrors.ErrNotFound, "dispute_not_found", "ledger: dispute not found")
	ErrStakeNotFound   = coreerrors.New(coreerrors.ErrNotFound, "stake_not_found", "ledger: resolver stake not found")
	ErrSlashNotFound   = coreerrors.New(coreerrors.ErrNotFound, "slash_not_found", "ledger: slash not found")
)

// Publisher receives committed ledger events. Publishing happens after the
// commit and outside the ledger lock; failures never roll back state.
type Publisher interface {
	Publish(ctx context.Context, batch []*types.LedgerEvent) error
}

// Options configures a ledger at construction.
type Options struct {
	Genesis         governance.Policy
	Staking         staking.Params
	EscrowVault     [20]byte
	StakeVault      [20]byte
	FeePool         [20]byte
	Treasury        [20]byte
	Admins          [][20]byte
	VetoAuthorities [][20]byte
	PausedModules   []string
	// Allocations are credited once, the first time the database is opened.
	Allocations map[[20]byte]*big.Int
	Now         func() int64
}

// DefaultOptions returns options built from the default policy and staking
// parameters with module-derived vault addresses.
func DefaultOptions() Options {
	return Options{
		Genesis:     governance.DefaultPolicy(),
		Staking:     staking.DefaultParams(),
		EscrowVault: crypto.ModuleAddress("escrow"),
		StakeVault:  crypto.ModuleAddress("staking"),
		FeePool:     crypto.ModuleAddress("arbitration"),
		Treasury:    crypto.ModuleAddress("treasury"),
	}
}

type storedHead struct {
	Head     [32]byte
	Sequence uint64
}

type storedLedgerEvent struct {
	Sequence uint64
	Time     uint64
	Head     string
	Type     string
	Keys     []string
	Values   []string
}

func newStoredLedgerEvent(e *types.LedgerEvent) storedLedgerEvent {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = e.Attributes[k]
	}
	return storedLedgerEvent{
		Sequence: e.Sequence,
		Time:     uint64(e.Time),
		Head:     e.Head,
		Type:     e.Type,
		Keys:     keys,
		Values:   values,
	}
}

func (s storedLedgerEvent) toEvent() *types.LedgerEvent {
	attrs := make(map[string]string, len(s.Keys))
	for i, k := range s.Keys {
		if i < len(s.Values) {
			attrs[k] = s.Values[i]
		}
	}
	return &types.LedgerEvent{
		Sequence:   s.Sequence,
		Time:       int64(s.Time),
		Head:       s.Head,
		Type:       s.Type,
		Attributes: attrs,
	}
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventLogPrefix)+8)
	copy(key, eventLogPrefix)
	binary.BigEndian.PutUint64(key[len(eventLogPrefix):], seq)
	return key
}

// Ledger is the authoritative settlement ledger. Every state-changing call is
// serialised behind one lock and runs inside a state overlay that commits in a
// single storage batch together with its events.
type Ledger struct {
	mu         sync.Mutex
	db         storage.Database
	state      *state.Manager
	buffer     *events.Buffer
	bank       *bank.StateLedger
	policies   *governance.Store
	trust      *reputation.Ledger
	stakes     *staking.Registry
	trades     *escrow.Engine
	disputes   *arbitration.Engine
	nowFn      func() int64
	head       [32]byte
	seq        uint64
	publishers []Publisher
	logger     *slog.Logger
}

// NewLedger opens the ledger over db, bootstrapping the genesis policy and
// allocations when the database is empty.
func NewLedger(db storage.Database, opts Options) (*Ledger, error) {
	if db == nil {
		return nil, errNilDatabase
	}
	if err := opts.Staking.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Genesis.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		db:     db,
		state:  state.NewManager(db),
		buffer: &events.Buffer{},
		nowFn:  opts.Now,
		logger: slog.Default().With("component", "ledger"),
	}
	clock := func() int64 { return l.now() }
	pauses := common.NewStaticPauses(opts.PausedModules)

	l.bank = bank.NewStateLedger(l.state)

	l.policies = governance.NewStore()
	l.policies.SetState(l.state)
	l.policies.SetEmitter(l.buffer)
	l.policies.SetNowFunc(clock)
	l.policies.SetAuthorities(opts.Admins)

	l.trust = reputation.NewLedger(l.state)
	l.trust.SetEmitter(l.buffer)
	l.trust.SetNowFunc(clock)

	l.stakes = staking.NewRegistry()
	l.stakes.SetState(l.state)
	l.stakes.SetBank(l.bank)
	l.stakes.SetPauses(pauses)
	l.stakes.SetVault(opts.StakeVault)
	l.stakes.SetTreasury(opts.Treasury)
	l.stakes.SetParams(opts.Staking)
	l.stakes.SetVetoAuthorities(opts.VetoAuthorities)
	l.stakes.SetEmitter(l.buffer)
	l.stakes.SetNowFunc(clock)

	l.trades = escrow.NewEngine()
	l.trades.SetState(l.state)
	l.trades.SetBank(l.bank)
	l.trades.SetPolicySource(l.policies)
	l.trades.SetPauses(pauses)
	l.trades.SetVault(opts.EscrowVault)
	l.trades.SetTreasury(opts.Treasury)
	l.trades.SetEmitter(l.buffer)
	l.trades.SetNowFunc(clock)

	l.disputes = arbitration.NewEngine()
	l.disputes.SetState(l.state)
	l.disputes.SetTrades(l.trades)
	l.disputes.SetStakes(l.stakes)
	l.disputes.SetTrust(l.trust)
	l.disputes.SetPolicySource(l.policies)
	l.disputes.SetBank(l.bank)
	l.disputes.SetPauses(pauses)
	l.disputes.SetFeePool(opts.FeePool)
	l.disputes.SetTreasury(opts.Treasury)
	l.disputes.SetEmitter(l.buffer)
	l.disputes.SetNowFunc(clock)
	l.disputes.SetHeadFunc(func() [32]byte { return l.head })

	var head storedHead
	if _, err := l.state.KVGet(headKey, &head); err != nil {
		return nil, fmt.Errorf("ledger: load head: %w", err)
	}
	l.head, l.seq = head.Head, head.Sequence

	if err := l.bootstrap(opts); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) bootstrap(opts Options) error {
	return l.run("genesis", func() error {
		if ok, err := l.state.KVGet(genesisKey, nil); err != nil || ok {
			return err
		}
		if err := l.policies.Bootstrap(opts.Genesis); err != nil {
			return err
		}
		addrs := make([][20]byte, 0, len(opts.Allocations))
		for addr := range opts.Allocations {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool {
			return string(addrs[i][:]) < string(addrs[j][:])
		})
		for _, addr := range addrs {
			if err := l.bank.Credit(addr, opts.Allocations[addr]); err != nil {
				return err
			}
		}
		return l.state.KVPut(genesisKey, uint64(1))
	})
}

// AddPublisher registers a downstream consumer of committed events.
func (l *Ledger) AddPublisher(p Publisher) {
	if p == nil {
		return
	}
	l.mu.Lock()
	l.publishers = append(l.publishers, p)
	l.mu.Unlock()
}

// SetNowFunc overrides the ledger clock. Every engine reads time through it.
func (l *Ledger) SetNowFunc(now func() int64) {
	l.mu.Lock()
	l.nowFn = now
	l.mu.Unlock()
}

func (l *Ledger) now() int64 {
	if l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

// Now returns the ledger clock reading used for every deadline.
func (l *Ledger) Now() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now()
}

// Close releases the underlying database.
func (l *Ledger) Close() {
	l.db.Close()
}

func (l *Ledger) run(op string, fn func() error) error {
	l.mu.Lock()
	committed, publishers, err := l.execute(fn)
	l.mu.Unlock()

	metrics.Settlement().ObserveLedgerOp(op, err)
	if err != nil {
		l.logFailure(op, err)
		return err
	}
	l.observe(committed)
	l.publish(publishers, committed)
	return nil
}

func (l *Ledger) execute(fn func() error) ([]*types.LedgerEvent, []Publisher, error) {
	if err := l.state.Begin(); err != nil {
		return nil, nil, err
	}
	l.buffer.Reset()
	if err := fn(); err != nil {
		l.state.Discard()
		l.buffer.Reset()
		return nil, nil, err
	}

	now := l.now()
	head, seq := l.head, l.seq
	drained := l.buffer.Drain()
	committed := make([]*types.LedgerEvent, 0, len(drained))
	for _, evt := range drained {
		payload, err := json.Marshal(evt)
		if err != nil {
			l.state.Discard()
			return nil, nil, fmt.Errorf("ledger: encode event: %w", err)
		}
		seq++
		head = crypto.NextHead(head, seq, payload)
		entry := &types.LedgerEvent{
			Sequence:   seq,
			Time:       now,
			Head:       crypto.FormatHash(head),
			Type:       evt.Type,
			Attributes: evt.Attributes,
		}
		if err := l.state.KVPut(eventKey(seq), newStoredLedgerEvent(entry)); err != nil {
			l.state.Discard()
			return nil, nil, err
		}
		committed = append(committed, entry)
	}
	if seq != l.seq {
		if err := l.state.KVPut(headKey, storedHead{Head: head, Sequence: seq}); err != nil {
			l.state.Discard()
			return nil, nil, err
		}
	}
	if err := l.state.Commit(); err != nil {
		return nil, nil, coreerrors.Wrap(coreerrors.ErrExternal, "storage_commit", err)
	}
	l.head, l.seq = head, seq
	publishers := append([]Publisher(nil), l.publishers...)
	return committed, publishers, nil
}

func (l *Ledger) logFailure(op string, err error) {
	kind := coreerrors.KindOf(err)
	attrs := []any{"op", op, "kind", string(kind), "error", err.Error()}
	switch kind {
	case coreerrors.ErrInvariant, coreerrors.ErrExternal:
		l.logger.Error("ledger operation failed", attrs...)
	case coreerrors.ErrUnauthorized:
		l.logger.Warn("ledger operation rejected", attrs...)
	default:
		l.logger.Debug("ledger operation rejected", attrs...)
	}
}

func (l *Ledger) observe(committed []*types.LedgerEvent) {
	m := metrics.Settlement()
	for _, evt := range committed {
		observability.Events().RecordEvent(evt.Type)
		switch evt.Type {
		case arbitration.EventTypeDisputeResolved:
			m.ObserveDisputeOutcome(evt.Attr("outcome"))
		case staking.EventTypeSlashQueued:
			m.ObserveSlash("queued")
		case staking.EventTypeSlashExecuted:
			m.ObserveSlash("executed")
		case staking.EventTypeSlashVetoed:
			m.ObserveSlash("vetoed")
		}
	}
}

func (l *Ledger) publish(publishers []Publisher, committed []*types.LedgerEvent) {
	if len(committed) == 0 || len(publishers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range publishers {
		if err := p.Publish(ctx, committed); err != nil {
			metrics.Settlement().ObservePublishFailure()
			l.logger.Warn("publish ledger events",
				"error", err.Error(),
				"seq", committed[len(committed)-1].Sequence)
		}
	}
}

// IsAdmin reports whether addr may update governance and report fraud.
func (l *Ledger) IsAdmin(addr [20]byte) bool {
	return l.policies.IsAuthority(addr)
}

// Credit mints funds into addr. It backs genesis allocations and local test
// networks; the value-transfer primitive itself is external in production.
func (l *Ledger) Credit(addr [20]byte, amount *big.Int) error {
	return l.run("credit", func() error {
		return l.bank.Credit(addr, amount)
	})
}

// Fund escrows amount from the buyer for the trade keyed by orderRef.
func (l *Ledger) Fund(orderRef string, buyer, seller [20]byte, amount *big.Int, proofHash [32]byte) (*escrow.Trade, error) {
	var trade *escrow.Trade
	err := l.run("fund", func() error {
		var err error
		trade, err = l.trades.Fund(orderRef, buyer, seller, amount, proofHash)
		return err
	})
	return trade, err
}

// ConfirmRelease pays the seller on the buyer's confirmation and credits both
// parties with a completed trade.
func (l *Ledger) ConfirmRelease(id [32]byte, caller [20]byte) (*escrow.Trade, error) {
	var trade *escrow.Trade
	err := l.run("confirm_release", func() error {
		var err error
		trade, err = l.trades.ConfirmRelease(id, caller)
		if err != nil {
			return err
		}
		return l.completeTrade(trade)
	})
	return trade, err
}

func (l *Ledger) completeTrade(trade *escrow.Trade) error {
	policy, err := l.policies.Current()
	if err != nil {
		return err
	}
	kind := reputation.EventTradeCompleted
	for _, party := range [][20]byte{trade.Buyer, trade.Seller} {
		eventID := crypto.TrustEventID(trade.ID, party, kind.String())
		if _, _, err := l.trust.ApplyOnce(eventID, party, kind, policy); err != nil {
			return err
		}
	}
	return nil
}

// SweepAutoRelease releases every funded trade whose release time has
// passed. Each trade settles in its own transaction.
func (l *Ledger) SweepAutoRelease(ctx context.Context) (int, error) {
	l.mu.Lock()
	due, err := l.trades.DueForAutoRelease()
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	released := 0
	var errs []error
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		id := id
		err := l.run("auto_release", func() error {
			trade, err := l.trades.AutoRelease(id)
			if err != nil {
				return err
			}
			return l.completeTrade(trade)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("trade %x: %w", id, err))
			continue
		}
		released++
	}
	return released, errors.Join(errs...)
}

// OpenDispute starts arbitration over a funded trade.
func (l *Ledger) OpenDispute(tradeID [32]byte, caller [20]byte, reason string) (*arbitration.Dispute, error) {
	var dispute *arbitration.Dispute
	err := l.run("open_dispute", func() error {
		var err error
		dispute, err = l.disputes.Open(tradeID, caller, reason)
		return err
	})
	return dispute, err
}

// CommitVote records a sealed vote.
func (l *Ledger) CommitVote(disputeID [32]byte, resolver [20]byte, commitment [32]byte) (*arbitration.Dispute, error) {
	var dispute *arbitration.Dispute
	err := l.run("commit_vote", func() error {
		var err error
		dispute, err = l.disputes.Commit(disputeID, resolver, commitment)
		return err
	})
	return dispute, err
}

// RevealVote opens a sealed vote; the dispute resolves as soon as one side
// holds a majority.
func (l *Ledger) RevealVote(disputeID [32]byte, resolver [20]byte, voteForSeller bool, salt [32]byte) (*arbitration.Dispute, error) {
	var dispute *arbitration.Dispute
	err := l.run("reveal_vote", func() error {
		var err error
		dispute, err = l.disputes.Reveal(disputeID, resolver, voteForSeller, salt)
		return err
	})
	return dispute, err
}

// ResolveDispute settles a dispute whose reveal window has closed.
func (l *Ledger) ResolveDispute(disputeID [32]byte) (*arbitration.Dispute, error) {
	var dispute *arbitration.Dispute
	err := l.run("resolve_dispute", func() error {
		var err error
		dispute, err = l.disputes.Resolve(disputeID)
		return err
	})
	return dispute, err
}

// SweepDisputes resolves every open dispute past its reveal deadline.
func (l *Ledger) SweepDisputes(ctx context.Context) (int, error) {
	l.mu.Lock()
	due, err := l.disputes.DueForResolution()
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	resolved := 0
	var errs []error
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if _, err := l.ResolveDispute(id); err != nil {
			errs = append(errs, fmt.Errorf("dispute %x: %w", id, err))
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}

// Stake locks collateral for a resolver.
func (l *Ledger) Stake(resolver [20]byte, amount *big.Int) (*staking.ResolverStake, error) {
	var stake *staking.ResolverStake
	err := l.run("stake", func() error {
		var err error
		stake, err = l.stakes.Stake(resolver, amount)
		return err
	})
	return stake, err
}

// Unstake withdraws collateral once the lock has expired.
func (l *Ledger) Unstake(resolver [20]byte, amount *big.Int) (*staking.ResolverStake, error) {
	var stake *staking.ResolverStake
	err := l.run("unstake", func() error {
		var err error
		stake, err = l.stakes.Unstake(resolver, amount)
		return err
	})
	return stake, err
}

// ExecuteSlash applies a queued slash after its delay.
func (l *Ledger) ExecuteSlash(id [32]byte) (*staking.PendingSlash, error) {
	var slash *staking.PendingSlash
	err := l.run("execute_slash", func() error {
		var err error
		slash, err = l.stakes.ExecuteSlash(id)
		return err
	})
	return slash, err
}

// VetoSlash cancels a queued slash.
func (l *Ledger) VetoSlash(id [32]byte, authority [20]byte) (*staking.PendingSlash, error) {
	var slash *staking.PendingSlash
	err := l.run("veto_slash", func() error {
		var err error
		slash, err = l.stakes.VetoSlash(id, authority)
		return err
	})
	return slash, err
}

// SweepSlashes executes every pending slash whose delay has elapsed.
func (l *Ledger) SweepSlashes(ctx context.Context) (int, error) {
	l.mu.Lock()
	due, err := l.stakes.DueSlashes()
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	executed := 0
	var errs []error
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		if _, err := l.ExecuteSlash(id); err != nil {
			errs = append(errs, fmt.Errorf("slash %x: %w", id, err))
			continue
		}
		executed++
	}
	return executed, errors.Join(errs...)
}

// Sweep runs every periodic ledger task once.
func (l *Ledger) Sweep(ctx context.Context) error {
	var errs []error
	if n, err := l.SweepAutoRelease(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		l.logger.Info("auto-released trades", "count", n)
	}
	if n, err := l.SweepDisputes(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		l.logger.Info("resolved expired disputes", "count", n)
	}
	if n, err := l.SweepSlashes(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		l.logger.Info("executed slashes", "count", n)
	}
	return errors.Join(errs...)
}

// UpdatePolicy stores a new policy version. Open disputes keep the version
// they captured.
func (l *Ledger) UpdatePolicy(patch governance.PolicyPatch, authority [20]byte) (governance.Policy, error) {
	var policy governance.Policy
	err := l.run("update_policy", func() error {
		var err error
		policy, err = l.policies.Update(patch, authority)
		return err
	})
	return policy, err
}

// ReportFraud applies the fraud penalty to participant and flags the profile.
func (l *Ledger) ReportFraud(reporter, participant [20]byte) (*reputation.TrustProfile, error) {
	var profile *reputation.TrustProfile
	err := l.run("report_fraud", func() error {
		if !l.policies.IsAuthority(reporter) {
			return errNotAdmin
		}
		policy, err := l.policies.Current()
		if err != nil {
			return err
		}
		profile, err = l.trust.Apply(participant, reputation.EventFraudReported, policy)
		return err
	})
	return profile, err
}

// Trade returns the trade stored under id.
func (l *Ledger) Trade(id [32]byte) (*escrow.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	trade, ok, err := l.trades.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTradeNotFound
	}
	return trade, nil
}

// Dispute returns the dispute stored under id.
func (l *Ledger) Dispute(id [32]byte) (*arbitration.Dispute, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dispute, ok, err := l.disputes.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return dispute, nil
}

// StakeOf returns the stake record of resolver.
func (l *Ledger) StakeOf(resolver [20]byte) (*staking.ResolverStake, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stake, ok, err := l.stakes.Get(resolver)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStakeNotFound
	}
	return stake, nil
}

// Slash returns the pending slash stored under id.
func (l *Ledger) Slash(id [32]byte) (*staking.PendingSlash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slash, ok, err := l.stakes.GetSlash(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSlashNotFound
	}
	return slash, nil
}

// TrustProfile returns the stored profile of participant, or an unsaved
// profile at the base score.
func (l *Ledger) TrustProfile(participant [20]byte) (*reputation.TrustProfile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	policy, err := l.policies.Current()
	if err != nil {
		return nil, err
	}
	return l.trust.GetOrCreate(participant, policy)
}

// Policy returns the current governance policy.
func (l *Ledger) Policy() (governance.Policy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policies.Current()
}

// PolicyVersion returns a historical policy version.
func (l *Ledger) PolicyVersion(version uint64) (governance.Policy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policies.Version(version)
}

func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bank.BalanceOf(addr)
}

// Head returns the current hash-chain head and the last assigned event
// sequence.
func (l *Ledger) Head() ([32]byte, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, l.seq
}

// EventsSince returns up to limit committed events with a sequence greater
// than after, in sequence order.
func (l *Ledger) EventsSince(after uint64, limit int) ([]*types.LedgerEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]*types.LedgerEvent, 0, limit)
	for seq := after + 1; seq <= l.seq && len(out) < limit; seq++ {
		var stored storedLedgerEvent
		ok, err := l.state.KVGet(eventKey(seq), &stored)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, coreerrors.New(coreerrors.ErrInvariant, "event_log_gap", fmt.Sprintf("ledger: event %d missing from log", seq))
		}
		out = append(out, stored.toEvent())
	}
	return out, nil
}
