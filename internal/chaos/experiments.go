package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"creditcore/internal/apperr"
	"creditcore/internal/ledger"
)

var errNoBaseline = errors.New("chaos: baseline not recorded")

// BalanceWithinLimit reads 1 while 0 <= balance <= limit holds for the
// member and 0 otherwise.
func BalanceWithinLimit(t Target, memberNumber string) Probe {
	return Probe{
		Name: "balance_within_limit",
		Query: func(ctx context.Context) (float64, error) {
			m, err := t.Member(ctx, memberNumber)
			if err != nil {
				return 0, err
			}
			if m.CurrentBalance < 0 || m.CurrentBalance > m.CreditLimit {
				return 0, nil
			}
			return 1, nil
		},
		Threshold: Threshold{Operator: "==", Value: 1},
	}
}

// tally collects the outcome of every authorization an experiment sends.
type tally struct {
	mu       sync.Mutex
	approved []string
	outcomes map[apperr.Kind]int
	total    int
}

func (t *tally) record(transactionID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcomes == nil {
		t.outcomes = make(map[apperr.Kind]int)
	}
	t.total++
	if err != nil {
		t.outcomes[apperr.KindOf(err)]++
		return
	}
	t.approved = append(t.approved, transactionID)
}

func (t *tally) approvedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.approved...)
}

func (t *tally) count(kind apperr.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcomes[kind]
}

func (t *tally) attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// baseline remembers the member as it was before faults were injected.
type baseline struct {
	mu     sync.Mutex
	member *ledger.Member
}

func (b *baseline) capture(t Target, memberNumber string) Action {
	return Action{
		Name: "record-baseline",
		Execute: func(ctx context.Context) error {
			m, err := t.Member(ctx, memberNumber)
			if err != nil {
				return err
			}
			b.mu.Lock()
			b.member = m
			b.mu.Unlock()
			return nil
		},
	}
}

func (b *baseline) get() (*ledger.Member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.member == nil {
		return nil, errNoBaseline
	}
	return b.member, nil
}

// leakedBalance reads how far the balance has drifted from the baseline.
func (b *baseline) leakedBalance(t Target, memberNumber string) Probe {
	return Probe{
		Name: "leaked_balance",
		Query: func(ctx context.Context) (float64, error) {
			before, err := b.get()
			if err != nil {
				return 0, err
			}
			m, err := t.Member(ctx, memberNumber)
			if err != nil {
				return 0, err
			}
			return float64(m.CurrentBalance - before.CurrentBalance), nil
		},
	}
}

func voidApproved(t Target, tl *tally) Action {
	return Action{
		Name: "void-approved",
		Execute: func(ctx context.Context) error {
			var errs []error
			for _, id := range tl.approvedIDs() {
				if err := t.Void(ctx, id); err != nil {
					errs = append(errs, fmt.Errorf("void %s: %w", id, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

// burst releases n calls of fn at once and waits for all of them.
func burst(ctx context.Context, n int, fn func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	start := make(chan struct{})
	for range n {
		g.Go(func() error {
			<-start
			return fn(ctx)
		})
	}
	close(start)
	return g.Wait()
}

func isDecline(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindCreditLimitExceeded, apperr.KindFraudDetected, apperr.KindMemberNotEligible:
		return true
	}
	return false
}

// ConcurrentAuthorizations fires workers simultaneous authorizations of
// amount against one member. Approvals may never exceed the credit that was
// available, and voiding them must restore the balance exactly.
func ConcurrentAuthorizations(t Target, memberNumber string, workers int, amount int64) Experiment {
	var (
		tl   tally
		base baseline
	)
	return Experiment{
		Name:        "concurrent-same-member-authorizations",
		Hypothesis:  "Simultaneous authorizations for one member never reserve more than the available credit",
		SteadyState: []Probe{BalanceWithinLimit(t, memberNumber)},
		Method: []Action{
			base.capture(t, memberNumber),
			{
				Name: "authorization-burst",
				Execute: func(ctx context.Context) error {
					return burst(ctx, workers, func(ctx context.Context) error {
						id, err := t.Authorize(ctx, memberNumber, amount)
						tl.record(id, err)
						if err != nil && !isDecline(err) {
							return err
						}
						return nil
					})
				},
			},
		},
		Rollback: []Action{voidApproved(t, &tl)},
		Measurements: []Probe{
			{
				Name: "over_committed",
				Query: func(context.Context) (float64, error) {
					before, err := base.get()
					if err != nil {
						return 0, err
					}
					excess := int64(len(tl.approvedIDs()))*amount - before.AvailableCredit()
					return float64(max(excess, 0)), nil
				},
			},
			base.leakedBalance(t, memberNumber),
		},
		Assertions: []Assertion{
			{Probe: "over_committed", Condition: func(v float64) bool { return v == 0 }, Message: "approved amount exceeded available credit"},
			{Probe: "leaked_balance", Condition: func(v float64) bool { return v == 0 }, Message: "voiding every approval did not restore the balance"},
		},
	}
}

// StoreFault injects a store fault and sends attempts authorizations while
// it is active. Every attempt must fail as StorageUnavailable and no credit
// may stay reserved once the fault is removed.
func StoreFault(name string, faulty *FaultyStore, inject func(*FaultyStore), t Target, memberNumber string, attempts int, amount int64) Experiment {
	var (
		tl   tally
		base baseline
	)
	return Experiment{
		Name:        name,
		Hypothesis:  "Authorizations fail fast as retryable storage errors and leave no credit reserved",
		SteadyState: []Probe{BalanceWithinLimit(t, memberNumber)},
		Method: []Action{
			base.capture(t, memberNumber),
			{
				Name: "inject-fault",
				Execute: func(context.Context) error {
					inject(faulty)
					return nil
				},
			},
			{
				Name: "authorize-under-fault",
				Execute: func(ctx context.Context) error {
					for range attempts {
						id, err := t.Authorize(ctx, memberNumber, amount)
						tl.record(id, err)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Name: "remove-fault",
				Execute: func(context.Context) error {
					faulty.Reset()
					return nil
				},
			},
			voidApproved(t, &tl),
		},
		Measurements: []Probe{
			{
				Name: "storage_unavailable_ratio",
				Query: func(context.Context) (float64, error) {
					if tl.attempts() == 0 {
						return 0, nil
					}
					return float64(tl.count(apperr.KindStorageUnavailable)) / float64(tl.attempts()), nil
				},
			},
			base.leakedBalance(t, memberNumber),
		},
		Assertions: []Assertion{
			{Probe: "storage_unavailable_ratio", Condition: func(v float64) bool { return v == 1 }, Message: "some authorizations did not fail as StorageUnavailable"},
			{Probe: "leaked_balance", Condition: func(v float64) bool { return v == 0 }, Message: "credit stayed reserved after failed authorizations"},
		},
	}
}

// StoreLatency slows every store call down by latency.
func StoreLatency(faulty *FaultyStore, latency time.Duration, t Target, memberNumber string, attempts int, amount int64) Experiment {
	return StoreFault("store-latency", faulty, func(f *FaultyStore) { f.SetLatency(latency) }, t, memberNumber, attempts, amount)
}

// PersistFailure lets reservations succeed but fails every transaction
// write, so each authorization has to release what it reserved.
func PersistFailure(faulty *FaultyStore, t Target, memberNumber string, attempts int, amount int64) Experiment {
	return StoreFault("transaction-persist-failure", faulty, func(f *FaultyStore) { f.Fail("PutTransaction") }, t, memberNumber, attempts, amount)
}
