package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/evolution-substrate/engine/infrastructure/state"
)

// walletKey is the ledger key the treasury wallet is persisted under,
// relative to the PersistentState's key prefix.
const walletKey = "wallet"

// wallet is the on-disk ledger shape, mirroring the source's
// wallet.json.
type wallet struct {
	BalanceUSD    float64 `json:"balance_usd"`
	BurnRateDaily float64 `json:"burn_rate_daily"`
}

func defaultWallet() wallet {
	return wallet{BalanceUSD: 10000, BurnRateDaily: 10}
}

func (w wallet) encode() []byte {
	raw, _ := json.Marshal(w)
	return raw
}

// Treasury tracks the evolution engine's operating balance. It layers
// the substrate's general-purpose persistence wrapper over a backend
// (normally state.FileBackend) so concurrent burn updates go through
// CompareAndSwap rather than racing on a plain load/modify/save.
type Treasury struct {
	state *state.PersistentState
}

// NewTreasury wraps a persistence backend as a Treasury ledger.
// onBalanceChange, if non-nil, is invoked (via state.PersistentState's
// OnChange hook) whenever the wallet is written, so callers can fan
// balance updates out to interested listeners (the admin event stream,
// for instance).
func NewTreasury(backend state.PersistenceBackend, onBalanceChange func(assessment *FinancialAssessment)) *Treasury {
	ps, err := state.NewPersistentState(state.Config{
		Backend:   backend,
		KeyPrefix: "treasury:",
		MaxSize:   4096,
	})
	if err != nil {
		// Only possible error is a nil backend, which callers never pass.
		panic(err)
	}
	if onBalanceChange != nil {
		ps.OnChange(func(key string, oldValue, newValue []byte) {
			var w wallet
			if json.Unmarshal(newValue, &w) == nil {
				onBalanceChange(assessmentFromWallet(w))
			}
		})
	}
	return &Treasury{state: ps}
}

func (t *Treasury) load(ctx context.Context) (wallet, error) {
	raw, err := t.state.Load(ctx, walletKey)
	if errors.Is(err, state.ErrNotFound) {
		w := defaultWallet()
		return w, t.state.Save(ctx, walletKey, w.encode())
	}
	if err != nil {
		return wallet{}, err
	}
	var w wallet
	if err := json.Unmarshal(raw, &w); err != nil {
		return wallet{}, fmt.Errorf("decode treasury ledger: %w", err)
	}
	return w, nil
}

// Assess computes the current financial snapshot without mutating the
// ledger.
func (t *Treasury) Assess(ctx context.Context) (*FinancialAssessment, error) {
	w, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	return assessmentFromWallet(w), nil
}

// ApplyDailyBurn deducts one day's burn rate from the balance via a
// compare-and-swap loop, persists the new ledger, and returns the
// updated assessment.
func (t *Treasury) ApplyDailyBurn(ctx context.Context) (*FinancialAssessment, error) {
	for {
		w, err := t.load(ctx)
		if err != nil {
			return nil, err
		}
		next := w
		next.BalanceUSD -= w.BurnRateDaily

		swapped, err := t.state.CompareAndSwap(ctx, walletKey, w.encode(), next.encode())
		if err != nil {
			return nil, err
		}
		if swapped {
			return assessmentFromWallet(next), nil
		}
		// Another caller updated the wallet between load and swap; retry.
	}
}

func assessmentFromWallet(w wallet) *FinancialAssessment {
	runway := 999
	if w.BurnRateDaily > 0 {
		runway = int(w.BalanceUSD / w.BurnRateDaily)
	}
	priority := "NORMAL"
	if runway < 30 {
		priority = "CRITICAL_REVENUE"
	}
	return &FinancialAssessment{
		Balance:      w.BalanceUSD,
		BurnRate:     w.BurnRateDaily,
		RunwayDays:   runway,
		PriorityMode: priority,
	}
}
