package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cybv-network/cybv/internal/app/earning"
	"github.com/cybv-network/cybv/internal/app/policy"
	"github.com/cybv-network/cybv/internal/app/staking"
	"github.com/cybv-network/cybv/internal/app/wallet"
	"github.com/cybv-network/cybv/internal/domain"
)

// ─── Rewards API ────────────────────────────────────────────────────────────

// RewardsAPI holds the services behind the reward and staking endpoints.
type RewardsAPI struct {
	Earning *earning.Service
	Staking *staking.Service
	Wallet  *wallet.Service
}

type earnRequest struct {
	Action   domain.Reason     `json:"action"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type earnResponse struct {
	AmountCredited decimal.Decimal `json:"amount_credited"`
	Bonuses        []earning.Bonus `json:"bonuses"`
	Balance        decimal.Decimal `json:"balance"`
	LoginStreak    int             `json:"login_streak,omitempty"`
	Remaining      int             `json:"remaining_today"`
}

// HandleEarn credits the caller for one action.
// POST /api/v1/rewards/earn
func (a *RewardsAPI) HandleEarn(w http.ResponseWriter, r *http.Request) {
	var req earnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.Earning.Earn(r.Context(), accountFrom(r.Context()), req.Action, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, earnResponse{
		AmountCredited: res.AmountCredited,
		Bonuses:        res.Bonuses,
		Balance:        res.NewBalance,
		LoginStreak:    res.LoginStreak,
		Remaining:      res.Limit.Remaining(),
	})
}

// HandleBalance returns the caller's balance.
// GET /api/v1/rewards/balance
func (a *RewardsAPI) HandleBalance(w http.ResponseWriter, r *http.Request) {
	summary, err := a.Wallet.Balance(r.Context(), accountFrom(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":      summary.Balance,
		"total_earned": summary.TotalEarned,
		"total_spent":  summary.TotalSpent,
	})
}

// HandleTransactions returns the caller's newest ledger entries.
// GET /api/v1/rewards/transactions?limit=N
func (a *RewardsAPI) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	entries, err := a.Wallet.RecentTransactions(r.Context(), accountFrom(r.Context()), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": entries,
		"count":        len(entries),
	})
}

type spendRequest struct {
	Amount   decimal.Decimal   `json:"amount"`
	Purpose  string            `json:"purpose"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HandleSpend debits the caller.
// POST /api/v1/rewards/spend
func (a *RewardsAPI) HandleSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.Wallet.Spend(r.Context(), accountFrom(r.Context()), req.Amount, req.Purpose, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry":   res.Entry,
		"balance": res.NewBalance,
	})
}

// HandleLimit reports today's standing for one capped action.
// GET /api/v1/rewards/limits/{action}
func (a *RewardsAPI) HandleLimit(w http.ResponseWriter, r *http.Request) {
	action := domain.Reason(chi.URLParam(r, "action"))
	d, err := a.Earning.Limit(r.Context(), accountFrom(r.Context()), action)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":    d.Action,
		"allowed":   d.Allowed,
		"count":     d.Count,
		"cap":       d.Cap,
		"remaining": d.Remaining(),
		"resets_at": d.ResetsAt,
	})
}

// HandlePolicy lists the reward table. Public.
// GET /api/v1/rewards/policy
func (a *RewardsAPI) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       policy.Version,
		"actions":       policy.Rules(),
		"bonuses":       policy.BonusTable(),
		"stake_periods": domain.StakePeriods(),
	})
}

// ─── Staking ────────────────────────────────────────────────────────────────

type stakeRequest struct {
	Amount    decimal.Decimal    `json:"amount"`
	Period    domain.StakePeriod `json:"period"`
	WalletRef string             `json:"wallet_ref,omitempty"`
}

// HandleOpenStake locks part of the caller's balance.
// POST /api/v1/stake
func (a *RewardsAPI) HandleOpenStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stake, err := a.Staking.Open(r.Context(), accountFrom(r.Context()), req.Amount, req.Period, req.WalletRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stake)
}

// HandleStakeStatus returns the caller's staking picture.
// GET /api/v1/stake
func (a *RewardsAPI) HandleStakeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Staking.Status(r.Context(), accountFrom(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type closeRequest struct {
	ForceEarly bool `json:"force_early"`
}

// HandleCloseStake unstakes.
// POST /api/v1/stake/{id}/close
func (a *RewardsAPI) HandleCloseStake(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	res, err := a.Staking.Close(r.Context(), accountFrom(r.Context()), chi.URLParam(r, "id"), req.ForceEarly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

const maxBodyBytes = 64 << 10

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
