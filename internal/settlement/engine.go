// Package settlement computes and executes the distribution of a race's pot:
// rake split, jackpot accounting, proportional winner payouts, refunds on
// cancellation, and the per-wallet performance scoring side effect. Every
// outbound payment is guarded by a SettlementTransfer ledger row, which makes
// settle and refund safe to re-invoke after any partial failure.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
	"github.com/raceswap/raced/internal/notify"
)

// treasuryLock serialises jackpot accrual and payout across races. Accrual
// for one race must never interleave with the payout of another.
const treasuryLock = "treasury"

// defaultDecimals applies to currencies missing from the configured registry.
const defaultDecimals = 6

var bpsDenominator = decimal.NewFromInt(10_000)

// Config holds the settlement policy parameters.
type Config struct {
	// JackpotShareBps is the share of the rake accrued into the jackpot;
	// the remainder is sent to the treasury recipient.
	JackpotShareBps int64
	// TreasuryRecipient receives the treasury share of the rake.
	TreasuryRecipient string
	// CurrencyDecimals maps currency codes to their minimum-unit precision.
	// Payout divisions round down to this precision, never up.
	CurrencyDecimals map[string]int
	// LockTTL bounds how long the treasury lock may be held.
	LockTTL time.Duration
}

// Engine is the settlement engine. Both Settle and Refund are idempotent
// with respect to SettlementTransfer records: re-invocation skips every
// (recipient, kind, currency) already marked success for the race and retries
// the rest.
type Engine struct {
	cfg       Config
	bets      domain.BetStore
	transfers domain.TransferStore
	results   domain.ResultStore
	treasury  domain.TreasuryStore
	executor  domain.TransferExecutor
	locks     domain.LockManager
	scorer    *Scorer
	audit     domain.AuditStore
	bus       domain.SignalBus
	notifier  *notify.Notifier
	logger    *slog.Logger
}

// NewEngine creates a settlement engine. audit, bus, and notifier may be nil.
func NewEngine(
	cfg Config,
	bets domain.BetStore,
	transfers domain.TransferStore,
	results domain.ResultStore,
	treasury domain.TreasuryStore,
	executor domain.TransferExecutor,
	locks domain.LockManager,
	scorer *Scorer,
	audit domain.AuditStore,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		bets:      bets,
		transfers: transfers,
		results:   results,
		treasury:  treasury,
		executor:  executor,
		locks:     locks,
		scorer:    scorer,
		audit:     audit,
		bus:       bus,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "settlement")),
	}
}

// Settle distributes a settled race's pot. The race must carry a winner
// index; races with no eligible winner go through Refund instead.
func (e *Engine) Settle(ctx context.Context, race domain.Race) (domain.SettlementReport, error) {
	if race.WinnerIndex == nil {
		return domain.SettlementReport{}, fmt.Errorf("settlement: race %s has no winner index", race.ID)
	}
	winner := *race.WinnerIndex

	bets, err := e.bets.ListByRace(ctx, race.ID)
	if err != nil {
		return domain.SettlementReport{}, &domain.RepositoryError{Op: "list bets for " + race.ID, Err: err}
	}

	report := domain.SettlementReport{
		RaceID:      race.ID,
		WinnerIndex: race.WinnerIndex,
	}

	// Currencies are settled independently, never mixed.
	for _, currency := range currencies(bets) {
		totals, err := e.settleCurrency(ctx, race, winner, betsIn(bets, currency), currency, &report)
		if err != nil {
			return report, err
		}
		report.Currencies = append(report.Currencies, totals)
	}

	if err := e.scoreParticipants(ctx, race, bets, winner, &report); err != nil {
		return report, err
	}

	report.CompletedAt = time.Now().UTC()
	e.recordOutcome(ctx, race, report, notify.EventRaceSettled)
	return report, nil
}

// settleCurrency runs steps 2-8 of the settlement algorithm for one currency.
func (e *Engine) settleCurrency(
	ctx context.Context,
	race domain.Race,
	winner int,
	bets []domain.Bet,
	currency string,
	report *domain.SettlementReport,
) (domain.CurrencyTotals, error) {
	totals := domain.CurrencyTotals{Currency: currency}

	for _, b := range bets {
		totals.TotalPot = totals.TotalPot.Add(b.Amount)
	}

	rake := e.roundDown(totals.TotalPot.Mul(decimal.NewFromInt(race.RakeBps)).Div(bpsDenominator), currency)
	jackpotShare := e.roundDown(rake.Mul(decimal.NewFromInt(e.cfg.JackpotShareBps)).Div(bpsDenominator), currency)
	treasuryShare := rake.Sub(jackpotShare)
	prizePool := totals.TotalPot.Sub(rake)

	totals.Rake = rake
	totals.TreasuryShare = treasuryShare

	// The rake ledger row doubles as the once-per-currency marker: jackpot
	// accrual and payout only happen on the pass that first creates it. The
	// row is written pending before any treasury mutation so a crash in
	// between can never drain the jackpot twice.
	firstPass := false
	if _, err := e.transfers.Find(ctx, race.ID, e.cfg.TreasuryRecipient, domain.TransferRake, currency); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return totals, &domain.RepositoryError{Op: "find rake transfer", Err: err}
		}
		firstPass = true
		now := time.Now().UTC()
		marker := domain.SettlementTransfer{
			ID:        uuid.New().String(),
			RaceID:    race.ID,
			Recipient: e.cfg.TreasuryRecipient,
			Kind:      domain.TransferRake,
			Amount:    treasuryShare,
			Currency:  currency,
			Status:    domain.TransferPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.transfers.Append(ctx, marker); err != nil {
			return totals, &domain.RepositoryError{Op: "append rake transfer", Err: err}
		}
	}

	if firstPass {
		accrued, paid, err := e.adjustJackpot(ctx, race, currency, jackpotShare)
		if err != nil {
			return totals, err
		}
		totals.JackpotAccrued = accrued
		totals.JackpotPaid = paid
		prizePool = prizePool.Add(paid)
	} else if race.JackpotEligible {
		// Re-invocation: the jackpot was already drained into this race's
		// pool on the first pass; reconstruct this currency's pool from the
		// race record.
		paid := race.JackpotPaid[currency]
		totals.JackpotPaid = paid
		prizePool = prizePool.Add(paid)
	}
	totals.PrizePool = prizePool

	// Aggregate winning stake per wallet so each recipient gets one payout.
	winningByWallet := map[string]decimal.Decimal{}
	totalWinningStake := decimal.Zero
	for _, b := range bets {
		if b.RunnerIndex != winner {
			continue
		}
		winningByWallet[b.Wallet] = winningByWallet[b.Wallet].Add(b.Amount)
		totalWinningStake = totalWinningStake.Add(b.Amount)
	}

	if totalWinningStake.IsZero() {
		// Nobody backed the winner: the prize pool rolls into the jackpot
		// rather than being paid out.
		if firstPass && prizePool.IsPositive() {
			if err := e.accrueOrphanPool(ctx, currency, prizePool); err != nil {
				return totals, err
			}
			totals.JackpotAccrued = totals.JackpotAccrued.Add(prizePool)
		}
	} else {
		paid := decimal.Zero
		for _, wallet := range sortedKeys(winningByWallet) {
			stake := winningByWallet[wallet]
			// Round down to the currency's minimum unit; residual dust stays
			// with the treasury so the pool can never be overdrawn.
			payout := e.roundDown(prizePool.Mul(stake).Div(totalWinningStake), currency)
			tr := e.pay(ctx, race.ID, wallet, domain.TransferPayout, payout, currency, report)
			report.Transfers = append(report.Transfers, tr)
			// Committed even when delivery failed; the retry worker re-sends
			// the same ledger amount.
			paid = paid.Add(payout)
		}
		totals.PaidOut = paid
		totals.Dust = prizePool.Sub(paid)
	}

	// Rake to the treasury recipient. A zero rake still writes the marker
	// row so re-invocations can detect the completed first pass.
	rakeTr := e.pay(ctx, race.ID, e.cfg.TreasuryRecipient, domain.TransferRake, treasuryShare, currency, report)
	report.Transfers = append(report.Transfers, rakeTr)

	return totals, nil
}

// adjustJackpot performs the jackpot accrual for this race and, for
// jackpot-eligible races, drains the currency's balance into the prize pool.
// Both mutations happen under the treasury lock so accrual and payout can
// never interleave across two races.
func (e *Engine) adjustJackpot(ctx context.Context, race domain.Race, currency string, accrual decimal.Decimal) (accrued, paid decimal.Decimal, err error) {
	unlock, err := e.locks.Acquire(ctx, treasuryLock, e.cfg.LockTTL)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("settlement: acquire treasury lock: %w", err)
	}
	defer unlock()

	state, err := e.treasury.Get(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, &domain.RepositoryError{Op: "get treasury state", Err: err}
	}

	if race.JackpotEligible {
		paid = state.DrainJackpot(currency)
	}
	if accrual.IsPositive() {
		state.AddJackpot(currency, accrual)
		accrued = accrual
	}
	state.UpdatedAt = time.Now().UTC()

	if err := e.treasury.Put(ctx, state); err != nil {
		return decimal.Zero, decimal.Zero, &domain.RepositoryError{Op: "put treasury state", Err: err}
	}
	return accrued, paid, nil
}

// accrueOrphanPool adds an unclaimed prize pool to the jackpot balance.
func (e *Engine) accrueOrphanPool(ctx context.Context, currency string, pool decimal.Decimal) error {
	unlock, err := e.locks.Acquire(ctx, treasuryLock, e.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("settlement: acquire treasury lock: %w", err)
	}
	defer unlock()

	state, err := e.treasury.Get(ctx)
	if err != nil {
		return &domain.RepositoryError{Op: "get treasury state", Err: err}
	}
	state.AddJackpot(currency, pool)
	state.UpdatedAt = time.Now().UTC()
	if err := e.treasury.Put(ctx, state); err != nil {
		return &domain.RepositoryError{Op: "put treasury state", Err: err}
	}
	return nil
}

// Refund returns every stake to its wallet, aggregated per wallet and
// currency. No rake is taken, the jackpot is untouched, and no scores are
// produced. Used both for cancellations and for races that settle with zero
// eligible runners.
func (e *Engine) Refund(ctx context.Context, race domain.Race) (domain.SettlementReport, error) {
	bets, err := e.bets.ListByRace(ctx, race.ID)
	if err != nil {
		return domain.SettlementReport{}, &domain.RepositoryError{Op: "list bets for " + race.ID, Err: err}
	}

	report := domain.SettlementReport{
		RaceID:   race.ID,
		Refunded: true,
	}

	for _, currency := range currencies(bets) {
		totals := domain.CurrencyTotals{Currency: currency}
		byWallet := map[string]decimal.Decimal{}
		for _, b := range betsIn(bets, currency) {
			byWallet[b.Wallet] = byWallet[b.Wallet].Add(b.Amount)
			totals.TotalPot = totals.TotalPot.Add(b.Amount)
		}
		for _, wallet := range sortedKeys(byWallet) {
			tr := e.pay(ctx, race.ID, wallet, domain.TransferRefund, byWallet[wallet], currency, &report)
			report.Transfers = append(report.Transfers, tr)
			totals.PaidOut = totals.PaidOut.Add(byWallet[wallet])
		}
		report.Currencies = append(report.Currencies, totals)
	}

	report.CompletedAt = time.Now().UTC()
	event := notify.EventRaceRefunded
	if race.Status == domain.RaceCancelled {
		event = notify.EventRaceCancelled
	}
	e.recordOutcome(ctx, race, report, event)
	return report, nil
}

// pay executes one idempotent outbound transfer. The ledger row is written
// before the executor call (pending) and updated after it (success/failed);
// a row already marked success is skipped outright, and a pending row from a
// crashed pass is treated as unconfirmed and retried. Transfer failures are
// recorded, notified, and contained: they never abort the rest of the pass.
func (e *Engine) pay(
	ctx context.Context,
	raceID, recipient string,
	kind domain.TransferKind,
	amount decimal.Decimal,
	currency string,
	report *domain.SettlementReport,
) domain.SettlementTransfer {
	now := time.Now().UTC()

	tr, err := e.transfers.Find(ctx, raceID, recipient, kind, currency)
	switch {
	case err == nil:
		if tr.Status == domain.TransferSuccess {
			report.Skipped++
			return tr
		}
		// pending (no confirmation) or failed: retry below on the same row.
	case errors.Is(err, domain.ErrNotFound):
		tr = domain.SettlementTransfer{
			ID:        uuid.New().String(),
			RaceID:    raceID,
			Recipient: recipient,
			Kind:      kind,
			Amount:    amount,
			Currency:  currency,
			Status:    domain.TransferPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if appendErr := e.transfers.Append(ctx, tr); appendErr != nil {
			// Without the guard row we must not send money.
			tr.Status = domain.TransferFailed
			tr.ErrorDetail = appendErr.Error()
			report.Failed++
			e.logger.ErrorContext(ctx, "transfer ledger append failed",
				slog.String("race_id", raceID),
				slog.String("recipient", recipient),
				slog.String("error", appendErr.Error()),
			)
			return tr
		}
	default:
		tr = domain.SettlementTransfer{RaceID: raceID, Recipient: recipient, Kind: kind, Amount: amount, Currency: currency, Status: domain.TransferFailed, ErrorDetail: err.Error()}
		report.Failed++
		return tr
	}

	// Zero-amount rows (e.g. a zero-rake marker) need no outbound transfer.
	if !amount.IsPositive() {
		if updErr := e.transfers.UpdateStatus(ctx, tr.ID, domain.TransferSuccess, "", ""); updErr == nil {
			tr.Status = domain.TransferSuccess
			report.Succeeded++
		}
		return tr
	}

	receipt, sendErr := e.executor.Send(ctx, recipient, amount, currency)
	if sendErr != nil {
		tr.Status = domain.TransferFailed
		tr.ErrorDetail = sendErr.Error()
		tr.UpdatedAt = time.Now().UTC()
		if updErr := e.transfers.UpdateStatus(ctx, tr.ID, domain.TransferFailed, "", sendErr.Error()); updErr != nil {
			e.logger.ErrorContext(ctx, "transfer status update failed",
				slog.String("transfer_id", tr.ID),
				slog.String("error", updErr.Error()),
			)
		}
		report.Failed++
		e.logger.WarnContext(ctx, "transfer failed",
			slog.String("race_id", raceID),
			slog.String("recipient", recipient),
			slog.String("kind", string(kind)),
			slog.String("amount", amount.String()),
			slog.String("currency", currency),
			slog.String("error", sendErr.Error()),
		)
		if e.notifier != nil {
			_ = e.notifier.Notify(ctx, notify.EventTransferFailed, "Transfer failed",
				fmt.Sprintf("race %s: %s %s to %s (%s): %s", raceID, amount.String(), currency, recipient, kind, sendErr.Error()))
		}
		return tr
	}

	tr.Status = domain.TransferSuccess
	tr.ReceiptID = receipt
	tr.UpdatedAt = time.Now().UTC()
	if updErr := e.transfers.UpdateStatus(ctx, tr.ID, domain.TransferSuccess, receipt, ""); updErr != nil {
		// The money moved; the ledger lags. Log loudly, keep the success.
		e.logger.ErrorContext(ctx, "transfer succeeded but status update failed",
			slog.String("transfer_id", tr.ID),
			slog.String("receipt", receipt),
			slog.String("error", updErr.Error()),
		)
	}
	report.Succeeded++
	return tr
}

// roundDown truncates amount to the currency's minimum unit. Division
// remainders always favour the paying side.
func (e *Engine) roundDown(amount decimal.Decimal, currency string) decimal.Decimal {
	places := defaultDecimals
	if d, ok := e.cfg.CurrencyDecimals[currency]; ok {
		places = d
	}
	return amount.RoundDown(int32(places))
}

// recordOutcome writes the audit row, publishes the settlement event, and
// notifies operators. Failures here never fail the settlement itself.
func (e *Engine) recordOutcome(ctx context.Context, race domain.Race, report domain.SettlementReport, event string) {
	if e.audit != nil {
		detail := map[string]any{
			"race_id":   race.ID,
			"refunded":  report.Refunded,
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
			"skipped":   report.Skipped,
		}
		if report.WinnerIndex != nil {
			detail["winner_index"] = *report.WinnerIndex
		}
		if err := e.audit.Log(ctx, event, detail); err != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if e.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":     event,
			"race_id":   race.ID,
			"refunded":  report.Refunded,
			"failed":    report.Failed,
			"timestamp": report.CompletedAt.Format(time.RFC3339Nano),
		})
		if err := e.bus.Publish(ctx, "races", evt); err != nil {
			e.logger.WarnContext(ctx, "publish settlement event failed", slog.String("error", err.Error()))
		}
	}

	if e.notifier != nil {
		title, message := formatOutcome(race, report)
		if err := e.notifier.Notify(ctx, event, title, message); err != nil {
			e.logger.WarnContext(ctx, "result notification failed", slog.String("error", err.Error()))
		}
	}
}

// formatOutcome builds the operator-facing race result message.
func formatOutcome(race domain.Race, report domain.SettlementReport) (title, message string) {
	if report.Refunded {
		title = fmt.Sprintf("Race %s refunded", race.ID)
		message = fmt.Sprintf("%d refund(s) issued, %d failed", report.Succeeded, report.Failed)
		return title, message
	}

	winner := "unknown"
	if report.WinnerIndex != nil && *report.WinnerIndex < len(race.Runners) {
		r := race.Runners[*report.WinnerIndex]
		winner = fmt.Sprintf("#%d %s", *report.WinnerIndex+1, r.Symbol)
		if change, ok := r.Change(); ok {
			winner += fmt.Sprintf(" (%s%%)", change.Mul(decimal.NewFromInt(100)).Round(2).String())
		}
	}
	title = fmt.Sprintf("Race %s settled", race.ID)
	var pots []string
	for _, c := range report.Currencies {
		pots = append(pots, fmt.Sprintf("%s %s (rake %s)", c.TotalPot.String(), c.Currency, c.Rake.String()))
	}
	message = fmt.Sprintf("Winner: %s\nPot: %s\nPayouts: %d ok, %d failed, %d skipped",
		winner, strings.Join(pots, "; "), report.Succeeded, report.Failed, report.Skipped)
	return title, message
}

// ---------------------------------------------------------------------------
// Small helpers
// ---------------------------------------------------------------------------

// currencies returns the distinct bet currencies in deterministic order.
func currencies(bets []domain.Bet) []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range bets {
		if !seen[b.Currency] {
			seen[b.Currency] = true
			out = append(out, b.Currency)
		}
	}
	sort.Strings(out)
	return out
}

func betsIn(bets []domain.Bet, currency string) []domain.Bet {
	var out []domain.Bet
	for _, b := range bets {
		if b.Currency == currency {
			out = append(out, b)
		}
	}
	return out
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

