// Package settlement drives the lifecycle actions that touch the chain
// or mutate request state: the multi-step payment sequence (funds
// check, approval, payment, confirmation) and cancellation. Both share
// a per-request lock so duplicate submissions cannot race.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/vitwit/reqpay/clients"
	"github.com/vitwit/reqpay/logger"
	"github.com/vitwit/reqpay/metrics"
	"github.com/vitwit/reqpay/readiness"
	"github.com/vitwit/reqpay/types"
	"github.com/vitwit/reqpay/utils"
)

// Canceler submits a cancellation to the request network.
type Canceler interface {
	Cancel(ctx context.Context, requestID string, signer types.Identity) error
}

// Orchestrator sequences settlement attempts across networks.
type Orchestrator struct {
	clients       map[types.Network]clients.Client
	canceler      Canceler
	locks         *lockTable
	policy        types.FundsPolicy
	confirmations uint64
	log           logger.Logger
	rec           metrics.Recorder
}

func NewOrchestrator(canceler Canceler, policy types.FundsPolicy, confirmations uint64, log logger.Logger, rec metrics.Recorder) *Orchestrator {
	if policy == "" {
		policy = types.FundsAdvisory
	}
	if confirmations == 0 {
		confirmations = 1
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Orchestrator{
		clients:       make(map[types.Network]clients.Client),
		canceler:      canceler,
		locks:         newLockTable(),
		policy:        policy,
		confirmations: confirmations,
		log:           log,
		rec:           rec,
	}
}

// AddClient registers the chain client for a network.
func (o *Orchestrator) AddClient(network types.Network, client clients.Client) error {
	n := types.NormalizeNetwork(network)
	if !n.IsSupported() {
		return &types.Error{
			Code:    types.ErrValidation,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}
	o.clients[n] = client
	return nil
}

// IsNetworkSupported reports whether a chain client is registered.
func (o *Orchestrator) IsNetworkSupported(network types.Network) bool {
	_, ok := o.clients[types.NormalizeNetwork(network)]
	return ok
}

// Settle runs one settlement attempt for the request, paid by the given
// address. At most one attempt per request id runs at a time; a second
// concurrent call fails with ATTEMPT_IN_PROGRESS. Any transaction
// rejection is terminal for the attempt; callers retry by calling
// Settle again, which re-runs every check. The caller re-fetches the
// request afterwards to observe the updated balance.
func (o *Orchestrator) Settle(ctx context.Context, req *types.PaymentRequest, payer string) (*types.SettlementOutcome, error) {
	if req == nil || req.RequestID == "" {
		return nil, &types.Error{Code: types.ErrValidation, Message: "request is required"}
	}
	if payer == "" {
		return nil, &types.Error{Code: types.ErrValidation, Message: "payer address is required"}
	}

	if !o.locks.acquire(req.RequestID) {
		return nil, &types.Error{
			Code:    types.ErrAttemptInProgress,
			Message: fmt.Sprintf("an attempt for request %s is already in flight", req.RequestID),
		}
	}
	defer o.locks.release(req.RequestID)

	start := time.Now()
	network := types.NormalizeNetwork(req.Currency.Network)
	labels := map[string]string{"network": network.String()}

	outcome, err := o.settle(ctx, req, payer, network)

	o.rec.ObserveLatency("settle", time.Since(start), labels)
	if err != nil {
		o.rec.IncCounter("settle_failed", labels)
	} else {
		o.rec.IncCounter("settle_done", labels)
	}
	return outcome, err
}

func (o *Orchestrator) settle(ctx context.Context, req *types.PaymentRequest, payer string, network types.Network) (*types.SettlementOutcome, error) {
	outcome := &types.SettlementOutcome{
		AttemptID:       uuid.NewString(),
		RequestID:       req.RequestID,
		Phase:           types.PhaseCheckingFunds,
		FundsSufficient: true,
	}

	client, ok := o.clients[network]
	if !ok {
		outcome.Phase = types.PhaseFailed
		return outcome, &types.Error{
			Code:    types.ErrValidation,
			Message: fmt.Sprintf("no chain client configured for network %s", network),
		}
	}

	// Nothing left to settle; a re-run on a paid request is a no-op.
	if req.RemainingAmount().Sign() == 0 {
		outcome.Phase = types.PhaseDone
		o.log.Info("request already covered", map[string]any{
			"requestId": req.RequestID,
			"attemptId": outcome.AttemptID,
		})
		return outcome, nil
	}

	checker := readiness.NewChecker(client, client.SpenderAddress())

	sufficient, err := checker.HasSufficientFunds(ctx, req, payer)
	if err != nil {
		outcome.Phase = types.PhaseFailed
		return outcome, &types.Error{
			Code:    types.ErrNetwork,
			Message: fmt.Sprintf("funds check failed: %v", err),
		}
	}
	if !sufficient {
		outcome.FundsSufficient = false
		o.log.Warn("insufficient funds", map[string]any{
			"requestId": req.RequestID,
			"attemptId": outcome.AttemptID,
			"payer":     payer,
			"policy":    string(o.policy),
		})
		if o.policy == types.FundsStrict {
			outcome.Phase = types.PhaseFailed
			return outcome, &types.Error{
				Code:    types.ErrInsufficientFunds,
				Message: fmt.Sprintf("payer %s cannot cover the remaining amount", payer),
			}
		}
		// Advisory policy: surface the warning and let the chain have
		// the final word.
	}

	outcome.Phase = types.PhaseCheckingApproval
	approved, err := checker.HasApproval(ctx, req, payer)
	if err != nil {
		outcome.Phase = types.PhaseFailed
		return outcome, &types.Error{
			Code:    types.ErrNetwork,
			Message: fmt.Sprintf("approval check failed: %v", err),
		}
	}

	if !approved {
		outcome.Phase = types.PhaseApproving
		if err := o.approve(ctx, client, req, outcome); err != nil {
			outcome.Phase = types.PhaseFailed
			return outcome, err
		}
	}

	outcome.Phase = types.PhasePaying
	handle, err := client.Pay(ctx, paymentCall(req))
	if err != nil {
		outcome.Phase = types.PhaseFailed
		return outcome, &types.Error{
			Code:    types.ErrPaymentFailed,
			Message: fmt.Sprintf("payment submission failed: %v", err),
		}
	}
	outcome.PaymentTxHash = handle.Hash()

	outcome.Phase = types.PhaseConfirming
	o.log.Info("payment submitted", map[string]any{
		"requestId": req.RequestID,
		"attemptId": outcome.AttemptID,
		"txHash":    outcome.PaymentTxHash,
	})
	if err := handle.Wait(ctx, o.confirmations); err != nil {
		outcome.Phase = types.PhaseFailed
		return outcome, &types.Error{
			Code:    types.ErrPaymentFailed,
			Message: fmt.Sprintf("payment tx %s failed: %v", outcome.PaymentTxHash, err),
		}
	}

	outcome.Phase = types.PhaseDone
	return outcome, nil
}

func (o *Orchestrator) approve(ctx context.Context, client clients.Client, req *types.PaymentRequest, outcome *types.SettlementOutcome) error {
	handle, err := client.Approve(ctx, req.Currency.Address, client.SpenderAddress(), req.RemainingAmount())
	if err != nil {
		return &types.Error{
			Code:    types.ErrApprovalFailed,
			Message: fmt.Sprintf("approval submission failed: %v", err),
		}
	}
	outcome.ApprovalTxHash = handle.Hash()

	o.log.Info("approval submitted", map[string]any{
		"requestId": req.RequestID,
		"attemptId": outcome.AttemptID,
		"txHash":    outcome.ApprovalTxHash,
	})

	// The payment must not race its own allowance.
	if err := handle.Wait(ctx, 1); err != nil {
		return &types.Error{
			Code:    types.ErrApprovalFailed,
			Message: fmt.Sprintf("approval tx %s failed: %v", outcome.ApprovalTxHash, err),
		}
	}
	return nil
}

// Cancel validates the actor against the request's roles and submits a
// cancellation. It shares the per-request lock with Settle so a
// cancellation cannot interleave with an in-flight payment on the same
// request. The local snapshot is never mutated; callers re-fetch.
func (o *Orchestrator) Cancel(ctx context.Context, req *types.PaymentRequest, actor types.Identity) error {
	if req == nil || req.RequestID == "" {
		return &types.Error{Code: types.ErrValidation, Message: "request is required"}
	}

	if !o.locks.acquire(req.RequestID) {
		return &types.Error{
			Code:    types.ErrAttemptInProgress,
			Message: fmt.Sprintf("an attempt for request %s is already in flight", req.RequestID),
		}
	}
	defer o.locks.release(req.RequestID)

	if req.State == types.StateCanceled {
		return &types.Error{
			Code:    types.ErrAlreadyCanceled,
			Message: fmt.Sprintf("request %s is already canceled", req.RequestID),
		}
	}
	if !actor.Equal(req.Payee) && !actor.Equal(req.Payer) {
		return &types.Error{
			Code:    types.ErrUnauthorized,
			Message: "only the payee or the payer may cancel a request",
		}
	}

	if err := o.canceler.Cancel(ctx, req.RequestID, actor); err != nil {
		o.rec.IncCounter("cancel_failed", map[string]string{"network": req.Currency.Network.String()})
		return err
	}

	o.rec.IncCounter("cancel_done", map[string]string{"network": req.Currency.Network.String()})
	o.log.Info("cancellation submitted", map[string]any{
		"requestId": req.RequestID,
		"actor":     actor.Value,
	})
	return nil
}

// Close closes all registered chain clients.
func (o *Orchestrator) Close() {
	for _, client := range o.clients {
		client.Close()
	}
}

func paymentCall(req *types.PaymentRequest) clients.PaymentCall {
	to := req.PaymentNetwork.PaymentAddress
	if to == "" {
		to = req.Payee.Value
	}

	call := clients.PaymentCall{
		Currency:         req.Currency,
		To:               to,
		Amount:           req.RemainingAmount(),
		PaymentReference: paymentReference(req.RequestID),
		FeeAddress:       req.PaymentNetwork.FeeAddress,
	}
	if fee := req.PaymentNetwork.FeeAmount; fee != "" {
		if parsed, err := utils.ParseBigInt(fee); err == nil {
			call.FeeAmount = parsed
		}
	}
	return call
}

// paymentReference ties an on-chain transfer back to its request: the
// last 8 bytes of the keccak hash of the request id.
func paymentReference(requestID string) []byte {
	sum := crypto.Keccak256([]byte(requestID))
	return sum[len(sum)-8:]
}
