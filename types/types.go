// Package types defines the data model shared by all reqpay packages:
// identities, currencies, payment requests and their derived display
// status, settlement outcomes, and the library configuration.
package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// IdentityType enumerates the supported identity kinds. The request
// network currently only issues address-based identities.
type IdentityType string

const (
	IdentityEthereumAddress IdentityType = "ethereumAddress"
)

// Identity is an immutable value object naming an actor on the request
// network.
type Identity struct {
	Type  IdentityType `json:"type"`
	Value string       `json:"value"`
}

// Equal reports structural equality. Address values compare
// case-insensitively since EVM addresses have no canonical case.
func (i Identity) Equal(other Identity) bool {
	if i.Type != other.Type {
		return false
	}
	if i.Type == IdentityEthereumAddress {
		return strings.EqualFold(i.Value, other.Value)
	}
	return i.Value == other.Value
}

func (i Identity) IsZero() bool {
	return i.Type == "" && i.Value == ""
}

// CurrencyKind enumerates how a request is denominated.
type CurrencyKind string

const (
	CurrencyNative CurrencyKind = "native"
	CurrencyERC20  CurrencyKind = "erc20"
)

// CurrencyRef references the currency a request is denominated in.
// Address is set for token currencies only.
type CurrencyRef struct {
	Kind    CurrencyKind `json:"kind"`
	Network Network      `json:"network"`
	Address string       `json:"address,omitempty"`
}

func (c CurrencyRef) IsNative() bool {
	return c.Kind == CurrencyNative
}

// RequestState is the authoritative off-chain state of a request as
// recorded by the request network. Transitions are monotonic: created
// may become accepted, created or accepted may become canceled, and
// nothing leaves canceled.
type RequestState string

const (
	StateCreated  RequestState = "created"
	StateAccepted RequestState = "accepted"
	StateCanceled RequestState = "canceled"
)

// Balance is the cumulative amount observed settled on-chain for a
// request. It is maintained by external indexing, never by this library.
type Balance struct {
	Balance *big.Int `json:"balance"`
}

// PaymentRequest is a read-replicated snapshot of a request. It is
// immutable once fetched; state and balance are refreshed only by
// re-fetching.
type PaymentRequest struct {
	RequestID      string       `json:"requestId"`
	Creator        Identity     `json:"creator"`
	Payee          Identity     `json:"payee"`
	Payer          Identity     `json:"payer"`
	Currency       CurrencyRef  `json:"currency"`
	ExpectedAmount *big.Int     `json:"expectedAmount"`
	State          RequestState `json:"state"`
	Balance        Balance      `json:"balance"`
	Timestamp      int64        `json:"timestamp"`

	// PaymentNetwork carries the settlement routing the request was
	// created with. PaymentAddress falls back to the payee when empty.
	PaymentNetwork PaymentNetworkDescriptor `json:"paymentNetwork"`
}

// DisplayStatus is the presentation-facing status of a request,
// combining the authoritative state with the observed on-chain balance.
type DisplayStatus string

const (
	StatusPaid     DisplayStatus = "Paid"
	StatusCreated  DisplayStatus = "Created"
	StatusAccepted DisplayStatus = "Accepted"
	StatusCanceled DisplayStatus = "Canceled"
)

// Project derives the display status from the snapshot. The balance can
// reach the expected amount while the off-chain state still says
// created, so the status is recomputed on every call rather than stored.
func (r *PaymentRequest) Project() DisplayStatus {
	if r.ExpectedAmount != nil && r.Balance.Balance != nil &&
		r.Balance.Balance.Cmp(r.ExpectedAmount) == 0 {
		return StatusPaid
	}
	switch r.State {
	case StateAccepted:
		return StatusAccepted
	case StateCanceled:
		return StatusCanceled
	default:
		return StatusCreated
	}
}

// RemainingAmount returns ExpectedAmount minus the settled balance,
// floored at zero.
func (r *PaymentRequest) RemainingAmount() *big.Int {
	if r.ExpectedAmount == nil {
		return new(big.Int)
	}
	remaining := new(big.Int).Set(r.ExpectedAmount)
	if r.Balance.Balance != nil {
		remaining.Sub(remaining, r.Balance.Balance)
	}
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining
}

// PaymentNetworkDescriptor selects the settlement contract family and
// fee terms for a new request (fee-proxy style).
type PaymentNetworkDescriptor struct {
	PaymentAddress string `json:"paymentAddress" validate:"required"`
	FeeAddress     string `json:"feeAddress,omitempty"`
	FeeAmount      string `json:"feeAmount,omitempty"`
}

// CreateRequestParams carries everything needed to create a request.
type CreateRequestParams struct {
	Currency       CurrencyRef              `json:"currency" validate:"required"`
	ExpectedAmount *big.Int                 `json:"expectedAmount" validate:"required"`
	Payee          Identity                 `json:"payee" validate:"required"`
	Payer          Identity                 `json:"payer" validate:"required"`
	PaymentNetwork PaymentNetworkDescriptor `json:"paymentNetwork" validate:"required"`
	Signer         Identity                 `json:"signer"`
}

// Validate checks the fields the request network will reject if absent.
func (p *CreateRequestParams) Validate() error {
	if p.Payer.IsZero() {
		return &Error{Code: ErrValidation, Message: "payer is required"}
	}
	if p.Payee.IsZero() {
		return &Error{Code: ErrValidation, Message: "payee is required"}
	}
	if p.Currency.Network == "" {
		return &Error{Code: ErrValidation, Message: "currency network is required"}
	}
	if p.Currency.Kind == CurrencyERC20 && p.Currency.Address == "" {
		return &Error{Code: ErrValidation, Message: "token currency requires an address"}
	}
	if p.ExpectedAmount == nil || p.ExpectedAmount.Sign() <= 0 {
		return &Error{Code: ErrValidation, Message: "expected amount must be a positive integer"}
	}
	if p.PaymentNetwork.PaymentAddress == "" {
		return &Error{Code: ErrValidation, Message: "payment network requires a payment address"}
	}
	return nil
}

// AttemptPhase enumerates the states of one settlement attempt.
type AttemptPhase string

const (
	PhaseCheckingFunds    AttemptPhase = "checking-funds"
	PhaseCheckingApproval AttemptPhase = "checking-approval"
	PhaseApproving        AttemptPhase = "approving"
	PhasePaying           AttemptPhase = "paying"
	PhaseConfirming       AttemptPhase = "confirming"
	PhaseDone             AttemptPhase = "done"
	PhaseFailed           AttemptPhase = "failed"
)

// SettlementOutcome reports the terminal result of a settlement attempt.
// The caller re-fetches the request afterwards to observe the updated
// balance; the outcome never mutates the snapshot.
type SettlementOutcome struct {
	AttemptID       string       `json:"attemptId"`
	RequestID       string       `json:"requestId"`
	Phase           AttemptPhase `json:"phase"`
	FundsSufficient bool         `json:"fundsSufficient"`
	ApprovalTxHash  string       `json:"approvalTxHash,omitempty"`
	PaymentTxHash   string       `json:"paymentTxHash,omitempty"`
}

// FundsPolicy decides what an insufficient-funds check does to a
// settlement attempt.
type FundsPolicy string

const (
	// FundsAdvisory surfaces insufficiency as a warning and lets the
	// attempt proceed, leaving rejection to the chain.
	FundsAdvisory FundsPolicy = "advisory"
	// FundsStrict aborts the attempt before any transaction is submitted.
	FundsStrict FundsPolicy = "strict"
)

// ClientConfig configures one chain client.
type ClientConfig struct {
	RPCUrl       string        `json:"rpcUrl" validate:"required,url"`
	ProxyAddress string        `json:"proxyAddress" validate:"required"`
	SignerKey    string        `json:"signerKey,omitempty"`
	PollInterval time.Duration `json:"pollInterval,omitempty"`
}

// Config is the library configuration consumed by reqpay.New.
type Config struct {
	NodeURL        string        `json:"nodeUrl" validate:"required,url"`
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`
	Confirmations  uint64        `json:"confirmations,omitempty"`
	FundsPolicy    FundsPolicy   `json:"fundsPolicy,omitempty"`
	LogLevel       string        `json:"logLevel,omitempty"`
	EnableMetrics  bool          `json:"enableMetrics,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil || c.NodeURL == "" {
		return &Error{Code: ErrValidation, Message: "node url is required"}
	}
	switch c.FundsPolicy {
	case "", FundsAdvisory, FundsStrict:
	default:
		return &Error{Code: ErrValidation, Message: fmt.Sprintf("unknown funds policy: %s", c.FundsPolicy)}
	}
	return nil
}
