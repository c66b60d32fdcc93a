// Package reqpay drives the lifecycle of off-chain-described,
// on-chain-settled payment requests: creation and discovery through a
// request-network node, settlement through EVM fee-proxy contracts, and
// cancellation. It is a client of those services and owns no server
// port or persisted state.
package reqpay

import (
	"context"
	"time"

	"github.com/vitwit/reqpay/clients"
	"github.com/vitwit/reqpay/logger"
	"github.com/vitwit/reqpay/metrics"
	"github.com/vitwit/reqpay/repository"
	"github.com/vitwit/reqpay/settlement"
	"github.com/vitwit/reqpay/tokens"
	"github.com/vitwit/reqpay/types"
	"github.com/vitwit/reqpay/utils"
)

// ReqPay is the main entry point wiring the repository client, the
// settlement orchestrator, and the token metadata resolver.
type ReqPay struct {
	repo         *repository.Client
	orchestrator *settlement.Orchestrator
	resolver     *tokens.Resolver
	log          logger.Logger
	rec          metrics.Recorder
	config       *types.Config
}

// New creates a ReqPay instance for the given node. Chain clients are
// added per network with AddNetwork.
func New(config *types.Config, opts ...Option) (*ReqPay, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	timeout := 30 * time.Second
	if config.DefaultTimeout > 0 {
		timeout = config.DefaultTimeout
	}

	r := &ReqPay{
		resolver: tokens.NewResolver(),
		log:      logger.NoopLogger{},
		rec:      metrics.NoopRecorder{},
		config:   config,
	}
	if config.LogLevel != "" {
		r.log = logger.NewZapLogger(config.LogLevel)
	}
	if config.EnableMetrics {
		r.rec = metrics.NewPrometheusRecorder()
	}

	for _, opt := range opts {
		opt(r)
	}

	r.repo = repository.NewClient(config.NodeURL, timeout, r.log)
	r.orchestrator = settlement.NewOrchestrator(
		r.repo, config.FundsPolicy, config.Confirmations, r.log, r.rec,
	)

	return r, nil
}

// AddNetwork registers a chain client for a payment network.
func (r *ReqPay) AddNetwork(network types.Network, cfg types.ClientConfig) error {
	client, err := clients.NewEVMClient(network, cfg)
	if err != nil {
		return err
	}
	return r.orchestrator.AddClient(network, client)
}

// IsNetworkSupported reports whether settlement is possible on network.
func (r *ReqPay) IsNetworkSupported(network types.Network) bool {
	return r.orchestrator.IsNetworkSupported(network)
}

// CreateRequest creates a request on the node and waits for its
// confirmation.
func (r *ReqPay) CreateRequest(ctx context.Context, params *types.CreateRequestParams) (*types.PaymentRequest, error) {
	return r.repo.CreateRequest(ctx, params)
}

// FetchByID returns the current snapshot of one request.
func (r *ReqPay) FetchByID(ctx context.Context, requestID string) (*types.PaymentRequest, error) {
	return r.repo.FetchByID(ctx, requestID)
}

// FetchByIdentity lists requests involving the identity, timestamped at
// or after from.
func (r *ReqPay) FetchByIdentity(ctx context.Context, identity types.Identity, from int64) ([]*types.PaymentRequest, error) {
	return r.repo.FetchByIdentity(ctx, identity, from)
}

// Settle runs one settlement attempt for the request, paid by payer.
// Re-fetch the request afterwards to observe the updated balance.
func (r *ReqPay) Settle(ctx context.Context, req *types.PaymentRequest, payer string) (*types.SettlementOutcome, error) {
	return r.orchestrator.Settle(ctx, req, payer)
}

// Cancel submits a cancellation by actor, which must be the request's
// payee or payer.
func (r *ReqPay) Cancel(ctx context.Context, req *types.PaymentRequest, actor types.Identity) error {
	return r.orchestrator.Cancel(ctx, req, actor)
}

// Project derives the display status for a request snapshot.
func (r *ReqPay) Project(req *types.PaymentRequest) types.DisplayStatus {
	return req.Project()
}

// FormatAmount renders the request's expected amount as a fixed-point
// decimal string with the token's symbol.
func (r *ReqPay) FormatAmount(req *types.PaymentRequest) (amount, symbol string) {
	token, ok := r.resolver.ResolveCurrency(req.Currency)
	if !ok {
		return "0", ""
	}
	return utils.FormatAmountFromBigInt(req.ExpectedAmount, token.Decimals), token.Symbol
}

// Tokens exposes the metadata resolver so callers can register
// additional tokens.
func (r *ReqPay) Tokens() *tokens.Resolver {
	return r.resolver
}

// Close closes all chain client connections.
func (r *ReqPay) Close() {
	r.orchestrator.Close()
}

// Version information
const Version = "1.0.0"
