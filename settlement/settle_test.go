package settlement

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/reqpay/clients"
	"github.com/vitwit/reqpay/types"
)

type fakeHandle struct {
	hash    string
	waitErr error
	block   chan struct{}
}

func (h *fakeHandle) Hash() string { return h.hash }

func (h *fakeHandle) Wait(ctx context.Context, _ uint64) error {
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.waitErr
}

type fakeClient struct {
	mu sync.Mutex

	balance   *big.Int
	allowance *big.Int

	approveCalls int
	payCalls     int

	approveErr     error
	approveWaitErr error
	payErr         error
	payWaitErr     error
	blockPayWait   chan struct{}
}

var _ clients.Client = (*fakeClient)(nil)

func (f *fakeClient) NativeBalance(context.Context, string) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeClient) TokenBalance(context.Context, string, string) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeClient) Allowance(context.Context, string, string, string) (*big.Int, error) {
	return f.allowance, nil
}

func (f *fakeClient) Approve(context.Context, string, string, *big.Int) (clients.TxHandle, error) {
	f.mu.Lock()
	f.approveCalls++
	f.mu.Unlock()
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	return &fakeHandle{hash: "0xapprove", waitErr: f.approveWaitErr}, nil
}

func (f *fakeClient) Pay(context.Context, clients.PaymentCall) (clients.TxHandle, error) {
	f.mu.Lock()
	f.payCalls++
	f.mu.Unlock()
	if f.payErr != nil {
		return nil, f.payErr
	}
	return &fakeHandle{hash: "0xpay", waitErr: f.payWaitErr, block: f.blockPayWait}, nil
}

func (f *fakeClient) counts() (approves, pays int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approveCalls, f.payCalls
}

func (f *fakeClient) SpenderAddress() string { return "0x000000000000000000000000000000000000feed" }
func (f *fakeClient) Network() types.Network { return types.NetworkXDai }
func (f *fakeClient) Close()                 {}

type fakeCanceler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCanceler) Cancel(context.Context, string, types.Identity) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.err
}

var (
	payeeIdentity = types.Identity{Type: types.IdentityEthereumAddress, Value: "0x1111111111111111111111111111111111111111"}
	payerIdentity = types.Identity{Type: types.IdentityEthereumAddress, Value: "0x2222222222222222222222222222222222222222"}
)

func tokenRequest(expected, settled int64) *types.PaymentRequest {
	return &types.PaymentRequest{
		RequestID: "01c0ffee",
		Creator:   payeeIdentity,
		Payee:     payeeIdentity,
		Payer:     payerIdentity,
		Currency: types.CurrencyRef{
			Kind:    types.CurrencyERC20,
			Network: types.NetworkXDai,
			Address: "0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d",
		},
		ExpectedAmount: big.NewInt(expected),
		State:          types.StateCreated,
		Balance:        types.Balance{Balance: big.NewInt(settled)},
	}
}

func newOrchestrator(t *testing.T, client *fakeClient, canceler Canceler, policy types.FundsPolicy) *Orchestrator {
	t.Helper()
	if canceler == nil {
		canceler = &fakeCanceler{}
	}
	o := NewOrchestrator(canceler, policy, 1, nil, nil)
	require.NoError(t, o.AddClient(types.NetworkXDai, client))
	return o
}

func TestSettleHappyPathWithApproval(t *testing.T) {
	client := &fakeClient{balance: big.NewInt(1000), allowance: big.NewInt(0)}
	o := newOrchestrator(t, client, nil, types.FundsAdvisory)

	outcome, err := o.Settle(context.Background(), tokenRequest(1000, 0), payerIdentity.Value)
	require.NoError(t, err)

	assert.Equal(t, types.PhaseDone, outcome.Phase)
	assert.True(t, outcome.FundsSufficient)
	assert.Equal(t, "0xapprove", outcome.ApprovalTxHash)
	assert.Equal(t, "0xpay", outcome.PaymentTxHash)
	assert.NotEmpty(t, outcome.AttemptID)

	approves, pays := client.counts()
	assert.Equal(t, 1, approves)
	assert.Equal(t, 1, pays)
}

func TestSettleSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	client := &fakeClient{balance: big.NewInt(1000), allowance: big.NewInt(1000)}
	o := newOrchestrator(t, client, nil, types.FundsAdvisory)

	outcome, err := o.Settle(context.Background(), tokenRequest(1000, 0), payerIdentity.Value)
	require.NoError(t, err)

	assert.Equal(t, types.PhaseDone, outcome.Phase)
	assert.Empty(t, outcome.ApprovalTxHash)

	approves, pays := client.counts()
	assert.Equal(t, 0, approves, "approval tx must not be submitted when the allowance already covers the amount")
	assert.Equal(t, 1, pays)
}

func TestSettleApprovalFailureAbortsBeforePayment(t *testing.T) {
	client := &fakeClient{
		balance:        big.NewInt(1000),
		allowance:      big.NewInt(0),
		approveWaitErr: assert.AnError,
	}
	o := newOrchestrator(t, client, nil, types.FundsAdvisory)

	outcome, err := o.Settle(context.Background(), tokenRequest(1000, 0), payerIdentity.Value)
	require.Error(t, err)

	assert.Equal(t, types.ErrApprovalFailed, types.CodeOf(err))
	assert.Equal(t, types.PhaseFailed, outcome.Phase)

	_, pays := client.counts()
	assert.Equal(t, 0, pays, "payment must not be submitted after a failed approval")
}

func TestSettlePaymentFailure(t *testing.T) {
	client := &fakeClient{
		balance:    big.NewInt(1000),
		allowance:  big.NewInt(1000),
		payWaitErr: assert.AnError,
	}
	o := newOrchestrator(t, client, nil, types.FundsAdvisory)

	outcome, err := o.Settle(context.Background(), tokenRequest(1000, 0), payerIdentity.Value)
	require.Error(t, err)

	assert.Equal(t, types.ErrPaymentFailed, types.CodeOf(err))
	assert.Equal(t, types.PhaseFailed, outcome.Phase)
	assert.Equal(t, "0xpay", outcome.PaymentTxHash)
}

func TestSettleInsufficientFundsStrictAborts(t *testing.T) {
	client := &fakeClient{balance: big.NewInt(1), allowance: big.NewInt(1000)}
	o := newOrchestrator(t, client, nil, types.FundsStrict)

	outcome, err := o.Settle(context.Background(), tokenRequest(1000, 0), payerIdentity.Value)
	require.Error(t, err)

	assert.Equal(t, types.ErrInsufficientFunds, types.CodeOf(err))
	assert.Equal(t, types.PhaseFailed, outcome.Phase)
	assert.False(t, outcome.FundsSufficient)

	_, pays := client.counts()
	assert.Equal(t, 0, pays)
}

func TestSettleInsufficientFundsAdvisoryContinues(t *testing.T) {
	client := &fakeClient{balance: big.NewInt(1), allowance: big.NewInt(1000)}
	o := newOrchestrator(t, client, nil, types.FundsAdvisory)

	outcome, err := o.Settle(context.Background(), tokenRequest(1000, 0), payerIdentity.Value)
	require.NoError(t, err)

	assert.Equal(t, types.PhaseDone, outcome.Phase)
	assert.False(t, outcome.FundsSufficient, "insufficiency must still be surfaced to the caller")

	_, pays := client.counts()
	assert.Equal(t, 1, pays)
}

func TestSettleAlreadyCoveredIsNoOp(t *testing.T) {
	client := &fakeClient{balance: big.NewInt(0), allowance: big.NewInt(0)}
	o := newOrchestrator(t, client, nil, types.FundsAdvisory)

	outcome, err := o.Settle(context.Background(), tokenRequest(1000, 1000), payerIdentity.Value)
	require.NoError(t, err)

	assert.Equal(t, types.PhaseDone, outcome.Phase)
	approves, pays := client.counts()
	assert.Equal(t, 0, approves)
	assert.Equal(t, 0, pays)
}

func TestSettleConcurrentAttemptRejected(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{
		balance:      big.NewInt(1000),
		allowance:    big.NewInt(1000),
		blockPayWait: block,
	}
	o := newOrchestrator(t, client, nil, types.FundsAdvisory)
	req := tokenRequest(1000, 0)

	done := make(chan error, 1)
	go func() {
		_, err := o.Settle(context.Background(), req, payerIdentity.Value)
		done <- err
	}()

	// Wait for the first attempt to reach the confirmation wait.
	require.Eventually(t, func() bool {
		_, pays := client.counts()
		return pays == 1
	}, time.Second, 5*time.Millisecond)

	_, err := o.Settle(context.Background(), req, payerIdentity.Value)
	require.Error(t, err)
	assert.Equal(t, types.ErrAttemptInProgress, types.CodeOf(err))

	close(block)
	require.NoError(t, <-done)

	// Lock must be released after the terminal outcome.
	outcome, err := o.Settle(context.Background(), req, payerIdentity.Value)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDone, outcome.Phase)
}

func TestSettleLockReleasedAfterFailure(t *testing.T) {
	client := &fakeClient{
		balance:   big.NewInt(1000),
		allowance: big.NewInt(1000),
		payErr:    assert.AnError,
	}
	o := newOrchestrator(t, client, nil, types.FundsAdvisory)
	req := tokenRequest(1000, 0)

	_, err := o.Settle(context.Background(), req, payerIdentity.Value)
	require.Error(t, err)

	// A fresh attempt must be accepted, not rejected as in-progress.
	_, err = o.Settle(context.Background(), req, payerIdentity.Value)
	require.Error(t, err)
	assert.Equal(t, types.ErrPaymentFailed, types.CodeOf(err))
}

func TestSettleUnknownNetwork(t *testing.T) {
	o := NewOrchestrator(&fakeCanceler{}, types.FundsAdvisory, 1, nil, nil)

	req := tokenRequest(1000, 0)
	_, err := o.Settle(context.Background(), req, payerIdentity.Value)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestSettleConfirmationWaitRespectsContext(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{
		balance:      big.NewInt(1000),
		allowance:    big.NewInt(1000),
		blockPayWait: block,
	}
	o := newOrchestrator(t, client, nil, types.FundsAdvisory)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Settle(ctx, tokenRequest(1000, 0), payerIdentity.Value)
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, pays := client.counts()
		return pays == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	require.Error(t, err)
	assert.Equal(t, types.ErrPaymentFailed, types.CodeOf(err))
}

func TestCancelByPayee(t *testing.T) {
	canceler := &fakeCanceler{}
	o := newOrchestrator(t, &fakeClient{}, canceler, types.FundsAdvisory)

	err := o.Cancel(context.Background(), tokenRequest(1000, 0), payeeIdentity)
	require.NoError(t, err)
	assert.Equal(t, 1, canceler.calls)
}

func TestCancelByPayerMixedCase(t *testing.T) {
	canceler := &fakeCanceler{}
	o := newOrchestrator(t, &fakeClient{}, canceler, types.FundsAdvisory)

	actor := types.Identity{
		Type:  types.IdentityEthereumAddress,
		Value: "0x2222222222222222222222222222222222222222",
	}
	req := tokenRequest(1000, 0)
	req.Payer.Value = "0x2222222222222222222222222222222222222222"

	require.NoError(t, o.Cancel(context.Background(), req, actor))
	assert.Equal(t, 1, canceler.calls)
}

func TestCancelUnauthorized(t *testing.T) {
	canceler := &fakeCanceler{}
	o := newOrchestrator(t, &fakeClient{}, canceler, types.FundsAdvisory)

	stranger := types.Identity{Type: types.IdentityEthereumAddress, Value: "0x3333333333333333333333333333333333333333"}
	err := o.Cancel(context.Background(), tokenRequest(1000, 0), stranger)
	require.Error(t, err)

	assert.Equal(t, types.ErrUnauthorized, types.CodeOf(err))
	assert.Equal(t, 0, canceler.calls, "unauthorized cancellations must never reach the network")
}

func TestCancelAlreadyCanceled(t *testing.T) {
	canceler := &fakeCanceler{}
	o := newOrchestrator(t, &fakeClient{}, canceler, types.FundsAdvisory)

	req := tokenRequest(1000, 0)
	req.State = types.StateCanceled

	err := o.Cancel(context.Background(), req, payeeIdentity)
	require.Error(t, err)

	assert.Equal(t, types.ErrAlreadyCanceled, types.CodeOf(err))
	assert.Equal(t, 0, canceler.calls)
}

func TestCancelBlockedWhileSettling(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{
		balance:      big.NewInt(1000),
		allowance:    big.NewInt(1000),
		blockPayWait: block,
	}
	canceler := &fakeCanceler{}
	o := newOrchestrator(t, client, canceler, types.FundsAdvisory)
	req := tokenRequest(1000, 0)

	done := make(chan error, 1)
	go func() {
		_, err := o.Settle(context.Background(), req, payerIdentity.Value)
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, pays := client.counts()
		return pays == 1
	}, time.Second, 5*time.Millisecond)

	err := o.Cancel(context.Background(), req, payeeIdentity)
	require.Error(t, err)
	assert.Equal(t, types.ErrAttemptInProgress, types.CodeOf(err))
	assert.Equal(t, 0, canceler.calls)

	close(block)
	require.NoError(t, <-done)
}

func TestPaymentReferenceIsStable(t *testing.T) {
	ref := paymentReference("01c0ffee")
	assert.Len(t, ref, 8)
	assert.Equal(t, ref, paymentReference("01c0ffee"))
	assert.NotEqual(t, ref, paymentReference("01c0ffef"))
}
