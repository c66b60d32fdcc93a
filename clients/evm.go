package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/reqpay/types"
	"github.com/vitwit/reqpay/utils"
)

const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"allowance","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const feeProxyABI = `[
  {"name":"transferFromWithReferenceAndFee","type":"function","stateMutability":"nonpayable",
   "inputs":[
     {"name":"_tokenAddress","type":"address"},
     {"name":"_to","type":"address"},
     {"name":"_amount","type":"uint256"},
     {"name":"_paymentReference","type":"bytes"},
     {"name":"_feeAmount","type":"uint256"},
     {"name":"_feeAddress","type":"address"}
   ],
   "outputs":[]},
  {"name":"transferWithReferenceAndFee","type":"function","stateMutability":"payable",
   "inputs":[
     {"name":"_to","type":"address"},
     {"name":"_paymentReference","type":"bytes"},
     {"name":"_feeAmount","type":"uint256"},
     {"name":"_feeAddress","type":"address"}
   ],
   "outputs":[]}
]`

var _ Client = (*EVMClient)(nil)

// EVMClient implements Client for one EVM payment network. The signer
// key, when configured, is the payer key used to broadcast approval and
// payment transactions.
type EVMClient struct {
	network      types.Network
	rpcURL       string
	eth          *ethclient.Client
	chainID      *big.Int
	proxyAddress common.Address
	signer       *ecdsa.PrivateKey
	tokenABI     abi.ABI
	proxyABI     abi.ABI
	pollInterval time.Duration
}

func NewEVMClient(network types.Network, cfg types.ClientConfig) (*EVMClient, error) {
	chainID := network.ChainID()
	if chainID == nil {
		return nil, &types.Error{
			Code:    types.ErrValidation,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}
	if err := utils.ValidateEVMAddress(cfg.ProxyAddress); err != nil {
		return nil, &types.Error{
			Code:    types.ErrValidation,
			Message: fmt.Sprintf("invalid proxy address: %v", err),
		}
	}

	eth, err := ethclient.Dial(cfg.RPCUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}

	var signer *ecdsa.PrivateKey
	if cfg.SignerKey != "" {
		signer, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("invalid signer key: %w", err)
		}
	}

	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	proxyABI, err := abi.JSON(strings.NewReader(feeProxyABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("parse fee proxy abi: %w", err)
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}

	return &EVMClient{
		network:      types.NormalizeNetwork(network),
		rpcURL:       cfg.RPCUrl,
		eth:          eth,
		chainID:      chainID,
		proxyAddress: common.HexToAddress(cfg.ProxyAddress),
		signer:       signer,
		tokenABI:     tokenABI,
		proxyABI:     proxyABI,
		pollInterval: poll,
	}, nil
}

func (c *EVMClient) Network() types.Network { return c.network }

func (c *EVMClient) SpenderAddress() string { return c.proxyAddress.Hex() }

func (c *EVMClient) Close() { c.eth.Close() }

// NativeBalance implements ChainQuerier.
func (c *EVMClient) NativeBalance(ctx context.Context, owner string) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, common.HexToAddress(owner), nil)
}

// TokenBalance implements ChainQuerier.
func (c *EVMClient) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	return c.callUint256(ctx, token, "balanceOf", common.HexToAddress(owner))
}

// Allowance implements ChainQuerier.
func (c *EVMClient) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	return c.callUint256(ctx, token, "allowance",
		common.HexToAddress(owner), common.HexToAddress(spender))
}

func (c *EVMClient) callUint256(ctx context.Context, contract, method string, args ...interface{}) (*big.Int, error) {
	callData, err := c.tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s call data: %w", method, err)
	}

	to := common.HexToAddress(contract)
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	out, err := c.tokenABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s result: %w", method, err)
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned unexpected type", method)
	}
	return value, nil
}

// Approve implements TxSubmitter.
func (c *EVMClient) Approve(ctx context.Context, token, spender string, amount *big.Int) (TxHandle, error) {
	callData, err := c.tokenABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return nil, fmt.Errorf("pack approve call data: %w", err)
	}
	return c.submit(ctx, common.HexToAddress(token), big.NewInt(0), callData)
}

// Pay implements TxSubmitter. Token payments route through the fee
// proxy's transferFrom path and need a prior allowance; native payments
// carry the value directly.
func (c *EVMClient) Pay(ctx context.Context, call PaymentCall) (TxHandle, error) {
	fee := call.FeeAmount
	if fee == nil {
		fee = big.NewInt(0)
	}

	if call.Currency.IsNative() {
		callData, err := c.proxyABI.Pack("transferWithReferenceAndFee",
			common.HexToAddress(call.To),
			call.PaymentReference,
			fee,
			common.HexToAddress(call.FeeAddress),
		)
		if err != nil {
			return nil, fmt.Errorf("pack payment call data: %w", err)
		}
		value := new(big.Int).Add(call.Amount, fee)
		return c.submit(ctx, c.proxyAddress, value, callData)
	}

	callData, err := c.proxyABI.Pack("transferFromWithReferenceAndFee",
		common.HexToAddress(call.Currency.Address),
		common.HexToAddress(call.To),
		call.Amount,
		call.PaymentReference,
		fee,
		common.HexToAddress(call.FeeAddress),
	)
	if err != nil {
		return nil, fmt.Errorf("pack payment call data: %w", err)
	}
	return c.submit(ctx, c.proxyAddress, big.NewInt(0), callData)
}

func (c *EVMClient) submit(ctx context.Context, to common.Address, value *big.Int, callData []byte) (TxHandle, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("no signer configured on client")
	}

	signerAddr := crypto.PubkeyToAddress(c.signer.PublicKey)

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: signerAddr, To: &to, Value: value, Data: callData,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas failed: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price failed: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, signerAddr)
	if err != nil {
		return nil, fmt.Errorf("pending nonce failed: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, to, value, gasLimit, gasPrice, callData)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.signer)
	if err != nil {
		return nil, fmt.Errorf("sign tx failed: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx failed: %w", err)
	}

	return &evmTxHandle{eth: c.eth, hash: signed.Hash(), poll: c.pollInterval}, nil
}

type evmTxHandle struct {
	eth  *ethclient.Client
	hash common.Hash
	poll time.Duration
}

func (h *evmTxHandle) Hash() string { return h.hash.Hex() }

// Wait polls for the transaction receipt until it has the requested
// confirmation depth. A canceled ctx aborts only the wait.
func (h *evmTxHandle) Wait(ctx context.Context, confirmations uint64) error {
	if confirmations == 0 {
		confirmations = 1
	}

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		receipt, err := h.eth.TransactionReceipt(ctx, h.hash)
		if err == nil && receipt != nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted", h.hash.Hex())
			}
			head, err := h.eth.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+confirmations-1 {
				return nil
			}
		} else if err != nil && err != ethereum.NotFound {
			return fmt.Errorf("fetch receipt for %s: %w", h.hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
