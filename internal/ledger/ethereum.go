package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// weiPerMinorUnit scales a two-decimal amount to 18-decimal token units.
var weiPerMinorUnit = big.NewInt(10_000_000_000_000_000)

// Backend is the subset of an Ethereum node client used to submit and await
// transactions. *ethclient.Client satisfies it.
type Backend interface {
	bind.DeployBackend
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EthereumConfig configures the contract-backed ledger client.
type EthereumConfig struct {
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	GasLimit        uint64
	NetworkName     string
}

// EthereumClient records payment events on the cross-border payment contract.
type EthereumClient struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	gasLimit uint64
	network  string
	nonces   *NonceManager
	logger   *slog.Logger
}

// DialEthereum connects to rpcURL and builds a client for the configured contract.
func DialEthereum(ctx context.Context, rpcURL string, cfg EthereumConfig, logger *slog.Logger) (*EthereumClient, error) {
	conn, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	return NewEthereumClient(conn, cfg, logger)
}

// NewEthereumClient builds a client over an existing backend.
func NewEthereumClient(backend Backend, cfg EthereumConfig, logger *slog.Logger) (*EthereumClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(paymentContractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	c := &EthereumClient{
		backend:  backend,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		signer:   types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		gasLimit: cfg.GasLimit,
		network:  cfg.NetworkName,
		logger:   logger,
	}
	c.nonces = NewNonceManager(func(ctx context.Context) (uint64, error) {
		return c.backend.PendingNonceAt(ctx, c.from)
	})
	return c, nil
}

func (c *EthereumClient) InitiatePayment(ctx context.Context, req InitiateRequest) (Receipt, error) {
	method, err := initiateMethod(req.Direction)
	if err != nil {
		return Receipt{}, &Error{Op: OpInitiate, Code: CodeRejected, Err: err}
	}
	return c.transact(ctx, OpInitiate, method, req.SessionID, req.MerchantID, req.DestinationCiphertext)
}

func (c *EthereumClient) ConfirmVerification(ctx context.Context, req VerificationRequest) (Receipt, error) {
	method, err := verificationMethod(req.InstitutionID)
	if err != nil {
		return Receipt{}, &Error{Op: OpConfirmVerification, Code: CodeRejected, Err: err}
	}
	return c.transact(ctx, OpConfirmVerification, method, req.SessionID, req.Verified, string(req.InstitutionID))
}

func (c *EthereumClient) SubmitSettlement(ctx context.Context, req SettlementRequest) (Receipt, error) {
	method, err := settlementMethod(req.Direction)
	if err != nil {
		return Receipt{}, &Error{Op: OpSubmitSettlement, Code: CodeRejected, Err: err}
	}
	wei := new(big.Int).Mul(big.NewInt(req.Amount), weiPerMinorUnit)
	return c.transact(ctx, OpSubmitSettlement, method, req.SessionID, req.PayerUserID, wei)
}

func (c *EthereumClient) ConfirmSettlement(ctx context.Context, req ConfirmSettlementRequest) (Receipt, error) {
	if req.OriginSide {
		return c.transact(ctx, OpConfirmSettlement, "confirmOriginBankPayment", req.SessionID, req.Success)
	}
	return c.transact(ctx, OpConfirmSettlement, "confirmDestinationBankPayment", req.SessionID, req.MerchantID, req.Success)
}

func (c *EthereumClient) Info() Info {
	return Info{Kind: "ethereum", ContractAddress: c.contract.Hex(), Network: c.network, Connected: true}
}

func (c *EthereumClient) transact(ctx context.Context, op Op, method string, args ...any) (Receipt, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return Receipt{}, &Error{Op: op, Code: CodeRejected, Err: fmt.Errorf("pack %s: %w", method, err)}
	}

	var sent *types.Transaction
	err = c.nonces.Submit(ctx, func(nonce uint64) error {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &c.contract,
			Gas:      c.gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := types.SignTx(tx, c.signer, c.key)
		if err != nil {
			return err
		}
		if err := c.backend.SendTransaction(ctx, signed); err != nil {
			return err
		}
		sent = signed
		return nil
	})
	if err != nil {
		return Receipt{}, &Error{Op: op, Code: classifySendError(err), Err: err}
	}

	hash := sent.Hash().Hex()
	if c.logger != nil {
		c.logger.Debug("ledger transaction submitted",
			slog.String("op", string(op)),
			slog.String("method", method),
			slog.String("tx_hash", hash),
			slog.Uint64("nonce", sent.Nonce()),
		)
	}

	receipt, err := bind.WaitMined(ctx, c.backend, sent)
	if err != nil {
		return Receipt{TxHash: hash}, &Error{Op: op, Code: CodeTimeout, TxHash: hash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{TxHash: hash}, &Error{Op: op, Code: CodeReverted, TxHash: hash, Err: fmt.Errorf("%s reverted", method)}
	}
	out := Receipt{TxHash: receipt.TxHash.Hex()}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// classifySendError maps a submission failure onto the closed Code set. Node
// errors cross JSON-RPC as bare messages, so they are compared for equality
// with go-ethereum's own sentinel texts.
func classifySendError(err error) Code {
	switch {
	case errors.Is(err, txpool.ErrAlreadyKnown):
		return CodeAlreadyKnown
	case errors.Is(err, txpool.ErrReplaceUnderpriced):
		return CodeReplacementUnderpriced
	case errors.Is(err, core.ErrNonceTooLow):
		return CodeNonceTooLow
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeUnavailable
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Error() {
		case txpool.ErrAlreadyKnown.Error():
			return CodeAlreadyKnown
		case txpool.ErrReplaceUnderpriced.Error():
			return CodeReplacementUnderpriced
		case core.ErrNonceTooLow.Error():
			return CodeNonceTooLow
		}
		return CodeRejected
	}
	return CodeUnavailable
}
