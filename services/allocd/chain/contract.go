package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"yieldvault/native/venue"
)

// Backend is the subset of the Ethereum RPC used by the venue clients.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Signer holds the treasury key used for venue transactions.
type Signer struct {
	Key      *ecdsa.PrivateKey
	ChainID  *big.Int
	GasLimit uint64
	// Confirm bounds how long a transaction may take to be mined.
	Confirm time.Duration
	Poll    time.Duration
}

// From returns the signer address.
func (s *Signer) From() common.Address {
	return gethcrypto.PubkeyToAddress(s.Key.PublicKey)
}

// LoadSigner decrypts an Ethereum v3 keystore file.
func LoadSigner(path, passphrase string, chainID int64) (*Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("chain: empty keystore path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("chain: decrypt keystore: %w", err)
	}
	return &Signer{Key: key.PrivateKey, ChainID: big.NewInt(chainID)}, nil
}

// contract binds an ABI to an address on a backend.
type contract struct {
	address common.Address
	abi     abi.ABI
	backend Backend
}

func newContract(address string, definition string, backend Backend) (*contract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("chain: invalid contract address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	return &contract{address: common.HexToAddress(address), abi: parsed, backend: backend}, nil
}

func (c *contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, transportError(method, err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// transact signs, submits and waits for the transaction to be mined. A
// receipt with a failed status is reported as venue.ErrReverted.
func (c *contract) transact(ctx context.Context, signer *Signer, method string, args ...interface{}) (*gethtypes.Receipt, error) {
	if signer == nil || signer.Key == nil {
		return nil, fmt.Errorf("chain: %s requires a signer", method)
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	from := signer.From()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, transportError("nonce", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, transportError("gas price", err)
	}
	gas := signer.GasLimit
	if gas == 0 {
		gas = 600_000
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(signer.ChainID), signer.Key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, transportError(method, err)
	}
	receipt, err := c.waitMined(ctx, signer, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s tx %s: %w", method, signed.Hash().Hex(), venue.ErrReverted)
	}
	return receipt, nil
}

func (c *contract) waitMined(ctx context.Context, signer *Signer, hash common.Hash) (*gethtypes.Receipt, error) {
	timeout := signer.Confirm
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	poll := signer.Poll
	if poll <= 0 {
		poll = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, transportError("receipt", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// transportError tags RPC failures for the venue taxonomy: execution errors
// carrying revert data are reverts, everything else short of a timeout is
// unreachable.
func transportError(what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", what, err)
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return fmt.Errorf("%s: %w: %w", what, venue.ErrReverted, err)
	}
	return fmt.Errorf("%s: %w: %w", what, venue.ErrUnreachable, err)
}
