package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"yieldvault/native/allocation"
	"yieldvault/native/venue"
)

const (
	poolAddr     = "0x00000000000000000000000000000000000000a1"
	providerAddr = "0x00000000000000000000000000000000000000a2"
	assetAddr    = "0x00000000000000000000000000000000000000a3"
	vaultAddr    = "0x00000000000000000000000000000000000000a4"
	feedAddr     = "0x00000000000000000000000000000000000000a5"
)

type handler func(args []interface{}) ([]interface{}, error)

// fakeBackend decodes calldata against registered ABIs and answers view
// calls from handlers. Transactions are recorded and mined immediately.
type fakeBackend struct {
	mu       sync.Mutex
	abis     map[common.Address]abi.ABI
	views    map[string]handler
	reverts  map[string]bool
	sent     []string
	receipts map[common.Hash]*gethtypes.Receipt
	callErr  error
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{
		abis:     map[common.Address]abi.ABI{},
		views:    map[string]handler{},
		reverts:  map[string]bool{},
		receipts: map[common.Hash]*gethtypes.Receipt{},
	}
	for addr, def := range map[string]string{
		poolAddr:     lendingPoolABI,
		providerAddr: dataProviderABI,
		assetAddr:    erc20ABI,
		vaultAddr:    vaultABI,
		feedAddr:     aggregatorV3ABI,
	} {
		parsed, err := abi.JSON(strings.NewReader(def))
		require.NoError(t, err)
		f.abis[common.HexToAddress(addr)] = parsed
	}
	return f
}

func key(addr, method string) string {
	return strings.ToLower(common.HexToAddress(addr).Hex()) + ":" + method
}

func (f *fakeBackend) on(addr, method string, h handler) { f.views[key(addr, method)] = h }

func (f *fakeBackend) decode(to *common.Address, data []byte) (*abi.Method, []interface{}, error) {
	parsed, ok := f.abis[*to]
	if !ok {
		return nil, nil, fmt.Errorf("unknown contract %s", to.Hex())
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	return method, args, err
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, args, err := f.decode(call.To, call.Data)
	if err != nil {
		return nil, err
	}
	h, ok := f.views[strings.ToLower(call.To.Hex())+":"+method.Name]
	if !ok {
		return nil, fmt.Errorf("no handler for %s", method.Name)
	}
	out, err := h(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	method, args, err := f.decode(tx.To(), tx.Data())
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := method.Name
	for _, a := range args {
		if v, ok := a.(*big.Int); ok {
			entry += fmt.Sprintf(":%s", v)
		}
	}
	f.sent = append(f.sent, entry)
	status := gethtypes.ReceiptStatusSuccessful
	if f.reverts[method.Name] {
		status = gethtypes.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &gethtypes.Receipt{Status: status, TxHash: tx.Hash()}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) txs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	k, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	return &Signer{Key: k, ChainID: big.NewInt(1), Confirm: time.Second, Poll: time.Millisecond}
}

func ray(percent int64) *big.Int {
	v := new(big.Int).Exp(big.NewInt(10), big.NewInt(25), nil)
	return v.Mul(v, big.NewInt(percent))
}

func TestRayToBps(t *testing.T) {
	require.Equal(t, uint64(500), RayToBps(ray(5)))
	require.Equal(t, uint64(0), RayToBps(nil))
	require.Equal(t, uint64(0), RayToBps(big.NewInt(-1)))
	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	require.Equal(t, ^uint64(0), RayToBps(huge))
}

func TestGrowthBps(t *testing.T) {
	require.Equal(t, uint64(500), GrowthBps(big.NewInt(1_000_000), big.NewInt(1_050_000), secondsPerYear))
	require.Equal(t, uint64(1_000), GrowthBps(big.NewInt(1_000_000), big.NewInt(1_050_000), secondsPerYear/2))
	require.Zero(t, GrowthBps(big.NewInt(1_000_000), big.NewInt(990_000), secondsPerYear))
	require.Zero(t, GrowthBps(big.NewInt(1_000_000), big.NewInt(1_050_000), 0))
}

func reserveData(total, stable, variable, rate int64) handler {
	return func([]interface{}) ([]interface{}, error) {
		r := ray(0)
		if rate > 0 {
			r = ray(rate)
		}
		zero := big.NewInt(0)
		return []interface{}{zero, zero, big.NewInt(total), big.NewInt(stable), big.NewInt(variable), r, zero, zero, zero, zero, zero, big.NewInt(0)}, nil
	}
}

func userData(debt int64) handler {
	return func([]interface{}) ([]interface{}, error) {
		zero := big.NewInt(0)
		return []interface{}{zero, zero, big.NewInt(debt), zero, zero, zero, zero, big.NewInt(0), true}, nil
	}
}

func TestLendingPoolReads(t *testing.T) {
	backend := newFakeBackend(t)
	backend.on(providerAddr, "getReserveData", reserveData(1_000, 100, 200, 3))
	backend.on(providerAddr, "getPaused", func([]interface{}) ([]interface{}, error) { return []interface{}{true}, nil })
	backend.on(providerAddr, "getUserReserveData", userData(42))

	pool, err := NewLendingPool(backend, testSigner(t), poolAddr, providerAddr, assetAddr)
	require.NoError(t, err)
	ctx := context.Background()

	liq, err := pool.AvailableLiquidity(ctx)
	require.NoError(t, err)
	require.Equal(t, "700", liq.String())

	rate, err := pool.SupplyRateBps(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(300), rate)

	paused, err := pool.Paused(ctx)
	require.NoError(t, err)
	require.True(t, paused)

	debt, err := pool.Debt(ctx)
	require.NoError(t, err)
	require.Equal(t, "42", debt.String())

	adapter := venue.NewLendingPool("aave", pool)
	healthy, err := adapter.IsHealthy(ctx)
	require.NoError(t, err)
	require.False(t, healthy)
}

func TestLendingPoolWrites(t *testing.T) {
	backend := newFakeBackend(t)
	backend.on(providerAddr, "getUserReserveData", userData(150))
	pool, err := NewLendingPool(backend, testSigner(t), poolAddr, providerAddr, assetAddr)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, pool.Supply(ctx, big.NewInt(1_000)))
	require.NoError(t, pool.Borrow(ctx, big.NewInt(400)))
	got, err := pool.Withdraw(ctx, big.NewInt(300))
	require.NoError(t, err)
	require.Equal(t, "300", got.String())

	repaid, err := pool.Repay(ctx, big.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, "150", repaid.String())

	require.Equal(t, []string{
		"approve:1000",
		"supply:1000",
		"borrow:400:2",
		"withdraw:300",
		"approve:150",
		"repay:150:2",
	}, backend.txs())
}

func TestLendingPoolErrorsClassify(t *testing.T) {
	backend := newFakeBackend(t)
	backend.reverts["supply"] = true
	pool, err := NewLendingPool(backend, testSigner(t), poolAddr, providerAddr, assetAddr)
	require.NoError(t, err)
	adapter := venue.NewLendingPool("aave", pool)

	err = adapter.Deposit(context.Background(), big.NewInt(10))
	require.ErrorIs(t, err, venue.ErrReverted)
	require.Equal(t, venue.FailureReverted, venue.Classify(err))

	backend.callErr = errors.New("connection refused")
	_, err = adapter.CurrentLiquidity(context.Background())
	require.ErrorIs(t, err, venue.ErrUnreachable)
	require.Equal(t, venue.FailureUnreachable, venue.Classify(err))
}

func TestVaultYieldFromSharePrice(t *testing.T) {
	backend := newFakeBackend(t)
	price := big.NewInt(1_000_000)
	backend.on(vaultAddr, "decimals", func([]interface{}) ([]interface{}, error) { return []interface{}{uint8(6)}, nil })
	backend.on(vaultAddr, "convertToAssets", func([]interface{}) ([]interface{}, error) {
		return []interface{}{new(big.Int).Set(price)}, nil
	})
	backend.on(vaultAddr, "maxDeposit", func([]interface{}) ([]interface{}, error) { return []interface{}{big.NewInt(0)}, nil })
	backend.on(vaultAddr, "maxWithdraw", func([]interface{}) ([]interface{}, error) { return []interface{}{big.NewInt(900)}, nil })

	v, err := NewVault(backend, testSigner(t), vaultAddr, assetAddr, 200)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }
	ctx := context.Background()

	bps, err := v.NAVYieldBps(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(200), bps)

	now = now.Add(365 * 24 * time.Hour)
	price.SetInt64(1_050_000)
	bps, err = v.NAVYieldBps(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(500), bps)

	open, err := v.Open(ctx)
	require.NoError(t, err)
	require.False(t, open)
	liq, err := v.RedeemableLiquidity(ctx)
	require.NoError(t, err)
	require.Equal(t, "900", liq.String())

	require.NoError(t, v.Subscribe(ctx, big.NewInt(50)))
	_, err = v.Redeem(ctx, big.NewInt(20))
	require.NoError(t, err)
	require.Equal(t, []string{"approve:50", "deposit:50", "withdraw:20"}, backend.txs())
}

func TestPriceFeedLatest(t *testing.T) {
	backend := newFakeBackend(t)
	answer := big.NewInt(100_000_000)
	backend.on(feedAddr, "latestRoundData", func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(7), new(big.Int).Set(answer), big.NewInt(0), big.NewInt(1_700_000_000), big.NewInt(7)}, nil
	})
	feed, err := NewPriceFeed(backend, feedAddr)
	require.NoError(t, err)

	sample, err := feed.LatestPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, "100000000", sample.Price.String())
	require.Equal(t, int64(1_700_000_000), sample.ObservedAt.Unix())

	answer.SetInt64(0)
	_, err = feed.LatestPrice(context.Background())
	require.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	k, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	id, err := uuid.NewRandom()
	require.NoError(t, err)
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    gethcrypto.PubkeyToAddress(k.PublicKey),
		PrivateKey: k,
	}, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "treasury.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	signer, err := LoadSigner(path, "secret", 10)
	require.NoError(t, err)
	require.Equal(t, gethcrypto.PubkeyToAddress(k.PublicKey), signer.From())
	require.Equal(t, int64(10), signer.ChainID.Int64())

	_, err = LoadSigner(path, "wrong", 10)
	require.Error(t, err)
}

func TestNewContractRejectsBadAddress(t *testing.T) {
	_, err := NewPriceFeed(newFakeBackend(t), "feed")
	require.Error(t, err)
}

func TestFeeSinkTransfersToRecipient(t *testing.T) {
	backend := newFakeBackend(t)
	recipient := "0x00000000000000000000000000000000000000f1"
	sink, err := NewFeeSink(backend, testSigner(t), assetAddr, recipient)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(recipient), sink.Recipient())
	ctx := context.Background()

	require.NoError(t, sink.Transfer(ctx, "management", big.NewInt(5)))
	require.NoError(t, sink.Transfer(ctx, "performance", big.NewInt(0)))
	require.Equal(t, []string{"transfer:5"}, backend.txs())

	_, refundable := interface{}(sink).(allocation.Refunder)
	require.False(t, refundable, "mined fee transfers cannot be refunded")

	backend.reverts["transfer"] = true
	err = sink.Transfer(ctx, "performance", big.NewInt(7))
	require.ErrorIs(t, err, venue.ErrReverted)
	require.ErrorContains(t, err, "performance fee transfer")
}

func TestNewFeeSinkValidates(t *testing.T) {
	backend := newFakeBackend(t)
	_, err := NewFeeSink(backend, testSigner(t), assetAddr, "treasury")
	require.ErrorContains(t, err, "invalid fee recipient")
	_, err = NewFeeSink(backend, testSigner(t), assetAddr, "0x0000000000000000000000000000000000000000")
	require.ErrorContains(t, err, "zero address")
	_, err = NewFeeSink(backend, nil, assetAddr, "0x00000000000000000000000000000000000000f1")
	require.ErrorContains(t, err, "requires a signer")
}
