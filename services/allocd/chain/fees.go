package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// FeeSink pays management and performance fees out of the treasury as ERC-20
// transfers of the pool asset. A mined transfer cannot be pulled back, so the
// sink offers no refund and a rolled back operation reports the fee as an
// outstanding compensation.
type FeeSink struct {
	token     *contract
	signer    *Signer
	recipient common.Address
}

// NewFeeSink binds the asset token and the fee recipient.
func NewFeeSink(backend Backend, signer *Signer, asset, recipient string) (*FeeSink, error) {
	if signer == nil || signer.Key == nil {
		return nil, fmt.Errorf("chain: fee sink requires a signer")
	}
	recipient = strings.TrimSpace(recipient)
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("chain: invalid fee recipient %q", recipient)
	}
	to := common.HexToAddress(recipient)
	if to == (common.Address{}) {
		return nil, fmt.Errorf("chain: fee recipient must not be the zero address")
	}
	tok, err := newContract(asset, erc20ABI, backend)
	if err != nil {
		return nil, err
	}
	return &FeeSink{token: tok, signer: signer, recipient: to}, nil
}

// Recipient returns the fee destination.
func (s *FeeSink) Recipient() common.Address { return s.recipient }

// Transfer sends amount to the recipient and waits for the receipt.
func (s *FeeSink) Transfer(ctx context.Context, kind string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if _, err := s.token.transact(ctx, s.signer, "transfer", s.recipient, amount); err != nil {
		return fmt.Errorf("%s fee transfer: %w", kind, err)
	}
	return nil
}
