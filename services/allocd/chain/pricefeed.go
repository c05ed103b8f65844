package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"yieldvault/native/leverage"
)

// PriceFeed reads a Chainlink AggregatorV3 feed.
type PriceFeed struct {
	feed *contract
}

// NewPriceFeed binds the aggregator at address.
func NewPriceFeed(backend Backend, address string) (*PriceFeed, error) {
	c, err := newContract(address, aggregatorV3ABI, backend)
	if err != nil {
		return nil, err
	}
	return &PriceFeed{feed: c}, nil
}

// LatestPrice implements leverage.PriceFeed.
func (p *PriceFeed) LatestPrice(ctx context.Context) (leverage.PriceSample, error) {
	out, err := p.feed.call(ctx, "latestRoundData")
	if err != nil {
		return leverage.PriceSample{}, err
	}
	if len(out) != 5 {
		return leverage.PriceSample{}, fmt.Errorf("latestRoundData: unexpected output arity %d", len(out))
	}
	answer, _ := out[1].(*big.Int)
	updated, _ := out[3].(*big.Int)
	if answer == nil || answer.Sign() <= 0 {
		return leverage.PriceSample{}, fmt.Errorf("latestRoundData: non-positive answer")
	}
	if updated == nil || !updated.IsInt64() {
		return leverage.PriceSample{}, fmt.Errorf("latestRoundData: invalid updatedAt")
	}
	return leverage.PriceSample{
		Price:      new(big.Int).Set(answer),
		ObservedAt: time.Unix(updated.Int64(), 0).UTC(),
	}, nil
}
