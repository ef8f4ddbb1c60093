package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spike-alerts/internal/market"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// Feed binds a symbol to a Chainlink aggregator contract.
type Feed struct {
	Symbol  string
	Address string
}

// ChainlinkOptions parameterise the on-chain source.
type ChainlinkOptions struct {
	RPCURL  string
	Feeds   []Feed
	Timeout time.Duration
	Now     func() time.Time
}

// Chainlink reads aggregator answers over Ethereum RPC.
type Chainlink struct {
	opts   ChainlinkOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client
	decimals  map[common.Address]int32
}

// NewChainlink builds an on-chain price source.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_fetcher").Logger(),
		decimals: make(map[common.Address]int32),
	}
}

// FetchBatch reads every configured feed. A failing feed is skipped unless all fail.
func (c *Chainlink) FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error) {
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if len(c.opts.Feeds) == 0 {
		return nil, errors.New("no chainlink feeds configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	now := c.opts.Now().UTC()
	out := make([]market.Snapshot, 0, len(c.opts.Feeds))
	var lastErr error
	for _, feed := range c.opts.Feeds {
		price, err := c.readFeed(ctx, client, common.HexToAddress(feed.Address))
		if err != nil {
			lastErr = fmt.Errorf("feed %s: %w", feed.Symbol, err)
			c.logger.Warn().Err(err).Str("symbol", feed.Symbol).Msg("chainlink feed read failed")
			continue
		}
		out = append(out, market.Snapshot{
			Symbol:     feed.Symbol,
			Exchange:   exchange,
			Price:      price,
			ObservedAt: now,
		})
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (c *Chainlink) readFeed(ctx context.Context, client *ethclient.Client, addr common.Address) (decimal.Decimal, error) {
	exp, err := c.feedDecimals(ctx, client, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := callView(ctx, client, addr, "latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData answer")
	}
	return scaleAnswer(answer, exp), nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	c.clientMux.Lock()
	exp, ok := c.decimals[addr]
	c.clientMux.Unlock()
	if ok {
		return exp, nil
	}

	outputs, err := callView(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.clientMux.Lock()
	c.decimals[addr] = int32(d)
	c.clientMux.Unlock()
	return int32(d), nil
}

func callView(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	return aggregatorABI.Unpack(method, res)
}

// scaleAnswer converts a raw aggregator answer into a price.
func scaleAnswer(answer *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(answer, -decimals)
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ Source = (*Chainlink)(nil)
