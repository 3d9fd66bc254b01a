package web3

import (
	"context"
	"time"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	GasPrice    string
	Notes       string
}

// QuoteKind selects which operation a quote is requested for.
type QuoteKind string

const (
	QuoteSwap   QuoteKind = "swap"
	QuoteBridge QuoteKind = "bridge"
	QuoteStake  QuoteKind = "stake"
)

// QuoteRequest describes the operation the planner wants estimated.
type QuoteRequest struct {
	Kind      QuoteKind
	ChainID   int64
	ToChainID int64
	FromToken string
	ToToken   string
	Amount    string
	Protocol  string
}

// Quote is the best-path estimate returned by the quoting collaborator.
type Quote struct {
	Protocol      string
	EstimatedGas  uint64
	EstimatedTime time.Duration
	OutputAmount  string
	PriceImpact   float64
}

// Client defines the narrow chain adapter surface the orchestration core
// consumes. Wallet custody and transaction signing stay outside of it.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	BalanceOf(ctx context.Context, address string) (string, error)
	SuggestGasPrice(ctx context.Context) (string, error)
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	Close()
}

// Quoter is the planner-facing subset of Client.
type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}
