package tools

import (
	"context"
	"errors"

	"github.com/nugget/chatty/internal/stocks"
)

// StockQuoter returns the latest price for a ticker.
type StockQuoter interface {
	Quote(ctx context.Context, ticker string) (*stocks.Quote, error)
}

type stockArgs struct {
	Ticker string `json:"ticker" jsonschema:"Ticker symbol, e.g. AAPL or MSFT."`
}

// RegisterStockTools adds get_stock_price.
func RegisterStockTools(r *Registry, q StockQuoter) error {
	return Add(r, "get_stock_price", "Get the latest price and daily change for a stock ticker.",
		func(ctx context.Context, _ Env, a stockArgs) (string, error) {
			if _, err := stocks.NormalizeTicker(a.Ticker); err != nil {
				return "", Errorf(InvalidArguments, "%v", err)
			}
			quote, err := q.Quote(ctx, a.Ticker)
			if errors.Is(err, stocks.ErrUnknownTicker) {
				return "", Errorf(NotFound, "%v", err)
			}
			if err != nil {
				return "", err
			}
			return quote.String(), nil
		})
}
