// Package stocks fetches the latest price for a ticker symbol from the
// Yahoo Finance chart API.
package stocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/chatty/internal/httpkit"
)

// ErrUnknownTicker is returned when the service has no data for a symbol.
var ErrUnknownTicker = errors.New("unknown ticker")

var tickerPattern = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-=]{0,14}$`)

// NormalizeTicker upper-cases a symbol and rejects anything that could
// not be one.
func NormalizeTicker(s string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if !tickerPattern.MatchString(t) {
		return "", fmt.Errorf("invalid ticker %q", s)
	}
	return t, nil
}

// Quote is the freshest known price for a symbol. Change fields are nil
// when no previous close is known.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        *float64  `json:"change"`
	ChangePercent *float64  `json:"change_percent"`
	PrevClose     *float64  `json:"prev_close"`
	Currency      string    `json:"currency,omitempty"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp_utc"`
}

func (q *Quote) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s %s", q.Symbol, formatPrice(q.Price), q.Currency)
	if q.Change != nil && q.ChangePercent != nil {
		fmt.Fprintf(&b, " (%+g, %+.2f%%)", *q.Change, *q.ChangePercent)
	}
	if q.PrevClose != nil {
		fmt.Fprintf(&b, ", previous close %s", formatPrice(*q.PrevClose))
	}
	fmt.Fprintf(&b, "\nAs of %s (source: %s)", q.Timestamp.UTC().Format(time.RFC3339), q.Source)
	return b.String()
}

// Client queries the chart endpoint.
type Client struct {
	apiURL string
	http   *http.Client
	now    func() time.Time
}

// New creates a client for apiURL, e.g. https://query1.finance.yahoo.com.
func New(apiURL string) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		http: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, time.Second),
		),
		now: time.Now,
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string   `json:"currency"`
				Symbol             string   `json:"symbol"`
				RegularMarketPrice *float64 `json:"regularMarketPrice"`
				RegularMarketTime  int64    `json:"regularMarketTime"`
				ChartPreviousClose *float64 `json:"chartPreviousClose"`
				PreviousClose      *float64 `json:"previousClose"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// intradayFreshness bounds how old the last one-minute bar may be before
// the regular market price is preferred.
const intradayFreshness = 3 * time.Minute

// Quote returns the latest price for ticker. A fresh extended-hours bar
// wins over the regular market price.
func (c *Client) Quote(ctx context.Context, ticker string) (*Quote, error) {
	sym, err := NormalizeTicker(ticker)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=1d&interval=1m&includePrePost=true", c.apiURL, url.PathEscape(sym))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var cr chartResponse
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	default:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if e := cr.Chart.Error; e != nil {
		if e.Code == "Not Found" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTicker, sym)
		}
		return nil, fmt.Errorf("chart error %s: %s", e.Code, e.Description)
	}
	if len(cr.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicker, sym)
	}
	r := cr.Chart.Result[0]

	q := &Quote{Symbol: sym, Currency: r.Meta.Currency}
	if r.Meta.Symbol != "" {
		q.Symbol = r.Meta.Symbol
	}

	now := c.now()
	var closes []*float64
	if len(r.Indicators.Quote) > 0 {
		closes = r.Indicators.Quote[0].Close
	}
	for i := min(len(closes), len(r.Timestamp)) - 1; i >= 0; i-- {
		if closes[i] == nil || math.IsNaN(*closes[i]) {
			continue
		}
		at := time.Unix(r.Timestamp[i], 0)
		if now.Sub(at) <= intradayFreshness {
			q.Price, q.Source, q.Timestamp = *closes[i], "intraday_1m", at
		}
		break
	}
	if q.Source == "" {
		if r.Meta.RegularMarketPrice == nil {
			return nil, fmt.Errorf("%w: %s has no price", ErrUnknownTicker, sym)
		}
		q.Price, q.Source = *r.Meta.RegularMarketPrice, "regular_market"
		q.Timestamp = now
		if r.Meta.RegularMarketTime > 0 {
			q.Timestamp = time.Unix(r.Meta.RegularMarketTime, 0)
		}
	}
	q.Timestamp = q.Timestamp.UTC()

	prev := r.Meta.ChartPreviousClose
	if prev == nil {
		prev = r.Meta.PreviousClose
	}
	if prev != nil && *prev != 0 {
		change := q.Price - *prev
		pct := math.Round(change / *prev * 100 * 1e4) / 1e4
		rc, rp := roundPrice(change), roundPrice(*prev)
		q.Change, q.ChangePercent, q.PrevClose = &rc, &pct, &rp
	}
	q.Price = roundPrice(q.Price)
	return q, nil
}

// roundPrice keeps four decimals for sub-unit prices and two otherwise.
func roundPrice(x float64) float64 {
	if math.Abs(x) < 1 {
		return math.Round(x*1e4) / 1e4
	}
	return math.Round(x*100) / 100
}

func formatPrice(x float64) string {
	if math.Abs(x) < 1 {
		return fmt.Sprintf("%.4f", x)
	}
	return fmt.Sprintf("%.2f", x)
}
