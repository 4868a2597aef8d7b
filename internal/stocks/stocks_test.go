package stocks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func chartServer(t *testing.T, status int, body string) (*Client, *string) {
	t.Helper()
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path + "?" + r.URL.RawQuery
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.now = func() time.Time { return time.Unix(1_700_000_100, 0) }
	return c, &path
}

func TestQuote_RegularMarket(t *testing.T) {
	body := `{"chart":{"result":[{"meta":{"currency":"USD","symbol":"AAPL","regularMarketPrice":189.987,"regularMarketTime":1700000000,"chartPreviousClose":187.5},
		"timestamp":[1699990000],"indicators":{"quote":[{"close":[189.1]}]}}],"error":null}}`
	c, path := chartServer(t, http.StatusOK, body)

	q, err := c.Quote(context.Background(), " aapl ")
	if err != nil {
		t.Fatal(err)
	}
	if *path != "/v8/finance/chart/AAPL?range=1d&interval=1m&includePrePost=true" {
		t.Errorf("path = %q", *path)
	}
	if q.Price != 189.99 || q.Source != "regular_market" || q.Currency != "USD" {
		t.Errorf("quote = %+v", q)
	}
	if q.Change == nil || *q.Change != 2.49 || *q.PrevClose != 187.5 {
		t.Errorf("change = %v prev = %v", q.Change, q.PrevClose)
	}
	if *q.ChangePercent != 1.3264 {
		t.Errorf("change_percent = %v", *q.ChangePercent)
	}
	if !q.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("timestamp = %v", q.Timestamp)
	}
	if s := q.String(); !strings.HasPrefix(s, "AAPL: 189.99 USD (+2.49, +1.33%), previous close 187.50") {
		t.Errorf("String = %q", s)
	}
}

func TestQuote_FreshIntradayBarWins(t *testing.T) {
	body := `{"chart":{"result":[{"meta":{"currency":"USD","symbol":"PENY","regularMarketPrice":0.5,"previousClose":0.4},
		"timestamp":[1700000000,1700000060,1700000090],"indicators":{"quote":[{"close":[0.51,0.523456,null]}]}}]}}`
	c, _ := chartServer(t, http.StatusOK, body)

	q, err := c.Quote(context.Background(), "PENY")
	if err != nil {
		t.Fatal(err)
	}
	if q.Source != "intraday_1m" || q.Price != 0.5235 {
		t.Errorf("quote = %+v", q)
	}
	if *q.Change != 0.1235 {
		t.Errorf("change = %v", *q.Change)
	}
	if !q.Timestamp.Equal(time.Unix(1700000060, 0)) {
		t.Errorf("timestamp = %v", q.Timestamp)
	}
}

func TestQuote_NoPreviousClose(t *testing.T) {
	c, _ := chartServer(t, http.StatusOK, `{"chart":{"result":[{"meta":{"symbol":"X","regularMarketPrice":10}}]}}`)
	q, err := c.Quote(context.Background(), "X")
	if err != nil {
		t.Fatal(err)
	}
	if q.Change != nil || q.ChangePercent != nil || q.PrevClose != nil {
		t.Errorf("quote = %+v", q)
	}
	if strings.Contains(q.String(), "previous close") {
		t.Errorf("String = %q", q.String())
	}
}

func TestQuote_Errors(t *testing.T) {
	tests := []struct {
		name    string
		ticker  string
		status  int
		body    string
		wantErr error
		want    string
	}{
		{"not found", "ZZZZ", http.StatusNotFound, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`, ErrUnknownTicker, ""},
		{"empty result", "ZZZZ", http.StatusOK, `{"chart":{"result":[]}}`, ErrUnknownTicker, ""},
		{"no price", "ZZZZ", http.StatusOK, `{"chart":{"result":[{"meta":{"symbol":"ZZZZ"}}]}}`, ErrUnknownTicker, ""},
		{"server error", "AAPL", http.StatusBadGateway, "upstream down", nil, "HTTP 502"},
		{"invalid ticker", "rm -rf", http.StatusOK, "{}", nil, "invalid ticker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := chartServer(t, tt.status, tt.body)
			_, err := c.Quote(context.Background(), tt.ticker)
			if err == nil {
				t.Fatal("Quote should fail")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestNormalizeTicker(t *testing.T) {
	for in, want := range map[string]string{"msft": "MSFT", "brk.b": "BRK.B", "^gspc": "^GSPC", "EURUSD=X": "EURUSD=X", "": "", "a/b": ""} {
		got, err := NormalizeTicker(in)
		if want == "" {
			if err == nil {
				t.Errorf("NormalizeTicker(%q) = %q, want error", in, got)
			}
			continue
		}
		if err != nil || got != want {
			t.Errorf("NormalizeTicker(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestRoundPrice(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{123.456, 123.46},
		{0.123456, 0.1235},
		{-0.00012, -0.0001},
		{-2.347, -2.35},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			if got := roundPrice(tt.in); got != tt.want {
				t.Errorf("roundPrice(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
