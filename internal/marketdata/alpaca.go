package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"pyramid/internal/util"
)

// barsClient is the subset of *alpacamd.Client used here.
type barsClient interface {
	GetBars(symbol string, req alpacamd.GetBarsRequest) ([]alpacamd.Bar, error)
	GetLatestTrade(symbol string, req alpacamd.GetLatestTradeRequest) (*alpacamd.Trade, error)
}

// AlpacaService computes readings from Alpaca daily bars: the oscillator is
// a daily RSI, the exit target a daily EMA.
type AlpacaService struct {
	client    barsClient
	feed      alpacamd.Feed
	rsiPeriod int
	maPeriod  int
	now       func() time.Time
	log       *slog.Logger
}

var _ Service = (*AlpacaService)(nil)

// NewAlpacaService creates an AlpacaService for the given credentials.
func NewAlpacaService(apiKey, apiSecret, dataURL, feed string, rsiPeriod, maPeriod int, log *slog.Logger) *AlpacaService {
	opts := alpacamd.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return newAlpacaService(alpacamd.NewClient(opts), feed, rsiPeriod, maPeriod, log)
}

func newAlpacaService(c barsClient, feed string, rsiPeriod, maPeriod int, log *slog.Logger) *AlpacaService {
	return &AlpacaService{
		client:    c,
		feed:      alpacamd.Feed(feed),
		rsiPeriod: rsiPeriod,
		maPeriod:  maPeriod,
		now:       time.Now,
		log:       log.With("component", "marketdata"),
	}
}

// Oscillator implements Service.
func (s *AlpacaService) Oscillator(ctx context.Context, symbol string, asOf *time.Time) (float64, error) {
	end := s.now()
	if asOf != nil {
		y, m, d := asOf.Date()
		end = time.Date(y, m, d, 23, 59, 0, 0, asOf.Location())
	}
	closes, err := s.closes(ctx, symbol, end, s.rsiPeriod*3)
	if err != nil {
		return 0, err
	}
	v, err := RSI(closes, s.rsiPeriod)
	if err != nil {
		return 0, fmt.Errorf("oscillator %s: %w: %w", symbol, ErrUnavailable, err)
	}
	return v, nil
}

// MovingAverageTarget implements Service.
func (s *AlpacaService) MovingAverageTarget(ctx context.Context, symbol string) (float64, error) {
	closes, err := s.closes(ctx, symbol, s.now(), s.maPeriod*2)
	if err != nil {
		return 0, err
	}
	v, err := EMA(closes, s.maPeriod)
	if err != nil {
		return 0, fmt.Errorf("ema %s: %w: %w", symbol, ErrUnavailable, err)
	}
	return v, nil
}

// LastPrice implements Service.
func (s *AlpacaService) LastPrice(ctx context.Context, symbol string) (float64, error) {
	trade, err := util.CallWithContext(ctx, func() (*alpacamd.Trade, error) {
		return s.client.GetLatestTrade(strings.ToUpper(symbol), alpacamd.GetLatestTradeRequest{Feed: s.feed})
	})
	if err != nil {
		return 0, fmt.Errorf("GetLatestTrade %s: %w: %w", symbol, ErrUnavailable, err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, fmt.Errorf("GetLatestTrade %s: %w: no trade", symbol, ErrUnavailable)
	}
	return trade.Price, nil
}

// closes fetches at least want daily closes ending at end. Calendar days are
// padded for weekends and holidays.
func (s *AlpacaService) closes(ctx context.Context, symbol string, end time.Time, want int) ([]float64, error) {
	start := end.AddDate(0, 0, -(want*7/5 + 10))
	bars, err := util.CallWithContext(ctx, func() ([]alpacamd.Bar, error) {
		return s.client.GetBars(strings.ToUpper(symbol), alpacamd.GetBarsRequest{
			TimeFrame: alpacamd.OneDay,
			Start:     start,
			End:       end,
			Feed:      s.feed,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w: %w", symbol, ErrUnavailable, err)
	}
	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		closes = append(closes, b.Close)
	}
	s.log.Debug("fetched bars", "symbol", symbol, "bars", len(closes), "end", end.Format("2006-01-02"))
	return closes, nil
}
