package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// BrokerPositions is the broker's net book split for the dashboard.
type BrokerPositions struct {
	Active              []domain.BrokerPosition `json:"active"`
	Closed              []domain.BrokerPosition `json:"closed"`
	IntradayRealizedPnL float64                 `json:"intraday_realized_pnl"`
}

// BrokerBookService reads the account's positions straight from the broker,
// independent of the ledger.
type BrokerBookService struct {
	book domain.PositionBook
}

func NewBrokerBookService(book domain.PositionBook) *BrokerBookService {
	return &BrokerBookService{book: book}
}

// NetPositions splits the net book into open rows and rows traded flat today.
// Realized PnL for the day is the sum over the flat rows. Rows that are flat
// with no trades today are carried-over noise and dropped.
func (s *BrokerBookService) NetPositions(ctx context.Context) (BrokerPositions, error) {
	rows, err := s.book.NetPositions(ctx)
	if err != nil {
		return BrokerPositions{}, fmt.Errorf("service: broker positions: %w", err)
	}
	out := BrokerPositions{
		Active: []domain.BrokerPosition{},
		Closed: []domain.BrokerPosition{},
	}
	for _, r := range rows {
		switch {
		case r.Quantity != 0:
			out.Active = append(out.Active, r)
		case r.DayBuyQuantity > 0 || r.DaySellQuantity > 0:
			out.Closed = append(out.Closed, r)
			out.IntradayRealizedPnL += r.PnL
		}
	}
	return out, nil
}
