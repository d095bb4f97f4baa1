package binance

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one miniTicker price observation.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	EventTime time.Time
}

// streamEnvelope mirrors one combined-stream message.
type streamEnvelope struct {
	Stream string        `json:"stream"`
	Data   miniTickerMsg `json:"data"`
}

// miniTickerMsg mirrors the 24hrMiniTicker payload. Prices arrive as strings.
type miniTickerMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

func (m miniTickerMsg) toTick() (Tick, bool) {
	price, err := decimal.NewFromString(m.Close)
	if err != nil {
		return Tick{}, false
	}
	return Tick{
		Symbol:    m.Symbol,
		Price:     price,
		EventTime: time.UnixMilli(m.EventTime).UTC(),
	}, true
}
