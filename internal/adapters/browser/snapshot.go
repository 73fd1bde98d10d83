package browser

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"leadsync/internal/domain"
)

type accountData struct {
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"freeMargin"`
	MarginLevel decimal.Decimal `json:"marginLevel"`
	Profit      decimal.Decimal `json:"profit"`
	Positions   []positionData  `json:"positions"`
}

type positionData struct {
	Ticket       looseString     `json:"ticket"`
	Symbol       string          `json:"symbol"`
	Type         string          `json:"type"`
	Volume       decimal.Decimal `json:"volume"`
	OpenPrice    decimal.Decimal `json:"openPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	Profit       decimal.Decimal `json:"profit"`
	OpenTime     string          `json:"openTime"`
}

// looseString accepts tickets sent either as JSON numbers or strings.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	if string(b) == "null" {
		*s = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

var openTimeLayouts = []string{time.RFC3339, "2006.01.02 15:04:05", "2006-01-02 15:04:05"}

func parseOpenTime(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	for _, layout := range openTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func (d accountData) snapshot() domain.AccountSnapshot {
	snap := domain.AccountSnapshot{
		Balance:     d.Balance,
		Equity:      d.Equity,
		Margin:      d.Margin,
		FreeMargin:  d.FreeMargin,
		MarginLevel: d.MarginLevel,
		Profit:      d.Profit,
	}
	for _, p := range d.Positions {
		if p.Ticket == "" {
			continue
		}
		snap.Positions = append(snap.Positions, domain.Position{
			Ticket:       string(p.Ticket),
			Symbol:       p.Symbol,
			Type:         strings.ToLower(p.Type),
			Volume:       p.Volume,
			OpenPrice:    p.OpenPrice,
			CurrentPrice: p.CurrentPrice,
			Profit:       p.Profit,
			OpenTime:     parseOpenTime(p.OpenTime),
			Status:       domain.PositionOpen,
		})
	}
	return snap
}
