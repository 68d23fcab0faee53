package server

import (
	"math/big"
	"time"

	"kalefi/core"
	"kalefi/native/lending"
	"kalefi/services/lending/audit"
)

// Amounts are rendered as decimal strings so 128-bit values survive JSON
// clients that decode numbers as float64.

type configView struct {
	Admin           string `json:"admin"`
	CollateralAsset string `json:"collateralAsset"`
	DebtAsset       string `json:"debtAsset"`
	LTVBps          uint32 `json:"ltvBps"`
	PriceSource     string `json:"priceSource"`
	MockPrice       string `json:"mockPrice"`
	PriceDecimals   uint32 `json:"priceDecimals"`
}

type priceView struct {
	Price    string `json:"price"`
	Decimals uint32 `json:"decimals"`
}

type ltvView struct {
	LTVBps uint32 `json:"ltvBps"`
}

type healthView struct {
	Account         string `json:"account,omitempty"`
	CollateralValue string `json:"collateralValue"`
	MaxBorrowValue  string `json:"maxBorrowValue"`
	DebtValue       string `json:"debtValue"`
	FactorBps       string `json:"healthFactorBps"`
	Healthy         bool   `json:"healthy"`
	RiskTier        string `json:"riskTier"`
}

type positionView struct {
	Account           string     `json:"account"`
	Collateral        string     `json:"collateral"`
	Debt              string     `json:"debt"`
	AvailableToBorrow string     `json:"availableToBorrow"`
	RiskTier          string     `json:"riskTier"`
	Health            healthView `json:"health"`
}

type balanceView struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type eventView struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type receiptView struct {
	ID        string      `json:"id"`
	Op        string      `json:"op"`
	Caller    string      `json:"caller"`
	Applied   string      `json:"applied,omitempty"`
	HealthBps string      `json:"healthFactorBps,omitempty"`
	Events    []eventView `json:"events"`
	Timestamp time.Time   `json:"timestamp"`
}

type journalEntryView struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Caller    string    `json:"caller"`
	Applied   string    `json:"applied,omitempty"`
	HealthBps string    `json:"healthFactorBps,omitempty"`
	Events    string    `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func toConfigView(cfg *lending.ProtocolConfig) configView {
	return configView{
		Admin:           cfg.Admin.String(),
		CollateralAsset: cfg.CollateralAsset,
		DebtAsset:       cfg.DebtAsset,
		LTVBps:          cfg.LTVBps,
		PriceSource:     cfg.PriceSource.String(),
		MockPrice:       amountString(cfg.MockPrice),
		PriceDecimals:   lending.MockPriceDecimals,
	}
}

func toHealthView(account string, h lending.Health) healthView {
	return healthView{
		Account:         account,
		CollateralValue: amountString(h.CollateralValue),
		MaxBorrowValue:  amountString(h.MaxBorrowValue),
		DebtValue:       amountString(h.DebtValue),
		FactorBps:       amountString(h.FactorBps),
		Healthy:         h.Healthy(),
		RiskTier:        string(lending.TierFor(h.FactorBps)),
	}
}

func toPositionView(pos *lending.Position) positionView {
	return positionView{
		Account:           pos.Account.String(),
		Collateral:        amountString(pos.Collateral),
		Debt:              amountString(pos.Debt),
		AvailableToBorrow: amountString(pos.AvailableToBorrow),
		RiskTier:          string(pos.RiskTier),
		Health:            toHealthView("", pos.Health),
	}
}

func toReceiptView(r *core.Receipt) receiptView {
	view := receiptView{
		ID:        r.ID.String(),
		Op:        string(r.Op),
		Caller:    r.Caller.String(),
		Events:    make([]eventView, 0, len(r.Events)),
		Timestamp: r.Timestamp,
	}
	if r.Applied != nil {
		view.Applied = r.Applied.String()
	}
	if r.HealthBps != nil {
		view.HealthBps = r.HealthBps.String()
	}
	for _, evt := range r.Events {
		if evt == nil {
			continue
		}
		view.Events = append(view.Events, eventView{Type: evt.Type, Attributes: evt.Attributes})
	}
	return view
}

func toJournalView(records []audit.ReceiptRecord) []journalEntryView {
	out := make([]journalEntryView, 0, len(records))
	for _, rec := range records {
		out = append(out, journalEntryView{
			ID:        rec.ID.String(),
			Op:        rec.Op,
			Caller:    rec.Caller,
			Applied:   rec.Applied,
			HealthBps: rec.HealthBps,
			Events:    rec.Events,
			Timestamp: rec.CreatedAt,
		})
	}
	return out
}
