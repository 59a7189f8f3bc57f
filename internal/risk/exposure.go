package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dyluth/warren/pkg/trading"
)

// Instrument classifies a symbol for sector and correlation limits.
type Instrument struct {
	Symbol           string
	Sector           string
	CorrelationGroup string
}

// Instruments indexes the tradable universe by symbol.
type Instruments map[string]Instrument

// Lookup returns the configured instrument for symbol.
func (in Instruments) Lookup(symbol string) (Instrument, bool) {
	inst, ok := in[symbol]
	return inst, ok
}

// classify returns the instrument for symbol. Symbols outside the universe
// (legacy holdings) form their own sector and correlation group.
func (in Instruments) classify(symbol string) Instrument {
	if inst, ok := in[symbol]; ok {
		return inst
	}
	return Instrument{Symbol: symbol, Sector: symbol, CorrelationGroup: symbol}
}

// Book is a running exposure ledger for one cycle. It starts from the portfolio
// snapshot and accumulates every trade admitted so far, so each later proposal
// is checked against the portfolio as it would stand after earlier approvals.
// A Book is owned by a single goroutine.
type Book struct {
	instruments Instruments
	quantity    map[string]decimal.Decimal
	bySymbol    map[string]decimal.Decimal
	bySector    map[string]decimal.Decimal
	byGroup     map[string]decimal.Decimal
	tail        decimal.Decimal // Σ value × atr fraction
	cash        decimal.Decimal
}

// NewBook marks the snapshot to market. Every held symbol must have a quote.
func NewBook(p *trading.PortfolioSnapshot, quotes map[string]trading.Quote, instruments Instruments) (*Book, error) {
	b := &Book{
		instruments: instruments,
		quantity:    make(map[string]decimal.Decimal),
		bySymbol:    make(map[string]decimal.Decimal),
		bySector:    make(map[string]decimal.Decimal),
		byGroup:     make(map[string]decimal.Decimal),
		cash:        p.Cash,
	}

	for _, pos := range p.Positions {
		if !pos.Quantity.IsPositive() {
			continue
		}
		q, ok := quotes[pos.Symbol]
		if !ok {
			return nil, fmt.Errorf("no quote for held symbol %s", pos.Symbol)
		}
		b.quantity[pos.Symbol] = pos.Quantity
		b.addExposure(pos.Symbol, pos.Quantity.Mul(q.Price), q.ATRFraction)
	}

	return b, nil
}

// Reserve books value of new exposure in symbol, paid from cash.
func (b *Book) Reserve(symbol string, value, atrFraction decimal.Decimal) {
	b.addExposure(symbol, value, atrFraction)
	b.cash = b.cash.Sub(value)
}

// Fill books an executed quantity. Buys add exposure and spend cash; sells
// release exposure and return cash.
func (b *Book) Fill(symbol string, direction trading.Direction, quantity, price, atrFraction decimal.Decimal) {
	value := quantity.Mul(price)
	switch direction {
	case trading.DirectionBuy:
		b.quantity[symbol] = b.quantity[symbol].Add(quantity)
		b.Reserve(symbol, value, atrFraction)
	case trading.DirectionSell:
		b.quantity[symbol] = b.quantity[symbol].Sub(quantity)
		b.addExposure(symbol, value.Neg(), atrFraction)
		b.cash = b.cash.Add(value)
	}
}

func (b *Book) addExposure(symbol string, value, atrFraction decimal.Decimal) {
	inst := b.instruments.classify(symbol)
	b.bySymbol[symbol] = b.bySymbol[symbol].Add(value)
	b.bySector[inst.Sector] = b.bySector[inst.Sector].Add(value)
	b.byGroup[inst.CorrelationGroup] = b.byGroup[inst.CorrelationGroup].Add(value)
	if atrFraction.IsPositive() {
		b.tail = b.tail.Add(value.Mul(atrFraction))
	}
}

// Held returns the share quantity held in symbol after fills.
func (b *Book) Held(symbol string) decimal.Decimal {
	return b.quantity[symbol]
}

// SymbolExposure returns the market value committed to symbol.
func (b *Book) SymbolExposure(symbol string) decimal.Decimal {
	return b.bySymbol[symbol]
}

// SectorExposure returns the market value committed to symbol's sector.
func (b *Book) SectorExposure(symbol string) decimal.Decimal {
	return b.bySector[b.instruments.classify(symbol).Sector]
}

// GroupExposure returns the market value committed to symbol's correlation group.
func (b *Book) GroupExposure(symbol string) decimal.Decimal {
	return b.byGroup[b.instruments.classify(symbol).CorrelationGroup]
}

// TailExposure returns Σ value × atr fraction across the book.
func (b *Book) TailExposure() decimal.Decimal {
	return b.tail
}

func (b *Book) Cash() decimal.Decimal {
	return b.cash
}
