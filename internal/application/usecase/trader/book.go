package trader

import (
	"fmt"
	"sort"

	"momo/internal/domain/model"
)

// Book owns the open-position set for the lifetime of the process. One
// position per symbol; quantity is fixed at entry.
type Book struct {
	open  map[string]model.Position
	order []string
}

func NewBook() *Book {
	return &Book{open: make(map[string]model.Position)}
}

// Open registers a new position. A symbol that is already open is
// rejected: the lifecycle never doubles up on an instrument.
func (b *Book) Open(p model.Position) error {
	if _, ok := b.open[p.Symbol]; ok {
		return fmt.Errorf("position for %s already open", p.Symbol)
	}
	b.open[p.Symbol] = p
	b.order = append(b.order, p.Symbol)
	return nil
}

// Close removes and returns the position for symbol.
func (b *Book) Close(symbol string) (model.Position, bool) {
	p, ok := b.open[symbol]
	if !ok {
		return model.Position{}, false
	}
	delete(b.open, symbol)
	for i, s := range b.order {
		if s == symbol {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (b *Book) Get(symbol string) (model.Position, bool) {
	p, ok := b.open[symbol]
	return p, ok
}

func (b *Book) Has(symbol string) bool {
	_, ok := b.open[symbol]
	return ok
}

func (b *Book) Len() int { return len(b.open) }

// Symbols lists open symbols in entry order.
func (b *Book) Symbols() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Snapshot copies the open set for persistence.
func (b *Book) Snapshot() map[string]model.Position {
	out := make(map[string]model.Position, len(b.open))
	for k, v := range b.open {
		out[k] = v
	}
	return out
}

// Restore replaces the book contents from a persisted snapshot.
func (b *Book) Restore(open map[string]model.Position) {
	b.open = make(map[string]model.Position, len(open))
	b.order = b.order[:0]
	for sym, p := range open {
		p.Symbol = sym
		b.open[sym] = p
		b.order = append(b.order, sym)
	}
	sort.Strings(b.order) // snapshots carry no entry order
}
