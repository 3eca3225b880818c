package services

import (
	"fmt"

	"github.com/jaevor/go-nanoid"
)

const (
	identifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	orderNumberPrefix  = "ORD"
	invoicePrefix      = "INV"
)

// IdentifierGenerator produces human-facing order and invoice number candidates of the form
// PREFIX-XXXX-XXXX. Uniqueness is enforced by the order store, not here.
type IdentifierGenerator struct {
	next func() string
}

// NewIdentifierGenerator builds a generator over the uppercase alphanumeric alphabet.
func NewIdentifierGenerator() (*IdentifierGenerator, error) {
	gen, err := nanoid.CustomASCII(identifierAlphabet, 8)
	if err != nil {
		return nil, fmt.Errorf("identifier generator: %w", err)
	}
	return &IdentifierGenerator{next: gen}, nil
}

// OrderNumber returns a fresh ORD-XXXX-XXXX candidate.
func (g *IdentifierGenerator) OrderNumber() string {
	return g.format(orderNumberPrefix)
}

// InvoiceNumber returns a fresh INV-XXXX-XXXX candidate.
func (g *IdentifierGenerator) InvoiceNumber() string {
	return g.format(invoicePrefix)
}

func (g *IdentifierGenerator) format(prefix string) string {
	raw := g.next()
	return prefix + "-" + raw[:4] + "-" + raw[4:]
}
