package services

import (
	"regexp"
	"testing"
)

func TestIdentifierGeneratorFormat(t *testing.T) {
	gen, err := NewIdentifierGenerator()
	if err != nil {
		t.Fatalf("NewIdentifierGenerator: %v", err)
	}
	orderPattern := regexp.MustCompile(`^ORD-[A-Z0-9]{4}-[A-Z0-9]{4}$`)
	invoicePattern := regexp.MustCompile(`^INV-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		order := gen.OrderNumber()
		if !orderPattern.MatchString(order) {
			t.Fatalf("order number %q does not match format", order)
		}
		if invoice := gen.InvoiceNumber(); !invoicePattern.MatchString(invoice) {
			t.Fatalf("invoice number %q does not match format", invoice)
		}
		seen[order] = struct{}{}
	}
	if len(seen) < 490 {
		t.Fatalf("expected mostly distinct candidates, got %d of 500", len(seen))
	}
}
