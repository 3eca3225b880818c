package storage

import (
	"errors"
	"testing"
	"time"
)

func TestInvoiceObject(t *testing.T) {
	// 00:30 at UTC+1 on Mar 1 is still February in UTC.
	issued := time.Date(2025, 3, 1, 0, 30, 0, 0, time.FixedZone("WAT", 3600))
	got, err := InvoiceObject(" INV-K3J9-QZ7P ", issued)
	if err != nil {
		t.Fatalf("InvoiceObject: %v", err)
	}
	if got != "invoices/2025/02/INV-K3J9-QZ7P.pdf" {
		t.Fatalf("unexpected object %q", got)
	}

	for _, number := range []string{"", "../INV-1", "INV/1", `INV\1`} {
		if _, err := InvoiceObject(number, issued); !errors.Is(err, errUnsafeSegment) {
			t.Fatalf("%q: expected unsafe segment error, got %v", number, err)
		}
	}
	if _, err := InvoiceObject("INV-1", time.Time{}); err == nil {
		t.Fatal("expected error for missing issue time")
	}
}
