package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var errUnsafeSegment = errors.New("storage: unsafe object name segment")

// InvoiceObject returns invoices/{yyyy}/{mm}/{number}.pdf, partitioned by the UTC issue month.
// The path depends only on its inputs so a retried render overwrites the same object.
func InvoiceObject(number string, issuedAt time.Time) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" || strings.ContainsAny(number, `/\`) || strings.Contains(number, "..") {
		return "", fmt.Errorf("%w: invoice number %q", errUnsafeSegment, number)
	}
	if issuedAt.IsZero() {
		return "", errors.New("storage: invoice issue time is required")
	}
	issued := issuedAt.UTC()
	return fmt.Sprintf("invoices/%04d/%02d/%s.pdf", issued.Year(), int(issued.Month()), number), nil
}
