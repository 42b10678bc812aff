package ledger

import (
	"sort"

	"mizan/backend/internal/domain"
)

// Allocation is one slice of a payment landing on a single invoice.
type Allocation struct {
	InvoiceID   string
	AmountCents int64
}

// DistributePayment spreads amountCents across the open invoices, largest
// remaining balance first, and returns the allocations in the order they
// were applied plus any leftover that found no invoice to land on.
// Ties on remaining balance fall back to creation time so repeated runs
// produce the same order.
func DistributePayment(invoices []domain.Invoice, amountCents int64) ([]Allocation, int64) {
	open := make([]domain.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.RemainingCents > 0 {
			open = append(open, inv)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if open[i].RemainingCents != open[j].RemainingCents {
			return open[i].RemainingCents > open[j].RemainingCents
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})

	remaining := amountCents
	allocations := make([]Allocation, 0, len(open))
	for _, inv := range open {
		if remaining <= 0 {
			break
		}
		take := minInt64(remaining, inv.RemainingCents)
		allocations = append(allocations, Allocation{InvoiceID: inv.ID, AmountCents: take})
		remaining -= take
	}
	return allocations, remaining
}

// ReverseDistribution walks the recorded allocation order backwards and
// decides how much to pull back from each invoice, capped by what that
// invoice has actually been paid. The leftover is the portion that could not
// be reversed; a nonzero leftover means the payment record and the invoices
// have drifted apart.
func ReverseDistribution(invoiceIDs []string, paidByInvoice map[string]int64, amountCents int64) ([]Allocation, int64) {
	remaining := amountCents
	allocations := make([]Allocation, 0, len(invoiceIDs))
	for i := len(invoiceIDs) - 1; i >= 0 && remaining > 0; i-- {
		id := invoiceIDs[i]
		paid := paidByInvoice[id]
		if paid <= 0 {
			continue
		}
		take := minInt64(remaining, paid)
		allocations = append(allocations, Allocation{InvoiceID: id, AmountCents: take})
		remaining -= take
	}
	return allocations, remaining
}

// InvoiceTotal recomputes an invoice's total from its lines.
func InvoiceTotal(lines []domain.InvoiceLine) int64 {
	var total int64
	for _, line := range lines {
		total += int64(line.Quantity) * line.PriceCents
	}
	return total
}

// CustomerStatus returns the status a customer invoice should hold: pending
// while the remaining balance exceeds the customer's credit limit, active
// otherwise. Returned invoices never re-enter this evaluation.
func CustomerStatus(remainingCents int64, creditLimitCents int64) string {
	if remainingCents > creditLimitCents {
		return domain.InvoiceStatusPending
	}
	return domain.InvoiceStatusActive
}

// TotalRemaining sums the open balance across invoices.
func TotalRemaining(invoices []domain.Invoice) int64 {
	var total int64
	for _, inv := range invoices {
		total += inv.RemainingCents
	}
	return total
}

func minInt64(a int64, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
