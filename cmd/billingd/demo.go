/*
demo.go - Seed data for the local playground (serve --demo)

Seeds one company with a marketplace-style setup: a schedule config, two
match rules, a handful of orders, and payments that partially cover them.
Enough to watch the two loops do real work against an in-memory database.
*/
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

const demoCompany = billing.CompanyID("demo-co")

func seedDemo(ctx context.Context, rt *runtime) error {
	now := time.Now().UTC()

	cfg := billing.ScheduleConfig{
		CompanyID:        demoCompany,
		PartnerID:        "marketplace",
		InvoiceEnabled:   true,
		InvoiceDay:       1,
		InvoiceHour:      6,
		InvoiceMinute:    0,
		ReconcileEnabled: true,
		ReconcileEvery:   5,
		ReconcileUnit:    billing.UnitMinutes,
		PeriodMode:       billing.PeriodTrailing,
		PeriodDays:       30,
		NotifyEmail:      "ops@example.com",
	}
	if err := rt.store.SaveConfig(ctx, cfg); err != nil {
		return err
	}

	rules := []billing.FieldMatchRule{
		{CompanyID: demoCompany, Name: "by-ml-order", OrderField: "ml_order_id",
			PaymentField: "order_id", Mode: billing.MatchExact, Sequence: 10, Active: true},
		{CompanyID: demoCompany, Name: "by-client-ref", OrderField: "client_order_ref",
			PaymentField: "memo", Mode: billing.MatchContainsFold, Sequence: 20, Active: true},
	}
	for _, rule := range rules {
		if err := rt.store.SaveRule(ctx, rule); err != nil {
			return err
		}
	}

	amounts := []string{"120.00", "89.90", "45.50", "230.00"}
	for i, amount := range amounts {
		id := billing.OrderID(fmt.Sprintf("ord-%d", i+1))
		mlID := fmt.Sprintf("200000451234%04d", i+1)
		rt.orders.Add(billing.Order{
			ID:          id,
			Name:        fmt.Sprintf("SO-%04d", i+1),
			CompanyID:   demoCompany,
			AmountTotal: mustDec(amount),
			Keys: map[string]string{
				"ml_order_id":      mlID,
				"client_order_ref": fmt.Sprintf("REF-%04d", i+1),
			},
		}, now.AddDate(0, 0, -(i+1)).Unix())

		// Payments cover the first three orders; one is split in two.
		if i < 3 {
			half := mustDec(amount).Div(decimal.NewFromInt(2)).Round(2)
			rest := mustDec(amount).Sub(half)
			rt.payments.Add(billing.Payment{
				ID: billing.PaymentID(fmt.Sprintf("pay-%d-a", i+1)), Name: fmt.Sprintf("PAY-%04d-A", i+1),
				PartnerID: "marketplace", Amount: half,
				Keys:      map[string]string{"order_id": mlID},
				CreatedAt: now.Add(-2 * time.Hour),
			})
			rt.payments.Add(billing.Payment{
				ID: billing.PaymentID(fmt.Sprintf("pay-%d-b", i+1)), Name: fmt.Sprintf("PAY-%04d-B", i+1),
				PartnerID: "marketplace", Amount: rest,
				Keys:      map[string]string{"order_id": mlID},
				CreatedAt: now.Add(-1 * time.Hour),
			})
		}
	}
	return nil
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
