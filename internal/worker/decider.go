package worker

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/ariefcatur/go-order-settlement/internal/orders"
)

// Decider is the payment decision strategy run against a pending order.
type Decider interface {
	Decide(ctx context.Context, order orders.Order, items []orders.OrderItem) bool
}

// RandomDecider approves payments with a configurable probability,
// clamped to [0, 1].
type RandomDecider struct {
	SuccessRate float64
}

func (d RandomDecider) Decide(context.Context, orders.Order, []orders.OrderItem) bool {
	rate := d.SuccessRate
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return rand.Float64() < rate
}

// RuleDecider is the deterministic strategy for tests and demos: even order
// ids succeed, odd ones fail.
type RuleDecider struct{}

func (RuleDecider) Decide(_ context.Context, order orders.Order, _ []orders.OrderItem) bool {
	return order.ID%2 == 0
}

func DeciderFromConfig(mode string, successRate float64) Decider {
	if strings.EqualFold(mode, "rule_based") {
		return RuleDecider{}
	}
	return RandomDecider{SuccessRate: successRate}
}
