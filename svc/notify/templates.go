package notify

import (
	"fmt"
	"strings"

	"github.com/insightbot/billingcore/svc/subscription"
)

// Render produces the group-facing message for a lifecycle event. It
// returns false for event types that have no user-facing message (pure
// audit events), which the dispatcher treats as "nothing to send".
func Render(eventType subscription.EventType, data map[string]any) (string, bool) {
	switch eventType {
	case subscription.EventTrialStarted:
		return fmt.Sprintf(
			"Your free trial is active until %s. The bot will post normally during the trial.",
			dateField(data, "trial_end")), true

	case subscription.EventTrialExpired:
		return fmt.Sprintf(
			"Your trial has ended. You have until %s to subscribe before posting is paused.",
			dateField(data, "grace_period_end")), true

	case subscription.EventSubscriptionLapsed:
		return fmt.Sprintf(
			"Your subscription period has ended. Renew by %s to keep the bot posting without interruption.",
			dateField(data, "grace_period_end")), true

	case subscription.EventGraceWarning:
		return fmt.Sprintf(
			"Last reminder: your grace period ends %s. Subscribe now to avoid suspension.",
			dateField(data, "grace_period_end")), true

	case subscription.EventSubscriptionExpired:
		return "Posting has been suspended because the subscription was not renewed. " +
			"Subscribe at any time to resume.", true

	case subscription.EventSubscriptionActivated:
		return fmt.Sprintf(
			"Payment received, thank you! Your subscription is active until %s.",
			dateField(data, "subscription_end")), true

	case subscription.EventSubscriptionCancelled:
		return "Your subscription has been cancelled and posting is now off. Subscribe again at any time to resume.", true

	case subscription.EventRenewalReminder:
		return fmt.Sprintf(
			"Your subscription renews soon: the current period ends %s.",
			dateField(data, "subscription_end")), true

	case subscription.EventPartialPaymentReminder:
		return fmt.Sprintf(
			"We received %v %s of the %v %s due. Please send the remainder to the same address to complete the payment.",
			field(data, "actually_paid"), currencyField(data),
			field(data, "pay_amount"), currencyField(data)), true
	}

	if days, ok := trialWarningDays(eventType); ok {
		return fmt.Sprintf(
			"Your free trial ends in %s. Subscribe to keep the bot posting after %s.",
			plural(days, "day"), dateField(data, "trial_end")), true
	}

	return "", false
}

func trialWarningDays(eventType subscription.EventType) (int, bool) {
	for _, d := range []int{7, 3, 1} {
		if eventType == subscription.TrialWarning(d) {
			return d, true
		}
	}
	return 0, false
}

func field(data map[string]any, key string) any {
	if data == nil {
		return "?"
	}
	v, ok := data[key]
	if !ok {
		return "?"
	}
	return v
}

func dateField(data map[string]any, key string) string {
	v := field(data, key)
	s := fmt.Sprint(v)
	// Timestamps arrive RFC3339; the date part reads better in chat.
	if i := strings.IndexByte(s, 'T'); i > 0 {
		return s[:i]
	}
	return s
}

func currencyField(data map[string]any) string {
	return strings.ToUpper(fmt.Sprint(field(data, "pay_currency")))
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
