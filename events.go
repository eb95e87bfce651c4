package moltpay

import "time"

// EventHandler receives payment lifecycle events. It is called synchronously
// and must not block
type EventHandler func(PaymentEvent)

func (h EventHandler) emit(event PaymentEvent) {
	if h == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	h(event)
}

func intentEvent(t PaymentEventType, intent PaymentIntent, quote FeeQuote) PaymentEvent {
	return PaymentEvent{
		Type:       t,
		PaymentID:  intent.ID(),
		SourceKind: intent.SourceKind(),
		Amount:     intent.Amount(),
		Fee:        quote.FeeAmount,
		Payee:      intent.Payee().Masked(),
	}
}
