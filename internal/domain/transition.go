package domain

// OrderEvent names the settlement-engine events that drive an order's status.
type OrderEvent string

const (
	// EventBeginSettlement marks a settlement attempt as in flight.
	EventBeginSettlement OrderEvent = "begin_settlement"
	// EventComplete records a settlement that consumed the whole remainder.
	EventComplete OrderEvent = "complete"
	// EventApplyPartial records a settlement that left shares outstanding.
	EventApplyPartial OrderEvent = "apply_partial"
	// EventAbort rolls an in-flight attempt back to its pre-attempt status.
	EventAbort OrderEvent = "abort"
	// EventCancel withdraws the order's unsettled remainder.
	EventCancel OrderEvent = "cancel"
)

// NextStatus is the pure transition function of the order state machine. It
// maps the order's current status and an event to the next status, or fails
// with ErrInvalidStateTransition. It never mutates the order.
//
// Abort restores the pre-attempt status, which is derived from the
// authoritative fill counter: any processed shares mean the order had reached
// partial, otherwise it was still pending.
func NextStatus(o SellOrder, ev OrderEvent) (OrderStatus, error) {
	switch ev {
	case EventBeginSettlement:
		switch o.Status {
		case OrderStatusPending, OrderStatusPartial:
			return OrderStatusProcessing, nil
		}

	case EventComplete:
		if o.Status == OrderStatusProcessing {
			return OrderStatusCompleted, nil
		}

	case EventApplyPartial:
		if o.Status == OrderStatusProcessing {
			return OrderStatusPartial, nil
		}

	case EventAbort:
		if o.Status == OrderStatusProcessing {
			if o.ProcessedQuantity > 0 {
				return OrderStatusPartial, nil
			}
			return OrderStatusPending, nil
		}

	case EventCancel:
		switch o.Status {
		case OrderStatusPending, OrderStatusProcessing, OrderStatusPartial:
			return OrderStatusCancelled, nil
		}
	}

	return "", ErrInvalidStateTransition
}
