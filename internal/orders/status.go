package orders

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusPacked     Status = "PACKED"
	StatusShipped    Status = "SHIPPED"
	StatusInTransit  Status = "IN_TRANSIT"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
	StatusReturned   Status = "RETURNED"
	StatusRefunded   Status = "REFUNDED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed:  {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusPacked: true, StatusCancelled: true},
	StatusPacked:     {StatusShipped: true, StatusCancelled: true},
	StatusShipped:    {StatusInTransit: true, StatusDelivered: true, StatusReturned: true},
	StatusInTransit:  {StatusDelivered: true, StatusReturned: true},
	StatusDelivered:  {StatusReturned: true, StatusRefunded: true},
	StatusCancelled:  {StatusRefunded: true},
	StatusReturned:   {StatusRefunded: true},
	StatusRefunded:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

type PaymentStatus string

const (
	PaymentUnpaid        PaymentStatus = "UNPAID"
	PaymentPending       PaymentStatus = "PENDING"
	PaymentPaid          PaymentStatus = "PAID"
	PaymentPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentRefunded      PaymentStatus = "REFUNDED"
	PaymentFailed        PaymentStatus = "FAILED"
	PaymentCOD           PaymentStatus = "COD"
)

var validPaymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentUnpaid:        {PaymentPending: true, PaymentPaid: true, PaymentCOD: true},
	PaymentPending:       {PaymentPaid: true, PaymentPartiallyPaid: true, PaymentCOD: true, PaymentFailed: true},
	PaymentPartiallyPaid: {PaymentPaid: true, PaymentRefunded: true, PaymentFailed: true},
	PaymentPaid:          {PaymentRefunded: true},
	PaymentCOD:           {PaymentPaid: true, PaymentRefunded: true},
	PaymentFailed:        {PaymentPending: true},
	PaymentRefunded:      {},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validPaymentNext[from][to]
}

// ExpectsMoney is true for statuses that only make sense on an open order.
func (p PaymentStatus) ExpectsMoney() bool {
	switch p {
	case PaymentPending, PaymentPaid, PaymentPartiallyPaid, PaymentCOD:
		return true
	}
	return false
}

// Settled reports whether the order may be packed.
func (p PaymentStatus) Settled() bool { return p == PaymentPaid || p == PaymentCOD }

type ShippingStatus string

const (
	ShippingPending        ShippingStatus = "PENDING"
	ShippingReadyToShip    ShippingStatus = "READY_TO_SHIP"
	ShippingPickedUp       ShippingStatus = "PICKED_UP"
	ShippingInTransit      ShippingStatus = "IN_TRANSIT"
	ShippingAtHub          ShippingStatus = "AT_HUB"
	ShippingOutForDelivery ShippingStatus = "OUT_FOR_DELIVERY"
	ShippingDelivered      ShippingStatus = "DELIVERED"
	ShippingDeliveryFailed ShippingStatus = "DELIVERY_FAILED"
	ShippingReturned       ShippingStatus = "RETURNED"
)

var validShippingNext = map[ShippingStatus]map[ShippingStatus]bool{
	ShippingPending:        {ShippingReadyToShip: true},
	ShippingReadyToShip:    {ShippingPickedUp: true},
	ShippingPickedUp:       {ShippingInTransit: true},
	ShippingInTransit:      {ShippingAtHub: true, ShippingOutForDelivery: true},
	ShippingAtHub:          {ShippingInTransit: true, ShippingOutForDelivery: true},
	ShippingOutForDelivery: {ShippingDelivered: true, ShippingDeliveryFailed: true},
	ShippingDeliveryFailed: {ShippingOutForDelivery: true, ShippingReturned: true},
	ShippingDelivered:      {},
	ShippingReturned:       {},
}

func CanTransitionShipping(from, to ShippingStatus) bool {
	return validShippingNext[from][to]
}

// ReadyOrLater reports whether the parcel has at least been handed over for
// shipping.
func (s ShippingStatus) ReadyOrLater() bool {
	return s != "" && s != ShippingPending
}
