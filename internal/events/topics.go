package events

const (
	TopicOrderCreated      = "live.order.created"
	TopicOrderStatus       = "live.order.status"
	TopicPaymentVerified   = "live.payment.verified"
	TopicPaymentSuspicious = "live.payment.suspicious"
	TopicStockLow          = "live.stock.low"
	TopicSessionSummary    = "live.session.summary"

	// ingestion topics consumed by cmd/ingest
	TopicChatReceived    = "live.chat.received"
	TopicBankSmsReceived = "live.bank_sms.received"
)

// TopicFor maps an event type to its topic. Unknown types go to the status
// topic so nothing is silently dropped.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventPaymentVerified:
		return TopicPaymentVerified
	case EventPaymentSuspicious, EventPaymentMismatched, EventPaymentExpired:
		return TopicPaymentSuspicious
	case EventLowStock:
		return TopicStockLow
	case EventSessionSummary:
		return TopicSessionSummary
	case EventChatReceived:
		return TopicChatReceived
	case EventBankSmsReceived:
		return TopicBankSmsReceived
	default:
		return TopicOrderStatus
	}
}

// Partition key = correlation id, so all events of one order keep their order.
func PartitionKey(correlationID string) []byte { return []byte(correlationID) }
