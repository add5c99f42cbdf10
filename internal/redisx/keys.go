package redisx

import "time"

const (
	// Product document: inventory:product:{id} -> JSON
	KeyProduct = "inventory:product:%s"
	// Live code index: inventory:code:{CODE} -> product id
	KeyProductCode = "inventory:code:%s"
	// Set of all product ids
	KeyProductSet = "inventory:products"

	// Sender CF history per session: chat:history:{session_id}:{sender_id} -> list of JSON entries (newest first)
	KeyChatHistory = "chat:history:%s:%s"

	// Order number sequence per day: order:seq:{yyyymmdd} -> INCR counter
	KeyOrderSeq = "order:seq:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "payment_status": "...", ...}
	KeyOrderStatus = "order_status:%s"
)

var (
	TTLChatHistory = 12 * time.Hour
	TTLOrderSeq    = 48 * time.Hour
	TTLStatusCache = 5 * time.Minute
)
