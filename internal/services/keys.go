package services

import "fmt"

// Redis key layout. Every multi-step transition runs as one Lua script over
// a single entity's keys, so the key builders below are the whole locking
// story: same entity, same keys, serialized by Redis.
const (
	reservationActiveKey     = "reservations:active"
	groupBuyActiveKey        = "groupbuy:active"
	groupBuyFanoutPendingKey = "groupbuy:fanout:pending"
	groupBuyExpiryPendingKey = "groupbuy:expiry:pending"
)

func poolKey(eventID, tierID string) string {
	return fmt.Sprintf("capacity:%s:%s", eventID, tierID)
}

func reservationKey(id string) string {
	return fmt.Sprintf("reservation:%s", id)
}

func ticketKey(id string) string {
	return fmt.Sprintf("ticket:%s", id)
}

func qrIndexKey(qr string) string {
	return fmt.Sprintf("ticket:qr:%s", qr)
}

func backupIndexKey(eventID, code string) string {
	return fmt.Sprintf("ticket:backup:%s:%s", eventID, code)
}

func sessionKey(id string) string {
	return fmt.Sprintf("groupbuy:%s", id)
}

func linkKey(linkID string) string {
	return fmt.Sprintf("groupbuy:link:%s", linkID)
}

func participantKey(sessionID, linkID string) string {
	return fmt.Sprintf("groupbuy:participant:%s:%s", sessionID, linkID)
}

func sessionLinksKey(sessionID string) string {
	return fmt.Sprintf("groupbuy:links:%s", sessionID)
}

func scanDedupKey(dedupKey string) string {
	return fmt.Sprintf("scan:dedup:%s", dedupKey)
}

// scriptStatus extracts the leading status code from a Lua script reply.
func scriptStatus(v any) string {
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return ""
	}
	s, _ := arr[0].(string)
	return s
}
