package storage

import "fmt"

// Key schema:
//
//	ord:<id 20 digits>          → escrow.Order (JSON)
//	evt:<seq 20 digits>         → escrow.Event (JSON)
//	meta:next_order_id          → uint64 big-endian
//	meta:event_seq              → uint64 big-endian
//	kv:<bucket>:<key>           → registry / oracle / token entries (JSON)
//
// Ids are zero-padded so prefix scans return them in numeric order.
const (
	prefixOrder  = "ord:"
	prefixEvent  = "evt:"
	prefixBucket = "kv:"

	keyNextOrderID = "meta:next_order_id"
	keyEventSeq    = "meta:event_seq"
)

// orderKey returns the key for an order
// Format: "ord:{id}"
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// eventKey returns the key for an event
// Format: "evt:{seq}"
func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// bucketPrefix returns the prefix for every entry of a bucket
// Format: "kv:{bucket}:"
func bucketPrefix(bucket string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBucket, bucket))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
