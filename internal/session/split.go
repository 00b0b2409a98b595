package session

import "encoding/json"

// SplitResult is the outcome of batching raw ingest items for an actor.
type SplitResult struct {
	// Chunks hold the surviving items in their original order.
	Chunks [][]json.RawMessage
	// Dropped counts items whose individual encoding exceeded the item cap.
	Dropped int
}

// SplitIngestBatch partitions raw items into chunks no larger than
// maxBatchBytes, dropping any single item larger than maxItemBytes. Order is
// preserved; concatenating the chunks yields the input minus oversize items.
func SplitIngestBatch(items []json.RawMessage, maxItemBytes, maxBatchBytes int) SplitResult {
	var res SplitResult
	var current []json.RawMessage
	currentSize := 0

	for _, item := range items {
		size := len(item)
		if maxItemBytes > 0 && size > maxItemBytes {
			res.Dropped++
			continue
		}
		if maxBatchBytes > 0 && currentSize+size > maxBatchBytes && len(current) > 0 {
			res.Chunks = append(res.Chunks, current)
			current = nil
			currentSize = 0
		}
		current = append(current, item)
		currentSize += size
	}
	if len(current) > 0 {
		res.Chunks = append(res.Chunks, current)
	}
	return res
}
