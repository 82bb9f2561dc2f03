package rpc

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// decodeCallOrBatch accepts either a single JSON object ({"method":...})
// or a JSON array of them (the batched multi-call form spec.md §4.H
// requires), normalizing both into out. wasBatch reports which form the
// client sent, so the response can be shaped the same way.
func decodeCallOrBatch(r *http.Request, out *[]Call) (wasBatch, ok bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false, false
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false, false
	}
	if trimmed[0] == '[' {
		return true, json.Unmarshal(trimmed, out) == nil
	}
	var one Call
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return false, false
	}
	*out = []Call{one}
	return false, true
}
