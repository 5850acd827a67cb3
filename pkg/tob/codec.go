package tob

import "encoding/json"

// unmarshal decodes body into v, reporting success. On a decode failure
// the caller drops the message; the failure is not logged, here or by the
// callers. A malformed record is never fatal.
func unmarshal(body []byte, v interface{}) bool {
	return json.Unmarshal(body, v) == nil
}
