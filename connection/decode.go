package connection

import (
	"bytes"
	"encoding/json"
)

// DecodeJSON unmarshals the body of resp into v. An empty or malformed body is
// reported as a DecodeError carrying the raw body.
func DecodeJSON(resp *Response, v any) error {
	if resp == nil {
		return NewDecodeError("no response to decode", nil, nil)
	}

	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return NewDecodeError("empty response body", resp.Body, nil)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return NewDecodeError("malformed JSON response", resp.Body, err)
	}
	return nil
}

// EncodeJSON marshals v for use as a request body.
func EncodeJSON(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, NewValidationError("request body cannot be encoded: "+err.Error(), "body")
	}
	return body, nil
}
