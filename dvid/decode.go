package dvid

import (
	"fmt"

	"github.com/gaborage/go-dvid/connection"
)

// RepoIDDecoder extracts the repository identifier from a successful
// repository-creation response.
type RepoIDDecoder func(resp *connection.Response) (string, error)

// FieldRepoIDDecoder reads the identifier from a top-level string field of a
// JSON object body. A missing, empty or non-string field is a DecodeError.
func FieldRepoIDDecoder(field string) RepoIDDecoder {
	return func(resp *connection.Response) (string, error) {
		var body map[string]any
		if err := connection.DecodeJSON(resp, &body); err != nil {
			return "", err
		}

		raw, ok := body[field]
		if !ok {
			return "", connection.NewDecodeError(fmt.Sprintf("response has no %q field", field), resp.Body, nil)
		}
		id, ok := raw.(string)
		if !ok {
			return "", connection.NewDecodeError(fmt.Sprintf("field %q is not a string", field), resp.Body, nil)
		}
		if id == "" {
			return "", connection.NewDecodeError(fmt.Sprintf("field %q is empty", field), resp.Body, nil)
		}
		return id, nil
	}
}
