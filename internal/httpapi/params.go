// internal/httpapi/params.go
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/user/tgmux/internal/types"
)

const maxBodySize = 64 << 20

// parseArgs extracts the positional arguments of a request.
func parseArgs(w http.ResponseWriter, r *http.Request) ([]json.RawMessage, error) {
	if r.Method == http.MethodGet {
		return parseQuery(r.URL.RawQuery)
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return nil, types.NewInputError("The content-type header was expected to be present.")
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, types.NewInputError("Unsupported content type")
	}
	body := http.MaxBytesReader(w, r.Body, maxBodySize)

	switch mediaType {
	case "application/json":
		return parseJSONBody(body)
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, types.NewInputError("Unsupported content type")
		}
		return parseMultipart(multipart.NewReader(body, boundary))
	}
	return nil, types.NewInputError("Unsupported content type")
}

func parseJSONBody(body io.Reader) ([]json.RawMessage, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, types.NewInputError("Request body too large")
		}
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, types.NewInputError("Invalid JSON")
	}
	if len(data) == 0 || data[0] != '[' {
		return nil, types.NewInputError("An array of arguments was expected.")
	}
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, types.NewInputError("Invalid JSON")
	}
	return args, nil
}

// parseQuery reads GET arguments in order. A bare key is a positional JSON
// argument; key=value pairs form one trailing object whose values are JSON.
func parseQuery(raw string) ([]json.RawMessage, error) {
	var args []json.RawMessage
	named := make(map[string]json.RawMessage)

	for pair := range strings.SplitSeq(raw, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, types.NewInputError("Invalid query string")
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, types.NewInputError("Invalid query string")
		}

		if value == "" {
			if !json.Valid([]byte(key)) {
				return nil, types.NewInputError("Invalid JSON")
			}
			args = append(args, json.RawMessage(key))
			continue
		}
		if _, dup := named[key]; dup {
			return nil, types.NewInputError("The search parameter %q has a value assigned more than once.", key)
		}
		if !json.Valid([]byte(value)) {
			return nil, types.NewInputError("Invalid JSON")
		}
		named[key] = json.RawMessage(value)
	}

	if len(named) > 0 {
		obj, err := json.Marshal(named)
		if err != nil {
			return nil, err
		}
		args = append(args, obj)
	}
	return args, nil
}
