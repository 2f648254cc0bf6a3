package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/user/tgmux/internal/types"
)

// parseMultipart reads form values in order. Text values are JSON; files
// become byte arguments, encoded as base64 strings.
func parseMultipart(mr *multipart.Reader) ([]json.RawMessage, error) {
	var args []json.RawMessage
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return args, nil
		}
		if err != nil {
			return nil, bodyError(err)
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, bodyError(err)
		}

		if part.FileName() != "" {
			encoded, err := json.Marshal(data)
			if err != nil {
				return nil, err
			}
			args = append(args, encoded)
			continue
		}
		if !json.Valid(data) {
			return nil, types.NewInputError("Invalid JSON")
		}
		args = append(args, json.RawMessage(data))
	}
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return types.NewInputError("Request body too large")
	}
	return types.NewInputError("Invalid multipart body: %v", err)
}
