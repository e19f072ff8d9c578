package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-widget/internal/models"
)

// maxResponseSize bounds how much of a response body is read, for both replies and error payloads.
const maxResponseSize = 4 << 20

// errorBodyMessage extracts a human readable message from a provider's error payload. It returns an empty
// string if the payload isn't recognized.
type errorBodyMessage func(body []byte) string

// postJSON performs exactly one POST exchange with a JSON body, and decodes a 2xx JSON response into out.
// Every returned error is a *models.ClientError.
func postJSON(
	ctx context.Context,
	client *http.Client,
	logger *slog.Logger,
	url string,
	header http.Header,
	in, out any,
	errMsg errorBodyMessage,
) error {
	jsonBody, err := json.Marshal(in)
	if err != nil {
		return models.NetworkError(fmt.Errorf("error marshaling request: %w", err))
	}

	logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return models.NetworkError(fmt.Errorf("error creating request: %w", err))
	}
	req.Header = header.Clone()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return models.NetworkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return models.NetworkError(fmt.Errorf("error reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errMsg(body)
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return models.StatusError(resp.StatusCode, msg)
	}

	logger.Debug("Response Body", slog.String("body", string(body)))

	if err := json.Unmarshal(body, out); err != nil {
		return models.MalformedResponseError(resp.StatusCode, fmt.Errorf("error decoding response: %w", err))
	}

	return nil
}

// errNoReply is wrapped into a malformed response error when a well-formed response carries no reply.
var errNoReply = errors.New("response contains no reply")
