package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/requestid"
	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 5 * time.Minute

// StatusError is returned when the master answers with an unexpected status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("master returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether a call that failed with err may succeed later.
// Requests the master rejected as malformed or unauthorized are not.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// Client talks to the master's task API on behalf of one worker.
type Client struct {
	baseURL  string
	workerID string
	key      []byte
	http     *http.Client
}

func NewClient(baseURL, workerID string, key []byte, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		key:      key,
		http:     &http.Client{Timeout: timeout},
	}
}

type requestTasksBody struct {
	Max int `json:"max"`
}

type requestTasksResponse struct {
	Tasks []domain.RetrieveURL `json:"tasks"`
}

func (c *Client) RequestTasks(ctx context.Context, maxTasks int) ([]domain.RetrieveURL, error) {
	var out requestTasksResponse
	if err := c.post(ctx, "/v1/tasks/request", requestTasksBody{Max: maxTasks}, http.StatusOK, &out); err != nil {
		return nil, fmt.Errorf("request tasks: %w", err)
	}
	return out.Tasks, nil
}

func (c *Client) ReportDone(ctx context.Context, report *domain.DoneReport) error {
	if err := c.post(ctx, "/v1/tasks/done", report, http.StatusAccepted, nil); err != nil {
		return fmt.Errorf("report done: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, want int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	token, err := c.token()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if id := requestid.FromContext(ctx); id != "" {
		req.Header.Set(requestid.Header, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) token() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   c.workerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
