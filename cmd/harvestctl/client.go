package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const ctlSubject = "harvestctl"

type apiClient struct {
	baseURL string
	key     []byte
	http    *http.Client
}

func newAPIClient(baseURL string, key []byte) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type owner struct {
	CollectionID string `json:"collection_id"`
	ProviderID   string `json:"provider_id"`
	RecordID     string `json:"record_id"`
}

// record is the body of POST /v1/jobs.
type record struct {
	Owner                      owner    `json:"owner"`
	Object                     string   `json:"object,omitempty"`
	HasView                    []string `json:"has_view,omitempty"`
	IsShownBy                  string   `json:"is_shown_by,omitempty"`
	IsShownAt                  string   `json:"is_shown_at,omitempty"`
	ForceUnconditionalDownload bool     `json:"force_unconditional_download,omitempty"`
	Priority                   int      `json:"priority,omitempty"`
}

type jobStatus struct {
	ID        string         `json:"id"`
	State     string         `json:"state"`
	Priority  int            `json:"priority"`
	Owner     owner          `json:"owner"`
	IPAddress string         `json:"ip_address"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Tasks     map[string]int `json:"tasks"`
}

func (c *apiClient) CreateJobs(ctx context.Context, rec record) ([]string, error) {
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", rec, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *apiClient) GetJob(ctx context.Context, id string) (*jobStatus, error) {
	var job jobStatus
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+id, nil, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ChangeState posts a pause or resume request for job id.
func (c *apiClient) ChangeState(ctx context.Context, id, action string) (*jobStatus, error) {
	var job jobStatus
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+id+"/"+action, nil, http.StatusAccepted, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) token() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ctlSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
