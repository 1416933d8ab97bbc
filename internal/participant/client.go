package participant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/task"
)

// Status mirrors GET /api/v1/status.
type Status struct {
	SessionID    string         `json:"session_id"`
	Running      bool           `json:"running"`
	Phase        engine.Phase   `json:"phase"`
	Block        int            `json:"block"`
	Trial        int            `json:"trial"`
	TrialInBlock int            `json:"trial_in_block"`
	Task         task.ID        `json:"task"`
	Stimulus     *task.Stimulus `json:"stimulus"`
	Accuracy     float64        `json:"window_accuracy"`
}

// Observer reads the trial loop state from the API.
type Observer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewObserver creates an Observer targeting the given API base URL.
func NewObserver(baseURL string) *Observer {
	return &Observer{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Observe fetches the current status.
func (o *Observer) Observe() (*Status, error) {
	var st Status
	if err := o.fetchJSON("/api/v1/status", &st); err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	return &st, nil
}

// fetchJSON GETs a path and decodes the JSON response into target.
func (o *Observer) fetchJSON(path string, target any) error {
	resp, err := o.HTTPClient.Get(o.BaseURL + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Actor submits responses and, with a control key, starts sessions.
type Actor struct {
	BaseURL    string
	ControlKey string
	HTTPClient *http.Client
}

// NewActor creates an Actor targeting the given API base URL.
func NewActor(baseURL, controlKey string) *Actor {
	return &Actor{
		BaseURL:    baseURL,
		ControlKey: controlKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Respond posts a click at p to POST /api/v1/session/response.
func (a *Actor) Respond(p task.Point) (*engine.Response, error) {
	var out engine.Response
	if err := a.post("/api/v1/session/response", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start posts cfg to POST /api/v1/session/start and returns the new session ID.
func (a *Actor) Start(cfg engine.Config) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := a.post("/api/v1/session/start", cfg, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (a *Actor) post(path string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	req, err := http.NewRequest(http.MethodPost, a.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.ControlKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.ControlKey)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s failed (%d): %s", path, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
