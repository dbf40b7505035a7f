// Package agentd provides the on-device agent runtime: the HTTP client used
// to talk to the Arkivo server and the local task history store.
package agentd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/arkivo-backup/arkivo/internal/models"
)

// Client is an HTTP client for communicating with the Arkivo server.
type Client struct {
	serverURL  string
	token      string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new agent API client. token authenticates the
// user-scoped endpoints (claim, complete, register); apiKey authenticates
// the agent read endpoints. Either may be empty.
func NewClient(serverURL, token, apiKey string) *Client {
	return &Client{
		serverURL: serverURL,
		token:     token,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ActivationResponse is the server's answer to an activation request.
type ActivationResponse struct {
	ActivationCode string        `json:"activation_code"`
	Agent          *models.Agent `json:"agent"`
	Activated      bool          `json:"activated"`
}

// RequestActivation asks the server for an activation code for this device.
// No authentication is required; the returned code is shown to the user.
func (c *Client) RequestActivation(deviceID, hostname, osName, arch, hardwareID string) (*ActivationResponse, error) {
	payload := map[string]string{
		"device_id": deviceID,
		"hostname":  hostname,
		"os":        osName,
	}
	if arch != "" {
		payload["arch"] = arch
	}
	if hardwareID != "" {
		payload["hardware_id"] = hardwareID
	}

	var resp ActivationResponse
	if err := c.post("/api/devices/request-activation", payload, &resp, ""); err != nil {
		return nil, fmt.Errorf("request activation: %w", err)
	}
	return &resp, nil
}

// ResolveResponse is the server's answer to an activation poll.
type ResolveResponse struct {
	Agent      *models.Agent `json:"agent"`
	Activated  bool          `json:"activated"`
	HardwareID string        `json:"hardware_id"`
}

// ResolveActivation polls whether the given code has been redeemed yet.
func (c *Client) ResolveActivation(code, deviceID, hardwareID string) (*ResolveResponse, error) {
	q := url.Values{"code": {code}}
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	if hardwareID != "" {
		q.Set("hardware_id", hardwareID)
	}

	var resp ResolveResponse
	if err := c.get("/api/devices/resolve?"+q.Encode(), &resp, ""); err != nil {
		return nil, fmt.Errorf("resolve activation: %w", err)
	}
	return &resp, nil
}

// RegisterResponse is the server's answer to a register heartbeat.
type RegisterResponse struct {
	Agent   *models.Agent `json:"agent"`
	Created bool          `json:"created"`
	APIKey  string        `json:"api_key,omitempty"`
}

// Register upserts this device on the server, bound to the token's user.
// On first registration the response carries the agent API key.
func (c *Client) Register(deviceID, hostname, osName, arch, hardwareFingerprint string) (*RegisterResponse, error) {
	payload := map[string]string{
		"device_id": deviceID,
		"hostname":  hostname,
		"os":        osName,
	}
	if arch != "" {
		payload["arch"] = arch
	}
	if hardwareFingerprint != "" {
		payload["hardware_fingerprint"] = hardwareFingerprint
	}

	var resp RegisterResponse
	if err := c.post("/api/agents/register", payload, &resp, c.token); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &resp, nil
}

type taskEnvelope struct {
	Task *models.Task `json:"task"`
}

// ClaimTask asks the server for the oldest pending task for this device.
// A nil task means the queue is empty.
func (c *Client) ClaimTask(deviceID string) (*models.Task, error) {
	var resp taskEnvelope
	err := c.post("/api/agent-tasks/claim", map[string]string{"device_id": deviceID}, &resp, c.token)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return resp.Task, nil
}

// CompleteTask reports a task's terminal status back to the server.
func (c *Client) CompleteTask(taskID uuid.UUID, status models.TaskStatus, errMsg *string) (*models.Task, error) {
	payload := map[string]any{"status": status}
	if errMsg != nil {
		payload["error"] = *errMsg
	}

	var resp taskEnvelope
	err := c.post(fmt.Sprintf("/api/agent-tasks/%s/complete", taskID), payload, &resp, c.token)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	return resp.Task, nil
}

// GetJobs retrieves this device's backup job history via the agent API key.
func (c *Client) GetJobs(limit int) ([]*models.BackupJob, error) {
	path := "/api/agent/jobs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	var resp struct {
		Jobs []*models.BackupJob `json:"jobs"`
	}
	if err := c.get(path, &resp, c.apiKey); err != nil {
		return nil, fmt.Errorf("get jobs: %w", err)
	}
	return resp.Jobs, nil
}

// GetSnapshots retrieves this device's snapshots via the agent API key.
func (c *Client) GetSnapshots(limit int) ([]*models.Snapshot, error) {
	path := "/api/agent/snapshots"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	var resp struct {
		Snapshots []*models.Snapshot `json:"snapshots"`
	}
	if err := c.get(path, &resp, c.apiKey); err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}
	return resp.Snapshots, nil
}

func (c *Client) get(path string, result any, credential string) error {
	req, err := http.NewRequest("GET", c.serverURL+path, nil)
	if err != nil {
		return err
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	return json.Unmarshal(body, result)
}

func (c *Client) post(path string, payload, result any, credential string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", c.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}
