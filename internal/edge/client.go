package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/config"
	"go.uber.org/zap"
)

var ErrDeploymentNotFound = errors.New("deployment not found")

// APIError is a non-2xx answer of the edge management API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("edge API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("edge API returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the edge management API: component versions and
// deployments to core devices.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg config.EdgeConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.GetToken(),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger,
	}
}

type createComponentResponse struct {
	Arn string `json:"arn"`
}

type submitDeploymentResponse struct {
	DeploymentID string `json:"deploymentId"`
}

type deploymentResponse struct {
	DeploymentID string           `json:"deploymentId"`
	Status       DeploymentStatus `json:"status"`
}

// CreateComponent uploads the recipe of a component version and returns its ARN.
func (c *Client) CreateComponent(ctx context.Context, spec ComponentSpec) (string, error) {
	recipe, err := RenderRecipe(spec)
	if err != nil {
		return "", err
	}

	var resp createComponentResponse
	if err := c.do(ctx, http.MethodPost, "/components", "application/x-yaml", recipe, &resp); err != nil {
		return "", fmt.Errorf("failed to create component %s: %w", spec.Name, err)
	}

	c.logger.Info("Component created",
		zap.String("component", spec.Name),
		zap.String("version", spec.Version),
		zap.String("arn", resp.Arn))

	return resp.Arn, nil
}

// DeleteComponent removes a component. A component that does not exist is not an error.
func (c *Client) DeleteComponent(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/components/"+url.PathEscape(name), "", nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			c.logger.Debug("Component already absent", zap.String("component", name))
			return nil
		}
		return fmt.Errorf("failed to delete component %s: %w", name, err)
	}

	c.logger.Info("Component deleted", zap.String("component", name))
	return nil
}

// SubmitDeployment starts an asynchronous deployment and returns its id.
func (c *Client) SubmitDeployment(ctx context.Context, req DeploymentRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid deployment: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal deployment: %w", err)
	}

	var resp submitDeploymentResponse
	if err := c.do(ctx, http.MethodPost, "/deployments", "application/json", body, &resp); err != nil {
		return "", fmt.Errorf("failed to submit deployment: %w", err)
	}
	if resp.DeploymentID == "" {
		return "", fmt.Errorf("failed to submit deployment: empty deployment id")
	}

	c.logger.Info("Deployment submitted",
		zap.String("deployment_id", resp.DeploymentID),
		zap.String("target", req.TargetArn),
		zap.Strings("add", req.ToAdd),
		zap.Strings("remove", req.ToRemove),
		zap.Int("reconfigure", len(req.ToReconfigure)))

	return resp.DeploymentID, nil
}

// GetDeploymentStatus reads the current state of a deployment.
func (c *Client) GetDeploymentStatus(ctx context.Context, deploymentID string) (DeploymentStatus, error) {
	var resp deploymentResponse
	err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID), "", nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
		}
		return "", fmt.Errorf("failed to get deployment %s: %w", deploymentID, err)
	}

	return resp.Status, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errorResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
			apiErr.Message = errorResp.Message
			if apiErr.Message == "" {
				apiErr.Message = errorResp.Error
			}
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
