package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const timestampLayout = "2006-01-02 15:04:05.000000"

// usagePayload is the anonymous usage record understood by the solution
// metrics endpoint.
type usagePayload struct {
	Solution  string         `json:"Solution"`
	Version   string         `json:"Version"`
	UUID      string         `json:"UUID"`
	TimeStamp string         `json:"TimeStamp"`
	Data      map[string]any `json:"Data"`
}

// Reporter sends anonymous usage metrics. Reporting is best-effort: failures
// are logged and never returned to the caller.
type Reporter struct {
	enabled    bool
	endpoint   string
	solution   string
	version    string
	installID  string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewReporter(cfg config.MetricsConfig, logger *zap.Logger) *Reporter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	installID := cfg.UUID
	if installID == "" {
		installID = uuid.New().String()
		if cfg.SendAnonymousUsage {
			logger.Warn("No metrics install UUID configured, using a generated one",
				zap.String("uuid", installID))
		}
	}

	return &Reporter{
		enabled:    cfg.SendAnonymousUsage,
		endpoint:   cfg.Endpoint,
		solution:   cfg.SolutionID,
		version:    cfg.SolutionVersion,
		installID:  installID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// InstallID is the anonymous identifier sent with every report.
func (r *Reporter) InstallID() string {
	return r.installID
}

// Report posts one usage record.
func (r *Reporter) Report(ctx context.Context, data map[string]any) {
	if !r.enabled {
		return
	}

	if err := r.send(ctx, data); err != nil {
		r.logger.Warn("Failed to send anonymous usage metric",
			zap.Any("data", data),
			zap.Error(err))
		return
	}

	r.logger.Debug("Anonymous usage metric sent", zap.Any("data", data))
}

func (r *Reporter) send(ctx context.Context, data map[string]any) error {
	body, err := json.Marshal(usagePayload{
		Solution:  r.solution,
		Version:   r.version,
		UUID:      r.installID,
		TimeStamp: r.now().UTC().Format(timestampLayout),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal usage payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("metrics endpoint returned status %d", resp.StatusCode)
	}

	return nil
}
