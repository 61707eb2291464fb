package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/faithererer/DouyinLiveRecorder/internal/recorder"
)

// Notifier is the interface for sending recording notifications.
type Notifier interface {
	RecordingStarted(ctx context.Context, snap recorder.Snapshot) error
	RecordingFinished(ctx context.Context, snap recorder.Snapshot, duration time.Duration) error
	RecordingFailed(ctx context.Context, snap recorder.Snapshot, duration time.Duration, err error) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// RecordingStarted sends a recording-started notification.
func (c *Client) RecordingStarted(ctx context.Context, snap recorder.Snapshot) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Recording Started: %s", roomLabel(snap))
	message := FormatStartedMessage(snap)
	tags := c.config.Tags + ",red_circle"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

// RecordingFinished sends a notification for a recording that ended cleanly.
func (c *Client) RecordingFinished(ctx context.Context, snap recorder.Snapshot, duration time.Duration) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Recording Finished: %s", roomLabel(snap))
	message := FormatFinishedMessage(snap, duration)
	tags := c.config.Tags + ",white_check_mark"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

// RecordingFailed sends a notification for a recording that ended with a
// terminal error.
func (c *Client) RecordingFailed(ctx context.Context, snap recorder.Snapshot, duration time.Duration, err error) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Recording Failed: %s", roomLabel(snap))
	message := FormatFailedMessage(snap, duration, err)
	tags := c.config.Tags + ",x"
	priority := "high" // Override to high priority for failures

	return c.send(ctx, title, message, tags, priority)
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

// RecordingStarted is a no-op.
func (n *NoopNotifier) RecordingStarted(_ context.Context, _ recorder.Snapshot) error {
	return nil
}

// RecordingFinished is a no-op.
func (n *NoopNotifier) RecordingFinished(_ context.Context, _ recorder.Snapshot, _ time.Duration) error {
	return nil
}

// RecordingFailed is a no-op.
func (n *NoopNotifier) RecordingFailed(_ context.Context, _ recorder.Snapshot, _ time.Duration, _ error) error {
	return nil
}

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
