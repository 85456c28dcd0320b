package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conewatch/internal/config"
	"conewatch/internal/pipeline"
)

const userAgent = "conewatch/1"

// Service is the notification surface used by the daemon and CLI.
type Service interface {
	// Record implements pipeline.Recorder.
	Record(ctx context.Context, result pipeline.Result) error
	TestNotification(ctx context.Context) error
}

// NewService builds an ntfy-backed service, or a no-op when no topic is set.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint:  topic,
		onSuccess: cfg.Notifications.OnSuccess,
		client:    &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	onSuccess bool
	client    *http.Client
}

func (n *ntfyService) Record(ctx context.Context, result pipeline.Result) error {
	switch result.Outcome {
	case pipeline.OutcomeSucceeded:
		if !n.onSuccess {
			return nil
		}
		return n.send(ctx, payload{
			title:   "conewatch - Pipeline Complete",
			message: fmt.Sprintf("Step %s finished in %s", result.Step, result.Duration.Round(time.Millisecond)),
			tags:    []string{"conewatch", "pipeline", "completed"},
		})
	case pipeline.OutcomeInvalidStep, pipeline.OutcomeBusy, pipeline.OutcomeCanceled:
		// Rejections and abandoned runs are the caller's business.
		return nil
	default:
		message := result.Message()
		if detail := lastLine(result.Stderr); detail != "" {
			message += "\n" + detail
		}
		return n.send(ctx, payload{
			title:    "conewatch - Pipeline Failed",
			message:  fmt.Sprintf("Step %s: %s", result.Step, message),
			tags:     []string{"conewatch", "pipeline", string(result.Outcome)},
			priority: "high",
		})
	}
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "conewatch - Test",
		message:  "Notification system test",
		tags:     []string{"conewatch", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	}
	const maxLen = 200
	if len(text) > maxLen {
		text = text[:maxLen]
	}
	return strings.TrimSpace(text)
}

type noopService struct{}

func (noopService) Record(context.Context, pipeline.Result) error { return nil }
func (noopService) TestNotification(context.Context) error        { return nil }
