package notify

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

	log "github.com/sirupsen/logrus"

	"github.com/ovpnhub/accessd/internal/settings"
	"github.com/ovpnhub/accessd/internal/util"
)

// maxErrorBodyBytes bounds response bodies echoed into logs.
const maxErrorBodyBytes = 512

// LogDispatcher writes notifications to the process log. Used when no
// front-end URL is configured, and as the delivery sink in tests.
type LogDispatcher struct{}

// Send implements Dispatcher.
func (LogDispatcher) Send(_ context.Context, msg Message) error {
	log.Infof("notify: user=%d kind=%s payload=%v", msg.UserID, msg.Kind, maskPayload(msg.Payload))
	return nil
}

// maskPayload keeps credential values out of the process log.
func maskPayload(payload map[string]any) map[string]any {
	value, ok := payload["credential"].(string)
	if !ok {
		return payload
	}
	masked := make(map[string]any, len(payload))
	for k, v := range payload {
		masked[k] = v
	}
	masked["credential"] = util.MaskCredential(value)
	return masked
}

// Alert implements Dispatcher.
func (LogDispatcher) Alert(_ context.Context, alert Alert) error {
	log.Warnf("notify: operator alert event=%s bucket=%s user=%d intent=%s %s",
		alert.Event, alert.BucketID, alert.UserID, alert.IntentID, maskDetail(alert.Detail))
	return nil
}

// maskDetail hides credential material carried on expiry alerts; plain
// inventory counts pass through untouched.
func maskDetail(detail string) string {
	if strings.Contains(detail, "ss://") {
		return util.MaskCredential(detail)
	}
	return detail
}

// HTTPDispatcher pushes notifications to the front-end over HTTP.
type HTTPDispatcher struct {
	baseURL      string
	operatorDest string
	client       *http.Client
	timeout      time.Duration
}

// NewHTTPDispatcher constructs an HTTPDispatcher targeting baseURL.
// operatorDest names the fixed administrative destination included on alerts.
func NewHTTPDispatcher(baseURL, operatorDest string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		operatorDest: strings.TrimSpace(operatorDest),
		client:       &http.Client{},
		timeout:      timeout,
	}
}

// Send implements Dispatcher.
func (d *HTTPDispatcher) Send(ctx context.Context, msg Message) error {
	return d.post(ctx, "/notify", msg)
}

// Alert implements Dispatcher.
func (d *HTTPDispatcher) Alert(ctx context.Context, alert Alert) error {
	payload := struct {
		Destination string `json:"destination"`
		Alert
	}{Destination: d.destination(), Alert: alert}
	return d.post(ctx, "/alerts", payload)
}

// destination prefers the runtime-tunable operator destination over the one
// configured at startup.
func (d *HTTPDispatcher) destination() string {
	if dest, ok := settings.DBConfigString(settings.OperatorDestinationKey); ok && dest != "" {
		return dest
	}
	return d.operatorDest
}

func (d *HTTPDispatcher) post(ctx context.Context, path string, payload any) error {
	if d == nil || d.baseURL == "" {
		return errors.New("notify: dispatcher not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return errMarshal
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, errReq := http.NewRequestWithContext(reqCtx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if errReq != nil {
		return errReq
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errResp := d.client.Do(req)
	if errResp != nil {
		return errResp
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("notify: close response body error: %v", errClose)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		echo, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("notify: %s status=%d body=%s", path, resp.StatusCode, string(echo))
	}
	return nil
}
