package notify

import (
	"bytes"
	"context"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	logger := log.StandardLogger()
	prev := logger.Out
	logger.SetOutput(buf)
	t.Cleanup(func() { logger.SetOutput(prev) })
	return buf
}

func TestLogDispatcherMasksCredentialPayload(t *testing.T) {
	buf := captureLog(t)

	secret := "ss://secret-material-0042"
	msg := Message{
		UserID: 42,
		Kind:   KindCredentialIssued,
		Payload: map[string]any{
			"credential": "https://s3.amazonaws.com/outline-vpn/invite.html#" + secret,
			"bucket_id":  "region_3d",
		},
	}
	if errSend := (LogDispatcher{}).Send(context.Background(), msg); errSend != nil {
		t.Fatalf("send: %v", errSend)
	}

	out := buf.String()
	if strings.Contains(out, secret) {
		t.Fatalf("credential secret leaked into log: %s", out)
	}
	if !strings.Contains(out, "invite.html#") {
		t.Fatalf("expected invite prefix preserved, got: %s", out)
	}
	if !strings.Contains(out, "region_3d") {
		t.Fatalf("expected bucket id in log, got: %s", out)
	}
}

func TestLogDispatcherMasksCredentialInAlertDetail(t *testing.T) {
	buf := captureLog(t)

	secret := "ss://secret-material-0042"
	alert := Alert{
		Event:    EventExpiryNear,
		BucketID: "region_3d",
		UserID:   42,
		Detail:   "https://s3.amazonaws.com/outline-vpn/invite.html#" + secret,
	}
	if errAlert := (LogDispatcher{}).Alert(context.Background(), alert); errAlert != nil {
		t.Fatalf("alert: %v", errAlert)
	}

	out := buf.String()
	if strings.Contains(out, secret) {
		t.Fatalf("credential secret leaked into alert log: %s", out)
	}
	if !strings.Contains(out, "invite.html#") {
		t.Fatalf("expected invite prefix preserved, got: %s", out)
	}
}

func TestLogDispatcherKeepsInventoryDetailReadable(t *testing.T) {
	buf := captureLog(t)

	alert := Alert{
		Event:    EventLowInventory,
		BucketID: "region_1m",
		Detail:   "2 credentials left",
	}
	if errAlert := (LogDispatcher{}).Alert(context.Background(), alert); errAlert != nil {
		t.Fatalf("alert: %v", errAlert)
	}
	if !strings.Contains(buf.String(), "2 credentials left") {
		t.Fatalf("expected inventory detail verbatim, got: %s", buf.String())
	}
}
