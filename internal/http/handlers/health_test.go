package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHealthzReportsOK(t *testing.T) {
	stack := newTestStack(t)
	engine := gin.New()
	engine.GET("/healthz", NewHealthHandler(stack.conn).Healthz)

	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	rec := serve(engine, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
