package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestMetricsLabelsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	registry := prometheus.NewRegistry()
	router := gin.New()
	router.Use(RequestMetrics(registry))
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	for _, path := range []string{"/healthz", "/healthz", "/missing"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if count := testutil.CollectAndCount(registry, "console_gateway_http_requests_total"); count != 2 {
		t.Fatalf("expected two label sets, got %d", count)
	}
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "console_gateway_http_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["route"] == "/healthz" && metric.GetCounter().GetValue() != 2 {
				t.Fatalf("expected two health requests, got %v", metric.GetCounter().GetValue())
			}
			if labels["route"] == "unmatched" && labels["status"] != "404" {
				t.Fatalf("unexpected unmatched status %s", labels["status"])
			}
		}
	}
}
