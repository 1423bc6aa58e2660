package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func tracedRouter(t *testing.T) *gin.Engine {
	t.Helper()

	previous := otel.GetTracerProvider()
	provider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	previousProp := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previousProp) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware("openride-test"))
	return router
}

func TestGinMiddlewareExposesTraceID(t *testing.T) {
	router := tracedRouter(t)

	var ctxTraceID string
	router.GET("/v1/bookings/:id", func(c *gin.Context) {
		ctxTraceID = c.GetString("trace_id")
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/bookings/abc", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(TraceIDHeader))
	assert.Equal(t, rec.Header().Get(TraceIDHeader), ctxTraceID)
}

func TestGinMiddlewarePropagatesIncomingContext(t *testing.T) {
	router := tracedRouter(t)
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// W3C traceparent: version-traceid-spanid-flags
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, traceID, rec.Header().Get(TraceIDHeader),
		"the server span must continue the caller's trace")
}

func TestGinMiddlewareSurvivesErrors(t *testing.T) {
	router := tracedRouter(t)
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(TraceIDHeader))
}
