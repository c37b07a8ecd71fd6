package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	case out.Counter != nil:
		return out.Counter.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestObserverCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AttemptStarted()
	m.AttemptStarted()
	m.AttemptFinished(model.AttemptStatusSubmitted, model.SubmitCauseParticipant, 1)

	if got := value(t, m.activeAttempts); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}
	if got := value(t, m.finishedTotal.WithLabelValues("SUBMITTED", "participant")); got != 1 {
		t.Fatalf("finished = %v", got)
	}

	m.FlushFinished(true, 10*time.Millisecond)
	m.FlushFinished(false, 10*time.Millisecond)
	m.FlushFinished(false, 10*time.Millisecond)
	if got := value(t, m.flushTotal.WithLabelValues("error")); got != 2 {
		t.Fatalf("flush errors = %v", got)
	}

	m.ProctoringEvent(model.ProctoringKindTabSwitch, true)
	if got := value(t, m.proctoringTotal.WithLabelValues("TAB_SWITCH", "true")); got != 1 {
		t.Fatalf("escalated tab switches = %v", got)
	}

	m.WorkerRows("autosave", "ok", 0)
	m.WorkerRows("autosave", "ok", 3)
	if got := value(t, m.workerRows.WithLabelValues("autosave", "ok")); got != 3 {
		t.Fatalf("worker rows = %v", got)
	}

	done := m.WSConnected()
	if got := value(t, m.wsConnections); got != 1 {
		t.Fatalf("ws connections = %v", got)
	}
	done()
	if got := value(t, m.wsConnections); got != 0 {
		t.Fatalf("ws connections after close = %v", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(prometheus.NewRegistry())

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", m.Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `http_requests_total{endpoint="/ping",method="GET",status="200"} 1`) {
		t.Fatalf("ping request not counted:\n%s", w.Body.String())
	}
}
