// Package metrics 동기화 코어 Prometheus 카운터
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	shapeWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_shape_writes_total",
			Help: "Shape store writes by operation",
		},
		[]string{"op"},
	)

	shapeWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_shape_write_failures_total",
			Help: "Shape store writes that failed after retries",
		},
		[]string{"op"},
	)

	snapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_snapshots_total",
			Help: "Shape snapshots delivered to subscribers",
		},
	)

	coalescedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_coalesced_writes_total",
			Help: "Throttled writes replaced by a newer payload before firing",
		},
	)

	cursorDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_cursor_drops_total",
			Help: "Cursor updates dropped by the rate ceiling",
		},
	)

	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_presence_heartbeats_total",
			Help: "Presence heartbeats by result",
		},
		[]string{"result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canvas_active_sessions",
			Help: "Open realtime sessions",
		},
	)

	wsMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_ws_messages_total",
			Help: "WebSocket messages by type and direction",
		},
		[]string{"type", "direction"},
	)
)

// InitPrometheus 메트릭 등록
func InitPrometheus() {
	prometheus.MustRegister(shapeWritesTotal)
	prometheus.MustRegister(shapeWriteFailuresTotal)
	prometheus.MustRegister(snapshotsTotal)
	prometheus.MustRegister(coalescedWritesTotal)
	prometheus.MustRegister(cursorDropsTotal)
	prometheus.MustRegister(heartbeatsTotal)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(wsMessagesTotal)
}

// ShapeWrite records a store write for the given operation.
func ShapeWrite(op string) {
	shapeWritesTotal.WithLabelValues(op).Inc()
}

// ShapeWriteFailure records a store write that returned an error.
func ShapeWriteFailure(op string) {
	shapeWriteFailuresTotal.WithLabelValues(op).Inc()
}

// Snapshot records one snapshot delivery.
func Snapshot() {
	snapshotsTotal.Inc()
}

// CoalescedWrite records a throttled payload replaced before firing.
func CoalescedWrite() {
	coalescedWritesTotal.Inc()
}

// CursorDrop records a cursor update rejected by the rate ceiling.
func CursorDrop() {
	cursorDropsTotal.Inc()
}

// Heartbeat records a presence heartbeat outcome ("ok" or "error").
func Heartbeat(result string) {
	heartbeatsTotal.WithLabelValues(result).Inc()
}

// SessionOpened / SessionClosed track the live session gauge.
func SessionOpened() { activeSessions.Inc() }

// SessionClosed 세션 종료
func SessionClosed() { activeSessions.Dec() }

// WSMessage records a websocket envelope ("in" or "out").
func WSMessage(msgType, direction string) {
	wsMessagesTotal.WithLabelValues(msgType, direction).Inc()
}
