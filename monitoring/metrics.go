package monitoring

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_verifications_total",
			Help: "Gate scan outcomes per event",
		},
		[]string{"event_id", "verdict"},
	)

	issuanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickets_issued_total",
			Help: "Ticket issuance results per event",
		},
		[]string{"event_id", "result"},
	)

	groupBuyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_buy_sessions_total",
			Help: "Group buy session transitions",
		},
		[]string{"state"},
	)

	webhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Payment webhook deliveries by processing result",
		},
		[]string{"result"},
	)

	capacitySold = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capacity_sold_total",
			Help: "Sold units per capacity pool",
		},
		[]string{"event_id", "tier_id"},
	)

	capacityReserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capacity_reserved_total",
			Help: "Reserved units per capacity pool",
		},
		[]string{"event_id", "tier_id"},
	)

	capacityAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capacity_available_total",
			Help: "Units still sellable per capacity pool",
		},
		[]string{"event_id", "tier_id"},
	)

	scanQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scan_queue_depth",
			Help: "Scans waiting for replay on a scanner device",
		},
		[]string{"scanner_id"},
	)

	scanQueueEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_queue_escalations_total",
			Help: "Scan records handed to the operator after retry exhaustion",
		},
		[]string{"scanner_id"},
	)
)

// Monitor polls Redis for pool gauges and funnels service-side counters into
// the prometheus collectors above.
type Monitor struct {
	redis    *redis.Client
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMonitor(redisClient *redis.Client, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		redis:    redisClient,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the capacity collector loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.collect()
}

func (m *Monitor) collect() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Println("Metrics collector started")

	for {
		select {
		case <-ticker.C:
			m.collectCapacityMetrics(context.Background())
		case <-m.stopChan:
			log.Println("Metrics collector stopping")
			return
		}
	}
}

func (m *Monitor) collectCapacityMetrics(ctx context.Context) {
	poolKeys, _ := m.redis.Keys(ctx, "capacity:*").Result()
	for _, key := range poolKeys {
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			continue
		}
		eventID, tierID := parts[1], parts[2]

		data, err := m.redis.HGetAll(ctx, key).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		capacity, _ := strconv.Atoi(data["capacity"])
		sold, _ := strconv.Atoi(data["sold"])
		reserved, _ := strconv.Atoi(data["reserved"])

		capacitySold.WithLabelValues(eventID, tierID).Set(float64(sold))
		capacityReserved.WithLabelValues(eventID, tierID).Set(float64(reserved))
		capacityAvailable.WithLabelValues(eventID, tierID).Set(float64(capacity - sold - reserved))
	}
}

// Shutdown stops the collector loop.
func (m *Monitor) Shutdown() {
	close(m.stopChan)
	m.wg.Wait()
}

// TrackVerification counts one gate scan outcome.
func (m *Monitor) TrackVerification(eventID, verdict string) {
	verificationsTotal.WithLabelValues(eventID, verdict).Inc()
}

// TrackIssuance counts one issuance result (issued, voided, code_exhausted).
func (m *Monitor) TrackIssuance(eventID, result string) {
	issuanceTotal.WithLabelValues(eventID, result).Inc()
}

// TrackGroupBuy counts one session transition (created, completed, expired).
func (m *Monitor) TrackGroupBuy(state string) {
	groupBuyTotal.WithLabelValues(state).Inc()
}

// TrackWebhook counts one gateway webhook by its processing result.
func (m *Monitor) TrackWebhook(result string) {
	webhooksTotal.WithLabelValues(result).Inc()
}

// SetScanQueueDepth publishes a scanner device's local queue depth.
func SetScanQueueDepth(scannerID string, depth int) {
	scanQueueDepth.WithLabelValues(scannerID).Set(float64(depth))
}

// TrackScanEscalation counts a queued scan handed to the operator.
func TrackScanEscalation(scannerID string) {
	scanQueueEscalations.WithLabelValues(scannerID).Inc()
}
