package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string

	mu       sync.RWMutex
	checks   map[string]HealthCheck
	optional map[string]bool
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service:  service,
		version:  version,
		checks:   make(map[string]HealthCheck),
		optional: make(map[string]bool),
	}
}

// AddCheck adds a health check whose failure makes the service unhealthy.
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// AddOptionalCheck adds a check whose failure only degrades the service.
func (hc *HealthChecker) AddOptionalCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
	hc.optional[name] = true
}

// CheckHealth runs all health checks and returns the overall status
func (hc *HealthChecker) CheckHealth() HealthStatus {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult, len(names)),
	}

	anyUnhealthy, anyDegraded := false, false
	for _, name := range names {
		hc.mu.RLock()
		check, optional := hc.checks[name], hc.optional[name]
		hc.mu.RUnlock()

		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
		default:
			if optional {
				anyDegraded = true
			} else {
				anyUnhealthy = true
			}
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}
	return status
}

// Handler returns a gin handler for the health check endpoint
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

func pingCheck(subject string, ping func(ctx context.Context) error) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := ping(ctx)
	duration := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%s ping failed: %v", subject, err),
			Latency: duration.String(),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: subject + " reachable",
		Latency: duration.String(),
	}
}

// DatabaseHealthCheck creates a health check for database connectivity
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	return func() CheckResult {
		if db == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "Database connection is nil"}
		}
		return pingCheck("Database", db.PingContext)
	}
}

// RedisHealthCheck pings the rate cache.
func RedisHealthCheck(client redis.UniversalClient) HealthCheck {
	return func() CheckResult {
		if client == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "Redis client is nil"}
		}
		return pingCheck("Redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
}

// KafkaProducerHealthCheck creates a health check for the franz-go producer
func KafkaProducerHealthCheck(client *kgo.Client) HealthCheck {
	return func() CheckResult {
		if client == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "Kafka client is nil"}
		}
		return pingCheck("Kafka", client.Ping)
	}
}

// BlockHeightReader is satisfied by ethclient.Client.
type BlockHeightReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// ChainHealthCheck verifies the RPC endpoint answers eth_blockNumber.
func ChainHealthCheck(reader BlockHeightReader) HealthCheck {
	return func() CheckResult {
		if reader == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "Chain client is nil"}
		}
		return pingCheck("Chain RPC", func(ctx context.Context) error {
			_, err := reader.BlockNumber(ctx)
			return err
		})
	}
}

// ConfigurationHealthCheck creates a health check for required configuration
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		var missing []string
		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)

		if len(missing) > 0 {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Missing required configuration: %v", missing),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "All required configuration present",
		}
	}
}
