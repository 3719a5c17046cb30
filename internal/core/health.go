package core

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"axpep-backend/internal/microservice"

	"github.com/go-co-op/gocron"
)

type HealthChecker interface {
	Health(ctx context.Context) microservice.HealthStatus
}

// HealthMonitor probes every prediction service on a schedule and keeps the
// latest result of each.
type HealthMonitor struct {
	checkers  map[string]HealthChecker
	interval  time.Duration
	scheduler *gocron.Scheduler

	mu     sync.RWMutex
	latest map[string]microservice.HealthStatus
}

func NewHealthMonitor(checkers map[string]HealthChecker, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		checkers: checkers,
		interval: interval,
		latest:   make(map[string]microservice.HealthStatus),
	}
}

func (m *HealthMonitor) Start() error {
	m.scheduler = gocron.NewScheduler(time.UTC)
	if _, err := m.scheduler.Every(m.interval).SingletonMode().Do(m.CheckNow); err != nil {
		return err
	}
	m.scheduler.StartAsync()

	slog.Info("started service health monitor", "services", len(m.checkers), "interval", m.interval)
	return nil
}

func (m *HealthMonitor) Stop() {
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
}

// CheckNow probes every service concurrently and records the results.
func (m *HealthMonitor) CheckNow() {
	ctx := context.Background()

	wg := sync.WaitGroup{}
	for name, checker := range m.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			status := checker.Health(ctx)
			if !status.Healthy {
				slog.Warn("prediction service unhealthy", "service", name, "url", status.URL, "status", status.Status, "error", status.Error)
			}

			m.mu.Lock()
			m.latest[name] = status
			m.mu.Unlock()
		}()
	}
	wg.Wait()
}

// Snapshot returns the latest status of every service, ordered by name.
func (m *HealthMonitor) Snapshot() []microservice.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]microservice.HealthStatus, 0, len(m.latest))
	for _, status := range m.latest {
		statuses = append(statuses, status)
	}
	slices.SortFunc(statuses, func(a, b microservice.HealthStatus) int {
		return strings.Compare(a.Service, b.Service)
	})
	return statuses
}
