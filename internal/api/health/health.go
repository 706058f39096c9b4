// Package health provides health check functionality for API components.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response represents the health check response.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckFunc reports the status of one component.
type CheckFunc func(ctx context.Context) ComponentStatus

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker aggregates component checks.
type Checker struct {
	mu        sync.RWMutex
	checks    []namedCheck
	startTime time.Time
	version   string
	timeout   time.Duration
}

// NewChecker creates a health checker whose "store" component pings st.
func NewChecker(st Pinger, version string) *Checker {
	c := &Checker{
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
	}
	c.AddCheck("store", PingCheck(st))
	return c
}

// AddCheck registers an additional component check.
func (c *Checker) AddCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// SetTimeout sets the timeout for health checks.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Check runs every component check and returns the aggregated response.
// The overall status is the worst component status.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := make(map[string]ComponentStatus, len(checks))
	for _, ch := range checks {
		components[ch.name] = ch.fn(checkCtx)
	}

	overall := StatusHealthy
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch components[name].Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return &Response{
		Status:     overall,
		Components: components,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

// PingCheck reports a Pinger as healthy when Ping succeeds.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) ComponentStatus {
		if p == nil {
			return ComponentStatus{Status: StatusUnhealthy, Message: "not configured"}
		}
		if err := p.Ping(ctx); err != nil {
			return ComponentStatus{Status: StatusUnhealthy, Message: "ping failed: " + err.Error()}
		}
		return ComponentStatus{Status: StatusHealthy, Message: "connected"}
	}
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(response)
	}
}
