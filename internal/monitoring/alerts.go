package monitoring

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is an emitted alert instance.
type Alert struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id"`
	Severity  AlertSeverity  `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Resolved  bool           `json:"resolved"`
}

// AlertRule evaluates one condition against a metrics sample. A rule that
// fired within its cooldown stays silent.
type AlertRule struct {
	ID              string
	Title           string
	Severity        AlertSeverity
	CooldownMinutes int
	Enabled         bool
	Condition       func(Metrics) (bool, string)
}

func defaultAlertRules() []AlertRule {
	return []AlertRule{
		{
			ID:              "high-memory",
			Title:           "High memory utilization",
			Severity:        AlertWarning,
			CooldownMinutes: 5,
			Enabled:         true,
			Condition: func(m Metrics) (bool, string) {
				if m.MemoryPercent > 90 {
					return true, fmt.Sprintf("memory at %.1f%%", m.MemoryPercent)
				}
				return false, ""
			},
		},
		{
			ID:              "high-cpu",
			Title:           "High cpu utilization",
			Severity:        AlertWarning,
			CooldownMinutes: 5,
			Enabled:         true,
			Condition: func(m Metrics) (bool, string) {
				if m.CPUPercent > 90 {
					return true, fmt.Sprintf("cpu at %.1f%%", m.CPUPercent)
				}
				return false, ""
			},
		},
		{
			ID:              "high-error-rate",
			Title:           "Elevated error rate",
			Severity:        AlertWarning,
			CooldownMinutes: 5,
			Enabled:         true,
			Condition: func(m Metrics) (bool, string) {
				if m.Errors.RatePerMinute > 10 {
					return true, fmt.Sprintf("%.0f errors in the last minute", m.Errors.RatePerMinute)
				}
				return false, ""
			},
		},
		{
			ID:              "error-storm",
			Title:           "Error storm",
			Severity:        AlertCritical,
			CooldownMinutes: 10,
			Enabled:         true,
			Condition: func(m Metrics) (bool, string) {
				if m.Errors.RatePerMinute > 50 {
					return true, fmt.Sprintf("%.0f errors in the last minute", m.Errors.RatePerMinute)
				}
				return false, ""
			},
		},
		{
			ID:              "failed-containers",
			Title:           "Failed containers present",
			Severity:        AlertWarning,
			CooldownMinutes: 10,
			Enabled:         true,
			Condition: func(m Metrics) (bool, string) {
				if m.Containers.Failed > 0 {
					return true, fmt.Sprintf("%d containers in a failed state", m.Containers.Failed)
				}
				return false, ""
			},
		},
	}
}

// evaluateRules fires every enabled rule whose condition holds and whose
// cooldown has lapsed.
func (c *Collector) evaluateRules(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rule := range c.rules {
		if !rule.Enabled {
			continue
		}
		fired, detail := rule.Condition(m)
		if !fired {
			continue
		}
		cooldown := time.Duration(rule.CooldownMinutes) * time.Minute
		if last, ok := c.lastFired[rule.ID]; ok && m.Timestamp.Sub(last) < cooldown {
			continue
		}
		c.lastFired[rule.ID] = m.Timestamp

		alert := Alert{
			ID:        uuid.NewString(),
			RuleID:    rule.ID,
			Severity:  rule.Severity,
			Title:     rule.Title,
			Message:   detail,
			Timestamp: m.Timestamp,
		}
		c.alerts = append(c.alerts, alert)
		if len(c.alerts) > alertRingSize {
			c.alerts = c.alerts[len(c.alerts)-alertRingSize:]
		}

		slog.Warn("Alert fired",
			"rule_id", rule.ID,
			"severity", string(rule.Severity),
			"detail", detail)
	}
}

// Alerts returns a snapshot of the alert ring, oldest first.
func (c *Collector) Alerts() []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// ResolveAlert marks an alert resolved by id.
func (c *Collector) ResolveAlert(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.alerts {
		if c.alerts[i].ID == id {
			c.alerts[i].Resolved = true
			return true
		}
	}
	return false
}

// HealthStatus is the rollup health of the system.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Health rolls up the current state: critical when a critical alert is
// unresolved or no metrics exist yet, warning on warning alerts or high
// resource pressure, healthy otherwise.
func (c *Collector) Health() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.history) == 0 {
		return HealthCritical
	}

	warning := false
	for _, a := range c.alerts {
		if a.Resolved {
			continue
		}
		switch a.Severity {
		case AlertCritical:
			return HealthCritical
		case AlertWarning:
			warning = true
		}
	}

	latest := c.history[len(c.history)-1]
	if warning || latest.MemoryPercent > 90 || latest.CPUPercent > 90 || latest.Errors.RatePerMinute > 10 {
		return HealthWarning
	}
	return HealthHealthy
}
