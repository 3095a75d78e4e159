package monitor

import "time"

// HealthTag classifies one agent's recent performance
type HealthTag string

const (
	HealthExcellent HealthTag = "excellent"
	HealthGood      HealthTag = "good"
	HealthFair      HealthTag = "fair"
	HealthPoor      HealthTag = "poor"
)

// GradeReport is the system-wide performance grade
type GradeReport struct {
	Score      int         `json:"score"`
	Letter     string      `json:"letter"`
	Deductions []Deduction `json:"deductions,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Deduction records one penalty applied to the grade
type Deduction struct {
	Metric   string  `json:"metric"`
	Severity string  `json:"severity"`
	Points   int     `json:"points"`
	Observed float64 `json:"observed"`
}

// grade computes the system score from the latest sample and aggregate
// task statistics. Starts at 100 and subtracts per breached threshold.
func (m *Monitor) grade(sample *SystemSnapshot, meanResponse time.Duration, errorRate float64, now time.Time) GradeReport {
	report := GradeReport{Score: 100, Timestamp: now}

	deduct := func(metric, severity string, points int, observed float64) {
		report.Score -= points
		report.Deductions = append(report.Deductions, Deduction{
			Metric:   metric,
			Severity: severity,
			Points:   points,
			Observed: observed,
		})
	}

	if sample != nil {
		switch {
		case sample.CPUPercent >= m.thresholds.CPUCritical:
			deduct("cpu_percent", "critical", 30, sample.CPUPercent)
		case sample.CPUPercent >= m.thresholds.CPUWarning:
			deduct("cpu_percent", "warning", 15, sample.CPUPercent)
		}
		switch {
		case sample.MemoryPercent >= m.thresholds.MemoryCritical:
			deduct("memory_percent", "critical", 30, sample.MemoryPercent)
		case sample.MemoryPercent >= m.thresholds.MemoryWarning:
			deduct("memory_percent", "warning", 15, sample.MemoryPercent)
		}
	}

	switch {
	case meanResponse >= m.thresholds.ResponseCritical:
		deduct("mean_response", "critical", 25, meanResponse.Seconds())
	case meanResponse >= m.thresholds.ResponseWarning:
		deduct("mean_response", "warning", 10, meanResponse.Seconds())
	}

	switch {
	case errorRate >= m.thresholds.ErrorRateCritical:
		deduct("error_rate", "critical", 20, errorRate)
	case errorRate >= m.thresholds.ErrorRateWarning:
		deduct("error_rate", "warning", 10, errorRate)
	}

	if report.Score < 0 {
		report.Score = 0
	}
	report.Letter = letterFor(report.Score)
	return report
}

func letterFor(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// healthTagFor grades one agent on the same scale, scoped to the metrics
// an agent controls: error rate and response time. Agents without any
// completed task default to excellent.
func healthTagFor(errorRate float64, meanDuration time.Duration, totalTasks int64, th Thresholds) HealthTag {
	if totalTasks == 0 {
		return HealthExcellent
	}

	score := 100
	switch {
	case meanDuration >= th.ResponseCritical:
		score -= 25
	case meanDuration >= th.ResponseWarning:
		score -= 10
	}
	switch {
	case errorRate >= th.ErrorRateCritical:
		score -= 20
	case errorRate >= th.ErrorRateWarning:
		score -= 10
	}

	switch {
	case score >= 90:
		return HealthExcellent
	case score >= 80:
		return HealthGood
	case score >= 60:
		return HealthFair
	default:
		return HealthPoor
	}
}
