// Package observability holds the proctor API's prometheus collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters the attempt services record.
type Metrics struct {
	Heartbeats        *prometheus.CounterVec
	ViolationReports  *prometheus.CounterVec
	Disqualifications *prometheus.CounterVec
	Submissions       *prometheus.CounterVec
	AnswerUploads     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_heartbeats_total",
			Help: "Heartbeats received, by outcome.",
		}, []string{"outcome"}),
		ViolationReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_violation_reports_total",
			Help: "Violation reports received, by type and whether they were new.",
		}, []string{"type", "result"}),
		Disqualifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_disqualifications_total",
			Help: "Attempts disqualified, by source.",
		}, []string{"source"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_submissions_total",
			Help: "Attempts finished, by final status.",
		}, []string{"status"}),
		AnswerUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_answer_uploads_total",
			Help: "Answer file uploads, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Heartbeats, m.ViolationReports, m.Disqualifications, m.Submissions, m.AnswerUploads)
	}
	return m
}
