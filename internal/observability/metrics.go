package observability

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Login results used as the "result" label of labdata_logins_total
const (
	LoginSuccess     = "success"
	LoginFailure     = "failure"
	LoginRateLimited = "rate_limited"
)

// Metrics counts session and versioning activity. The atomic fields are
// always maintained; the Prometheus collectors exist once Register is called.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Logins             atomic.Uint64
	LoginFailures      atomic.Uint64
	Logouts            atomic.Uint64
	SessionTimeouts    atomic.Uint64
	VersionsCreated    atomic.Uint64
	VersionRestores    atomic.Uint64
	AuditEventsDropped atomic.Uint64
	RateLimited        atomic.Uint64

	loginsCounter          *prometheus.CounterVec
	logoutsCounter         prometheus.Counter
	sessionTimeoutsCounter prometheus.Counter
	versionsCounter        prometheus.Counter
	restoresCounter        prometheus.Counter
	auditDroppedCounter    prometheus.Counter
	rateLimitedCounter     prometheus.Counter

	registerOnce sync.Once
}

// NewMetrics creates an unregistered metrics set
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Register registers the Prometheus collectors with registry.
// A nil registry is a no-op; repeated calls are no-ops.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.loginsCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labdata_logins_total",
			Help: "Login attempts by result",
		}, []string{"result"})

		m.logoutsCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "labdata_logouts_total",
			Help: "Explicit logouts",
		})

		m.sessionTimeoutsCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "labdata_session_timeouts_total",
			Help: "Sessions force-closed after exceeding the session lifetime",
		})

		m.versionsCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "labdata_versions_created_total",
			Help: "Document versions written and verified",
		})

		m.restoresCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "labdata_version_restores_total",
			Help: "Documents restored from a version",
		})

		m.auditDroppedCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "labdata_audit_events_dropped_total",
			Help: "Asynchronous audit events dropped because the buffer was full",
		})

		m.rateLimitedCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "labdata_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		})
	})
}

// IncLogin records a login attempt with the given result label
func (m *Metrics) IncLogin(result string) {
	if m == nil {
		return
	}
	if result == LoginSuccess {
		m.Logins.Add(1)
	} else {
		m.LoginFailures.Add(1)
	}
	if m.loginsCounter != nil {
		m.loginsCounter.WithLabelValues(result).Inc()
	}
}

// IncLogout records an explicit logout
func (m *Metrics) IncLogout() {
	if m == nil {
		return
	}
	m.Logouts.Add(1)
	if m.logoutsCounter != nil {
		m.logoutsCounter.Inc()
	}
}

// IncSessionTimeout records a forced logout
func (m *Metrics) IncSessionTimeout() {
	if m == nil {
		return
	}
	m.SessionTimeouts.Add(1)
	if m.sessionTimeoutsCounter != nil {
		m.sessionTimeoutsCounter.Inc()
	}
}

// IncVersionCreated records a verified version write
func (m *Metrics) IncVersionCreated() {
	if m == nil {
		return
	}
	m.VersionsCreated.Add(1)
	if m.versionsCounter != nil {
		m.versionsCounter.Inc()
	}
}

// IncVersionRestore records a completed restore
func (m *Metrics) IncVersionRestore() {
	if m == nil {
		return
	}
	m.VersionRestores.Add(1)
	if m.restoresCounter != nil {
		m.restoresCounter.Inc()
	}
}

// IncAuditDropped records an audit event lost to a full buffer
func (m *Metrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.AuditEventsDropped.Add(1)
	if m.auditDroppedCounter != nil {
		m.auditDroppedCounter.Inc()
	}
}

// IncRateLimited records a request rejected by the rate limiter
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Add(1)
	if m.rateLimitedCounter != nil {
		m.rateLimitedCounter.Inc()
	}
}
