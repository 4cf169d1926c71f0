package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tutorly"

var (
	once sync.Once

	bookingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_requests_total",
			Help:      "Count of booking request attempts by outcome.",
		},
		[]string{"outcome"},
	)

	bookingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_decisions_total",
			Help:      "Count of booking requests leaving pending, by resulting status and cause.",
		},
		[]string{"status", "cause"},
	)

	slotsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_slots_dropped_total",
			Help:      "Count of approved slots dropped at confirmation time.",
		},
		[]string{"reason"},
	)

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Count of session status transitions by target status.",
		},
		[]string{"to"},
	)

	roomForwardFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_forward_failures_total",
			Help:      "Count of study room updates that failed after a session transition.",
		},
		[]string{"action"},
	)

	activationSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_sessions_total",
			Help:      "Count of sessions handled by the activation loop by result.",
		},
		[]string{"result"},
	)

	activationRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_runs_total",
			Help:      "Count of activation loop iterations.",
		},
	)

	storeReadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_read_failures_total",
			Help:      "Count of read paths that degraded to an empty result.",
		},
		[]string{"op"},
	)

	auditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_record_failures_total",
			Help:      "Count of audit records that could not be stored.",
		},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Count of outbound notifications by status.",
		},
		[]string{"status"},
	)

	reminders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reminders_total",
			Help:      "Count of session reminders by status.",
		},
		[]string{"status"},
	)

	eventsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_forwarded_total",
			Help:      "Count of domain events forwarded to the broker by status.",
		},
		[]string{"status"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			bookingRequests,
			bookingDecisions,
			slotsDropped,
			sessionTransitions,
			roomForwardFailures,
			activationSessions,
			activationRuns,
			storeReadFailures,
			auditFailures,
			notifications,
			reminders,
			eventsForwarded,
		)
	})
}

func IncBookingRequest(outcome string) {
	bookingRequests.WithLabelValues(outcome).Inc()
}

func IncBookingDecision(status, cause string) {
	bookingDecisions.WithLabelValues(status, cause).Inc()
}

func IncSlotDropped(reason string) {
	slotsDropped.WithLabelValues(reason).Inc()
}

func IncSessionTransition(to string) {
	sessionTransitions.WithLabelValues(to).Inc()
}

func IncRoomForwardFailure(action string) {
	roomForwardFailures.WithLabelValues(action).Inc()
}

func IncActivationRun() {
	activationRuns.Inc()
}

func AddActivationSessions(result string, n int) {
	if n <= 0 {
		return
	}
	activationSessions.WithLabelValues(result).Add(float64(n))
}

func IncStoreReadFailure(op string) {
	storeReadFailures.WithLabelValues(op).Inc()
}

func IncAuditFailure() {
	auditFailures.Inc()
}

func IncNotification(status string) {
	notifications.WithLabelValues(status).Inc()
}

func IncReminder(status string) {
	reminders.WithLabelValues(status).Inc()
}

func IncEventForwarded(status string) {
	eventsForwarded.WithLabelValues(status).Inc()
}
