package allocator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bookingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpupool_bookings_total",
		Help: "Bookings granted.",
	})
	slotConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpupool_slot_conflicts_total",
		Help: "Booking attempts rejected for overlapping an open booking.",
	})
	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpupool_bookings_expired_total",
		Help: "Bookings expired by the sweep.",
	})
)
