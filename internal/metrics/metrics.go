package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "nexus_open_connections", Help: "Open session channel connections"},
	)
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_logins_total", Help: "Completed login attempts"},
		[]string{"provider", "result"},
	)
	ResumesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_resumes_total", Help: "Resume token attempts at connect"},
		[]string{"result"},
	)
	FramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_frames_sent_total", Help: "Frames pushed to clients"},
		[]string{"op"},
	)
	Anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_protocol_anomalies_total", Help: "Frames or callbacks dropped as anomalous"},
		[]string{"kind"},
	)
	CallbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_login_callback_duration_seconds",
			Help:    "Provider callback handling time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

func MustRegister() {
	prometheus.MustRegister(Connections, LoginsTotal, ResumesTotal, FramesSent, Anomalies, CallbackDuration)
}
