package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// merit_build_info{version,commit,goversion} 1
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "merit_build_info",
			Help: "Campus merit ledger build information.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo регистрирует метрику один раз и выставляет метки сборки.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
