package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo — gauge со статич. значением 1 и метками версии/коммита.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "ERP auth service build information.",
		},
		[]string{"version", "commit"},
	)
)

// Build metadata, set at link time via -ldflags "-X erpcore.dev/internal/obs.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)

// InitBuildInfo registers build_info once and sets build_info{version,commit} 1.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}
