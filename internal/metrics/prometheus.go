package metrics

import (
	"fmt"
	"net/http"
	"sort"
)

var counterHelp = map[string]string{
	PktToUDP:   "DC->UDP packet count",
	PktToDC:    "UDP->DC packet count",
	GoToPython: "Go->Python packet count",
	PythonToGo: "Python->Go packet count",
}

// PrometheusHandler exposes every counter under its own metric name. Counter
// names are restricted to [a-z_] at the call sites, so no escaping is needed.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, name := range names {
			if help, ok := counterHelp[name]; ok {
				_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
			}
			_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
			_, _ = fmt.Fprintf(w, "%s %d\n", name, snap[name])
		}
	})
}
