package web

import (
	"net/http"

	"github.com/nugget/ergoalert/internal/monitor"
)

// logRows caps how many log entries the initial page renders; the
// live feed and /api/state carry the rest.
const logRows = 200

// DashboardData is the template context for the dashboard page.
type DashboardData struct {
	Snapshot monitor.Snapshot
	Version  string
}

// handleDashboard renders the dashboard at "/". Only exact "/"
// requests get the dashboard; all other paths return 404.
func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snap := s.monitor.Snapshot()
	if len(snap.Log) > logRows {
		snap.Log = snap.Log[:logRows]
	}
	s.render(w, r, "dashboard.html", DashboardData{
		Snapshot: snap,
		Version:  s.version,
	})
}
