package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"
)

//go:embed templates/*.html
var templateFiles embed.FS

// templateFuncs provides helper functions available in all templates.
var templateFuncs = template.FuncMap{
	"clock":       clock,
	"formatAngle": formatAngle,
	"statusClass": statusClass,
}

// loadTemplates parses the layout and each page template. Each page
// template is a clone of the layout with the page-specific blocks
// overridden. Panics on syntax errors so that startup fails fast.
func loadTemplates() map[string]*template.Template {
	layout := template.Must(
		template.New("layout.html").Funcs(templateFuncs).ParseFS(templateFiles, "templates/layout.html"),
	)

	pages := []string{"dashboard.html"}
	result := make(map[string]*template.Template, len(pages))

	for _, page := range pages {
		t := template.Must(layout.Clone())
		template.Must(t.ParseFS(templateFiles, "templates/"+page))
		result[page] = t
	}

	return result
}

// render executes a named template. If the request has the HX-Request
// header (partial refresh), only the "content" block is rendered.
// Otherwise the full layout is rendered.
func (s *WebServer) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	t, ok := s.templates[name]
	if !ok {
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	block := "layout.html"
	if r.Header.Get("HX-Request") == "true" {
		block = "content"
	}

	if err := t.ExecuteTemplate(w, block, data); err != nil {
		s.logger.Error("template render failed", "template", name, "block", block, "error", err)
	}
}

// clock renders a timestamp as local wall-clock time.
func clock(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	return t.Local().Format(time.TimeOnly)
}

// formatAngle renders an angle without trailing zeros, e.g. 20 or 32.5.
func formatAngle(a float64) string {
	return strconv.FormatFloat(a, 'f', -1, 64)
}

// statusClass maps a session state name to a badge CSS class.
func statusClass(state fmt.Stringer) string {
	switch state.String() {
	case "connected":
		return "badge-ok"
	case "connecting":
		return "badge-pending"
	case "disconnected":
		return "badge-idle"
	default:
		return "badge-error"
	}
}
