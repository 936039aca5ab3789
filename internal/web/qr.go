package web

import (
	"net/http"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// dashboardURL is the address phones should open.
func (s *WebServer) dashboardURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/"
}

func (s *WebServer) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(s.dashboardURL(r), qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write qr response", "error", err)
	}
}
