package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/proxy"
)

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

// writeError answers with {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, ErrorResponse{Error: message})
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// StatusResponse is served by GET /api/status.
type StatusResponse struct {
	IsOnline               bool            `json:"isOnline"`
	ProxyPort              int             `json:"proxyPort"`
	PublicOrigin           string          `json:"publicOrigin"`
	ActiveConnections      int             `json:"activeConnections"`
	ActiveTunnels          int             `json:"activeTunnels"`
	Settings               config.Settings `json:"settings"`
	RecentConnectionsCount int             `json:"recentConnectionsCount"`
	Uptime                 float64         `json:"uptime"` // seconds
}

// LiveResponse is served by GET /api/live.
type LiveResponse struct {
	Connections []proxy.ConnectionInfo `json:"connections"`
	Tunnels     []proxy.TunnelInfo     `json:"tunnels"`
	Timestamp   time.Time              `json:"timestamp"`
}

// URLRequest is the body of POST /api/browse and /api/test-connection.
type URLRequest struct {
	URL string `json:"url"`
}

// BrowseResponse is served by POST /api/browse.
type BrowseResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	ProxyURL     string `json:"proxyUrl"`
	DirectAccess string `json:"directAccess"`
}

// TestConnectionResponse is served by POST /api/test-connection.
type TestConnectionResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ProxyURL   string `json:"proxyUrl"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// ClearResponse is served by DELETE /api/connections.
type ClearResponse struct {
	Message string `json:"message"`
}
