package handler

import (
	"log/slog"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/internal/server/api"
)

// ServerName identifies this server in ping responses.
const ServerName = "upsip"

// Ping returns a handler reporting server name and version.
func Ping(version string) api.HandlerFunc {
	return func(_ *api.Request, res *api.Response, _ *slog.Logger) error {
		return writeJSON(res, apitypes.PingResponse{Server: ServerName, Version: version})
	}
}
