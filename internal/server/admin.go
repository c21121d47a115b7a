package server

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/reliability"
)

// adminHandlers serves the operator surface: manual backups and the backup
// inventory.
type adminHandlers struct {
	backup *reliability.BackupService
	log    zerolog.Logger
}

func newAdminHandlers(backup *reliability.BackupService, log zerolog.Logger) *adminHandlers {
	return &adminHandlers{
		backup: backup,
		log:    log.With().Str("handler", "admin").Logger(),
	}
}

// handleTriggerBackup handles POST /admin/backup.
func (h *adminHandlers) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	if h.backup == nil {
		writeRaw(w, http.StatusServiceUnavailable, map[string]string{
			"error": "cloud backups are not configured",
		})
		return
	}

	archive, err := h.backup.Run(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Manual backup failed")
		writeRaw(w, http.StatusInternalServerError, map[string]string{
			"error": "backup failed",
		})
		return
	}

	writeRaw(w, http.StatusOK, map[string]string{"archive": archive})
}

// handleListBackups handles GET /admin/backups.
func (h *adminHandlers) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backup == nil {
		writeRaw(w, http.StatusServiceUnavailable, map[string]string{
			"error": "cloud backups are not configured",
		})
		return
	}

	backups, err := h.backup.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		writeRaw(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list backups",
		})
		return
	}

	writeRaw(w, http.StatusOK, map[string]interface{}{"backups": backups})
}
