package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Akshat74747/argus/internal/push"
	"github.com/Akshat74747/argus/internal/sched"
	"github.com/Akshat74747/argus/internal/store"
)

// handleBackupExport streams a full snapshot as a download.
func (s *Server) handleBackupExport(w http.ResponseWriter, r *http.Request) {
	backup, err := s.store.ExportAll()
	if err != nil {
		s.logger.Error("export failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "export failed")
		return
	}

	name := "argus-backup-" + s.now().Format("2006-01-02") + ".json"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	writeJSON(w, backup, s.logger)
}

// handleBackupList lists on-disk daily snapshots.
func (s *Server) handleBackupList(w http.ResponseWriter, r *http.Request) {
	type fileInfo struct {
		Name    string `json:"name"`
		Size    int64  `json:"size"`
		ModTime string `json:"mod_time"`
	}
	files := []fileInfo{}

	entries, err := os.ReadDir(sched.SnapshotDir(s.dataDir))
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !sched.SnapshotNameRe.MatchString(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, fileInfo{
				Name:    e.Name(),
				Size:    info.Size(),
				ModTime: info.ModTime().UTC().Format(time.RFC3339),
			})
		}
	}
	writeJSON(w, map[string]any{"backups": files, "count": len(files)}, s.logger)
}

// handleBackupImport ingests an uploaded snapshot.
func (s *Server) handleBackupImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, importBodyLimit)

	var req struct {
		Backup *store.Backup `json:"backup"`
		Mode   string        `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid import body: "+err.Error())
		return
	}
	if req.Backup == nil {
		s.errorResponse(w, http.StatusBadRequest, "backup is required")
		return
	}
	if req.Mode == "" {
		req.Mode = store.ImportMerge
	}

	s.importBackup(w, req.Backup, req.Mode)
}

// handleBackupRestore imports a named on-disk snapshot, replacing
// current data.
func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if !sched.SnapshotNameRe.MatchString(name) {
		s.errorResponse(w, http.StatusBadRequest, "invalid backup filename")
		return
	}

	data, err := os.ReadFile(filepath.Join(sched.SnapshotDir(s.dataDir), name))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "backup not found")
		return
	}
	var backup store.Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "corrupt backup file: "+err.Error())
		return
	}

	s.importBackup(w, &backup, store.ImportReplace)
}

func (s *Server) importBackup(w http.ResponseWriter, backup *store.Backup, mode string) {
	counts, err := s.store.ImportBackup(backup, mode)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.broadcast(push.TypeNotification, 0, map[string]any{"reason": "backup_restored", "mode": mode, "imported": counts})
	writeJSON(w, map[string]any{"imported": counts, "mode": mode}, s.logger)
}
