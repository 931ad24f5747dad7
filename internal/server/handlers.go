package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/panel/internal/backup"
	"github.com/loykin/panel/internal/model"
	"github.com/loykin/panel/internal/registry"
)

// maxSnapshotBytes bounds the body of an import request.
const maxSnapshotBytes = 16 << 20

type okResp struct {
	OK bool `json:"ok"`
}

// RecordResponse is returned by register and edit. Warnings lists
// supervisor or detection failures that happened after the change was
// persisted.
type RecordResponse struct {
	Name     string              `json:"name"`
	Record   model.ServiceRecord `json:"record"`
	Warnings []ErrorResponse     `json:"warnings,omitempty"`
}

type LogsResponse struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// ImportResponse wraps an import or restore result.
type ImportResponse struct {
	backup.ImportResult
	Warnings []ErrorResponse `json:"warnings,omitempty"`
}

// RangeRequest is the body of range add and resize.
type RangeRequest struct {
	Name  string `json:"name,omitempty"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

func (r *Router) handleList(c *gin.Context) {
	views, err := r.svc.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, views)
}

func (r *Router) handleGet(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	view, err := r.svc.Get(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}

func (r *Router) handleRegister(c *gin.Context) {
	var req registry.RegisterRequest
	if err := bindJSON(c, &req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	if !isSafeName(req.Name) {
		badRequest(c, "invalid service name")
		return
	}
	if !isSafeAbsPath(req.WorkingDir) {
		badRequest(c, "working_dir must be an absolute path without traversal")
		return
	}
	rec, err := r.svc.Register(c.Request.Context(), req)
	if err != nil && rec.Command == "" {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, RecordResponse{Name: req.Name, Record: rec, Warnings: warnings(err)})
}

func (r *Router) handleEdit(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	var req registry.EditRequest
	if err := bindJSON(c, &req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	if req.WorkingDir != nil && !isSafeAbsPath(*req.WorkingDir) {
		badRequest(c, "working_dir must be an absolute path without traversal")
		return
	}
	rec, err := r.svc.Edit(c.Request.Context(), name, req)
	if err != nil && rec.Command == "" {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, RecordResponse{Name: name, Record: rec, Warnings: warnings(err)})
}

func (r *Router) handleUnregister(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	err := r.svc.Unregister(c.Request.Context(), name)
	var sup *model.SupervisorError
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.As(err, &sup):
		// The record is gone; only the unit teardown failed.
		writeJSON(c, http.StatusOK, struct {
			OK       bool            `json:"ok"`
			Warnings []ErrorResponse `json:"warnings"`
		}{true, warnings(err)})
	default:
		writeError(c, err)
	}
}

func (r *Router) handleAction(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var err error
	switch c.Param("action") {
	case "start":
		err = r.svc.Start(ctx, name)
	case "stop":
		err = r.svc.Stop(ctx, name)
	case "restart":
		err = r.svc.Restart(ctx, name)
	case "enable":
		err = r.svc.Enable(ctx, name)
	case "disable":
		err = r.svc.Disable(ctx, name)
	case "auto":
		err = r.svc.Auto(ctx, name)
	default:
		writeJSON(c, http.StatusNotFound, ErrorResponse{Error: "unknown action " + strconv.Quote(c.Param("action")), Kind: "bad_request"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogs(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	lines := 0
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, "lines must be a non-negative integer")
			return
		}
		lines = n
	}
	out, err := r.svc.Logs(c.Request.Context(), name, lines)
	if err != nil {
		writeError(c, err)
		return
	}
	if out == nil {
		out = []string{}
	}
	writeJSON(c, http.StatusOK, LogsResponse{Name: name, Lines: out})
}

func (r *Router) handleRanges(c *gin.Context) {
	views, err := r.svc.Ranges(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, views)
}

func (r *Router) handleAddRange(c *gin.Context) {
	var req RangeRequest
	if err := bindJSON(c, &req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	if !isSafeName(req.Name) {
		badRequest(c, "invalid range name")
		return
	}
	pr, err := r.svc.AddRange(c.Request.Context(), req.Name, req.Start, req.End)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, registry.RangeView{Name: req.Name, Start: pr.Start, End: pr.End, Free: pr.Size()})
}

func (r *Router) handleResizeRange(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	var req RangeRequest
	if err := bindJSON(c, &req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	if _, err := r.svc.ResizeRange(c.Request.Context(), name, req.Start, req.End); err != nil {
		writeError(c, err)
		return
	}
	r.writeRange(c, name)
}

// writeRange responds with the current view of one range.
func (r *Router) writeRange(c *gin.Context, name string) {
	views, err := r.svc.Ranges(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	for _, v := range views {
		if v.Name == name {
			writeJSON(c, http.StatusOK, v)
			return
		}
	}
	writeError(c, &model.UnknownRangeError{Range: name})
}

func (r *Router) handleRemoveRange(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	if err := r.svc.RemoveRange(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleExport(c *gin.Context) {
	format, err := backup.ParseFormat(c.Query("format"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	data, err := r.snaps.Export(c.Request.Context(), format)
	if err != nil {
		writeError(c, err)
		return
	}
	ct := "application/json"
	if format == backup.FormatYAML {
		ct = "application/yaml"
	}
	c.Data(http.StatusOK, ct, data)
}

func (r *Router) handleImport(c *gin.Context) {
	mode, err := backup.ParseMode(c.Query("mode"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSnapshotBytes))
	if err != nil {
		badRequest(c, "read body: "+err.Error())
		return
	}
	res, err := r.snaps.Import(c.Request.Context(), data, mode)
	r.writeImport(c, res, err)
}

func (r *Router) handleRestore(c *gin.Context) {
	res, err := r.snaps.Restore(c.Request.Context())
	r.writeImport(c, res, err)
}

// writeImport treats an error accompanied by a result as a post-persist
// failure to refresh units.
func (r *Router) writeImport(c *gin.Context, res backup.ImportResult, err error) {
	if err != nil && res.Mode == "" {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ImportResponse{ImportResult: res, Warnings: warnings(err)})
}

func (r *Router) handleRecover(c *gin.Context) {
	res, err := r.snaps.Recover(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleBackupFiles(c *gin.Context) {
	files, err := r.snaps.ListBackups()
	if err != nil {
		writeError(c, err)
		return
	}
	if files == nil {
		files = []backup.BackupFile{}
	}
	writeJSON(c, http.StatusOK, files)
}

func nameParam(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		badRequest(c, "invalid name")
		return "", false
	}
	return name, true
}
