package client

import (
	"github.com/loykin/panel/internal/backup"
	"github.com/loykin/panel/internal/model"
	"github.com/loykin/panel/internal/registry"
	"github.com/loykin/panel/internal/server"
)

// Request and response types shared with the server.
type (
	RegisterRequest = registry.RegisterRequest
	EditRequest     = registry.EditRequest
	ServiceView     = registry.ServiceView
	RangeView       = registry.RangeView
	ServiceRecord   = model.ServiceRecord
	PortRange       = model.PortRange
	ImportResult    = backup.ImportResult
	RecoverResult   = backup.RecoverResult
	BackupFile      = backup.BackupFile
	Format          = backup.Format
	Mode            = backup.Mode
	ErrorResponse   = server.ErrorResponse
	RangeRequest    = server.RangeRequest
)

// Error classes an *APIError matches with errors.Is.
var (
	ErrNotFound = model.ErrNotFound
	ErrConflict = model.ErrConflict
	ErrInvalid  = model.ErrInvalid
)

type recordResponse = server.RecordResponse

type importResponse = server.ImportResponse

type logsResponse = server.LogsResponse

type warningsResponse struct {
	Warnings []ErrorResponse `json:"warnings"`
}
