// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/traylinx/llm-supervisor/internal/util"
)

// StateBoxStatus represents the State Box status for API responses.
type StateBoxStatus struct {
	RootPath         string      `json:"root_path"`
	ReadOnly         bool        `json:"read_only"`
	Initialized      bool        `json:"initialized"`
	StateRecord      *FileStatus `json:"state_record,omitempty"`
	AuditLog         *FileStatus `json:"audit_log,omitempty"`
	HooksDir         *FileStatus `json:"hooks_dir,omitempty"`
	PluginsDir       *FileStatus `json:"plugins_dir,omitempty"`
	PermissionStatus string      `json:"permission_status"` // "ok", "warning", "error"
	Warnings         []string    `json:"warnings,omitempty"`
	Errors           []string    `json:"errors,omitempty"`
}

// FileStatus represents the status of a State Box file.
type FileStatus struct {
	Path    string    `json:"path"`
	Exists  bool      `json:"exists"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// StateBoxPaths names the files reported next to the State Box root. Empty
// paths are left out.
type StateBoxPaths struct {
	StateRecord string
	AuditLog    string
}

// getFileStatus retrieves the status of a file at the given path.
func getFileStatus(path string) *FileStatus {
	status := &FileStatus{
		Path:   path,
		Exists: false,
	}

	info, err := os.Stat(path)
	if err != nil {
		return status
	}

	status.Exists = true
	status.Size = info.Size()
	status.Mode = info.Mode().String()
	status.ModTime = info.ModTime()

	return status
}

// StateBoxStatusHandler returns a handler for the /api/state-box/status endpoint.
// It reports where the supervisor keeps its data and flags files readable by
// other users.
func StateBoxStatusHandler(sb *util.StateBox, paths StateBoxPaths) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sb == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "State Box not initialized",
			})
			return
		}

		status := &StateBoxStatus{
			RootPath:         sb.RootPath(),
			ReadOnly:         sb.IsReadOnly(),
			Initialized:      true,
			PermissionStatus: "ok",
			Warnings:         []string{},
			Errors:           []string{},
		}

		if _, err := os.Stat(sb.RootPath()); err != nil {
			if os.IsNotExist(err) {
				status.Warnings = append(status.Warnings, "State Box root directory does not exist")
				status.PermissionStatus = "warning"
			} else {
				status.Errors = append(status.Errors, "Failed to access State Box root directory")
				status.PermissionStatus = "error"
			}
		}

		status.HooksDir = getFileStatus(sb.HooksDir())
		status.PluginsDir = getFileStatus(sb.PluginsDir())
		if paths.StateRecord != "" {
			status.StateRecord = getFileStatus(paths.StateRecord)
			checkPrivate(status, status.StateRecord, "State record")
		}
		if paths.AuditLog != "" {
			status.AuditLog = getFileStatus(paths.AuditLog)
			checkPrivate(status, status.AuditLog, "Audit log")
		}

		c.JSON(http.StatusOK, status)
	}
}

// checkPrivate warns when an existing file is accessible to group or others
// (it should be 0600).
func checkPrivate(status *StateBoxStatus, file *FileStatus, label string) {
	if !file.Exists {
		return
	}
	info, err := os.Stat(file.Path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0077 != 0 {
		status.Warnings = append(status.Warnings, label+" has overly permissive permissions")
		if status.PermissionStatus == "ok" {
			status.PermissionStatus = "warning"
		}
	}
}
