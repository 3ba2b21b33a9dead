// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrNilStateBox is returned when a permission check is given no State Box.
var ErrNilStateBox = errors.New("StateBox cannot be nil")

// AuditResult contains the results of a permission audit for a single file or directory.
type AuditResult struct {
	Path         string      // The file or directory path
	CurrentMode  os.FileMode // The current permission mode
	RequiredMode os.FileMode // The required permission mode
	WasCorrected bool        // Whether permissions were corrected
	Error        error       // Any error encountered during audit or correction
}

// AuditPermissions checks permissions in the State Box without modifying them.
// Directories should be 0700; state records, databases and logs 0600.
func AuditPermissions(sb *StateBox) ([]AuditResult, error) {
	return walkPermissions(sb, false)
}

// HardenPermissions corrects the permissions AuditPermissions reports. A
// missing root is not an error; individual chmod failures are logged.
func HardenPermissions(sb *StateBox) error {
	if sb == nil {
		return ErrNilStateBox
	}
	if _, err := os.Stat(sb.RootPath()); os.IsNotExist(err) {
		log.Debugf("permission hardening: State Box root does not exist: %s", sb.RootPath())
		return nil
	}
	if sb.IsReadOnly() {
		return nil
	}

	results, err := walkPermissions(sb, true)
	corrected, failed := 0, 0
	for _, r := range results {
		switch {
		case r.Error != nil:
			failed++
		case r.WasCorrected:
			corrected++
		}
	}
	if corrected > 0 {
		log.Infof("permission hardening: corrected %d file/directory permissions", corrected)
	}
	if failed > 0 {
		log.Warnf("permission hardening: encountered %d errors", failed)
	}
	return err
}

func walkPermissions(sb *StateBox, fix bool) ([]AuditResult, error) {
	if sb == nil {
		return nil, ErrNilStateBox
	}

	var results []AuditResult
	err := filepath.Walk(sb.RootPath(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("permission audit: failed to access %s: %v", path, err)
			results = append(results, AuditResult{Path: path, Error: err})
			return nil
		}

		var required os.FileMode
		switch {
		case info.IsDir():
			required = 0700
		case isSensitiveFile(path):
			required = 0600
		default:
			return nil
		}

		result := AuditResult{Path: path, CurrentMode: info.Mode().Perm(), RequiredMode: required}
		if result.CurrentMode != required {
			if fix {
				if chmodErr := os.Chmod(path, required); chmodErr != nil {
					log.Warnf("permission hardening: failed to chmod %s from %04o to %04o: %v",
						path, result.CurrentMode, required, chmodErr)
					result.Error = chmodErr
				} else {
					result.WasCorrected = true
				}
			} else {
				log.Debugf("permission audit: %s has mode %04o, requires %04o", path, result.CurrentMode, required)
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return results, fmt.Errorf("failed to walk State Box directory: %w", err)
	}
	return results, nil
}

// isSensitiveFile reports whether path holds state, audit or log data.
func isSensitiveFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".db", ".log":
		return true
	}
	return false
}
