// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package dcc

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// TargetOS selects which reserved-name/illegal-character rules
// SanitizeFilename applies.
type TargetOS int

const (
	TargetPOSIX TargetOS = iota
	TargetWindows
)

const maxFilenameLength = 200

var filenameDisallowed = regexp.MustCompile(`[^a-zA-Z0-9 ._()\[\]-]`)
var windowsIllegal = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
var separatorRun = regexp.MustCompile(`[_\-\s]{2,}`)

var windowsReservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFilename strips directory components, replaces disallowed
// characters, and (on TargetWindows) additionally guards against
// reserved device names and illegal characters, per
// original_source/dcc_security.py's sanitize_filename.
func SanitizeFilename(raw string, target TargetOS) string {
	if raw == "" {
		return "_empty_filename_"
	}

	base := filepath.Base(strings.TrimSpace(raw))

	reservedPrefixed := false
	if target == TargetWindows {
		ext := filepath.Ext(base)
		namePart := strings.TrimSuffix(base, ext)
		if windowsReservedNames[strings.ToUpper(namePart)] {
			base = "_" + base
			reservedPrefixed = true
		}

		base = windowsIllegal.ReplaceAllString(base, "_")
		base = strings.TrimRight(base, ". ")
		if base == "" {
			base = "_sanitized_empty_"
		}
	}

	sanitized := filenameDisallowed.ReplaceAllString(base, "_")
	sanitized = separatorRun.ReplaceAllString(sanitized, "_")

	// The reserved-name guard's leading "_" must survive the trim below,
	// or "CON.txt" would sanitize right back to "CON.txt".
	if reservedPrefixed && strings.HasPrefix(sanitized, "_") {
		sanitized = "_" + strings.Trim(sanitized[1:], "._- ")
	} else {
		sanitized = strings.Trim(sanitized, "._- ")
	}

	if len(sanitized) > maxFilenameLength {
		ext := filepath.Ext(sanitized)
		namePart := strings.TrimSuffix(sanitized, ext)
		if len(ext) > 0 && len(ext) < maxFilenameLength/2 {
			namePart = namePart[:maxFilenameLength-len(ext)-1]
			sanitized = namePart + "." + strings.TrimPrefix(ext, ".")
		} else {
			sanitized = sanitized[:maxFilenameLength]
		}
	}

	if sanitized == "" {
		sanitized = "_sanitized_"
	}
	if sanitized == "." || sanitized == ".." {
		sanitized = "_" + sanitized + "_"
	}

	return sanitized
}

// DefaultBlockedExtensions matches the original implementation's
// default download blocklist.
var DefaultBlockedExtensions = []string{".exe", ".bat", ".com", ".scr", ".vbs", ".pif"}

// PathValidation is the outcome of ValidateDownloadPath.
type PathValidation struct {
	Success       bool
	AbsolutePath  string
	SanitizedName string
	FailureReason string
}

// ValidateDownloadPath sanitizes requested, rejects blocked extensions
// and oversized proposals, and confirms the joined path still resolves
// inside downloadDir after canonicalization: both paths are made
// absolute and any symlinks that exist on disk are resolved, preventing
// a ".." or symlink escape that survived sanitization. A symlink whose
// target does not exist is not resolved. Grounded on
// original_source/dcc_security.py's validate_download_path.
func ValidateDownloadPath(requested, downloadDir string, blockedExts []string, maxSize, proposedSize int64) PathValidation {
	sanitized := SanitizeFilename(requested, TargetPOSIX)
	if sanitized == "" {
		return PathValidation{FailureReason: "filename became empty after sanitization"}
	}

	ext := strings.ToLower(filepath.Ext(sanitized))
	for _, blocked := range blockedExts {
		if strings.ToLower(blocked) == ext {
			return PathValidation{SanitizedName: sanitized, FailureReason: fmt.Sprintf("file type %q is blocked", ext)}
		}
	}

	if maxSize > 0 && proposedSize > maxSize {
		return PathValidation{
			SanitizedName: sanitized,
			FailureReason: fmt.Sprintf("file size %d exceeds maximum allowed %d", proposedSize, maxSize),
		}
	}

	absDir, err := filepath.Abs(downloadDir)
	if err != nil {
		return PathValidation{SanitizedName: sanitized, FailureReason: fmt.Sprintf("cannot resolve download directory: %v", err)}
	}

	prospective := filepath.Join(absDir, sanitized)
	absProspective, err := filepath.Abs(prospective)
	if err != nil {
		return PathValidation{SanitizedName: sanitized, FailureReason: fmt.Sprintf("cannot resolve destination path: %v", err)}
	}

	realDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		realDir = absDir
	}
	realProspective, err := filepath.EvalSymlinks(absProspective)
	if err != nil {
		realProspective = filepath.Join(realDir, sanitized)
	}

	rel, err := filepath.Rel(realDir, realProspective)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return PathValidation{SanitizedName: sanitized, FailureReason: "invalid file path (potential traversal attempt)"}
	}

	return PathValidation{Success: true, AbsolutePath: absProspective, SanitizedName: sanitized}
}
