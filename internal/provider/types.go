// Package provider implements the CDN provider deployment client: worker
// script uploads, content-addressed asset upload sessions with deduplication,
// secret management, and worker deletion.
package provider

import (
	"mime"
	"path/filepath"
	"regexp"
)

// File is one deployable file.
type File struct {
	Path     string
	Content  []byte
	MimeType string
}

// ArtifactBundle is the output of a build, ready for deployment.
type ArtifactBundle struct {
	WorkerScript File
	Artifacts    []File // non-entrypoint modules shipped alongside the worker
	Assets       []File // static files uploaded through the asset session
}

// Migration declares Durable Object classes introduced by a deploy.
type Migration struct {
	Tag        string   `json:"tag,omitempty"`
	NewClasses []string `json:"new_classes,omitempty"`
}

var workerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidWorkerName reports whether name is deployable.
func ValidWorkerName(name string) bool { return workerNamePattern.MatchString(name) }

// GuessMime maps a file extension to a MIME type, defaulting to octet-stream.
func GuessMime(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
