package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const handleScheme = "artifact://"

// Handle references one version of an artifact. Its string form is a
// deterministic function of (ArtifactID, Version).
type Handle struct {
	ArtifactID string `json:"artifact_id"`
	Version    int    `json:"version"`
}

func (h Handle) String() string {
	return fmt.Sprintf("%s%s@v%d", handleScheme, h.ArtifactID, h.Version)
}

// ParseHandle is the inverse of Handle.String.
func ParseHandle(s string) (Handle, error) {
	rest, ok := strings.CutPrefix(s, handleScheme)
	if !ok {
		return Handle{}, Validationf("handle %q: missing %s prefix", s, handleScheme)
	}
	i := strings.LastIndex(rest, "@v")
	if i <= 0 {
		return Handle{}, Validationf("handle %q: missing version", s)
	}
	v, err := strconv.Atoi(rest[i+2:])
	if err != nil || v < 1 {
		return Handle{}, Validationf("handle %q: bad version", s)
	}
	return Handle{ArtifactID: rest[:i], Version: v}, nil
}

// ArtifactVersion is one immutable entry in an artifact's version chain.
// ParentVersion may point at a version that has since been pruned.
type ArtifactVersion struct {
	ArtifactID    string            `json:"artifact_id"`
	Version       int               `json:"version"`
	ParentVersion *int              `json:"parent_version,omitempty"`
	Handle        string            `json:"handle"`
	CreatedAt     time.Time         `json:"created_at"`
	SizeBytes     int               `json:"size_bytes"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Content       []byte            `json:"content,omitempty"`
}

// Ref returns the typed reference for this version.
func (a ArtifactVersion) Ref() Handle {
	return Handle{ArtifactID: a.ArtifactID, Version: a.Version}
}

// ArtifactHistory lists the surviving versions of an artifact.
type ArtifactHistory struct {
	ArtifactID     string            `json:"artifact_id"`
	CurrentVersion int               `json:"current_version"`
	Versions       []ArtifactVersion `json:"versions"`
}
