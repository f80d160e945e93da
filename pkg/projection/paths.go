package projection

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	projectionsDirName = "projections"
	metadataIndexFile  = "Metadata/index.json"
	indicesDirName     = "Indices"
	checkpointsDirName = "_checkpoints"
)

func projectionDir(contextDir, name string) string {
	return filepath.Join(contextDir, projectionsDirName, sanitizeKey(name))
}

func entityFilePath(contextDir, name, key string) string {
	return filepath.Join(projectionDir(contextDir, name), sanitizeKey(key)+".json")
}

func metadataIndexPath(contextDir, name string) string {
	return filepath.Join(projectionDir(contextDir, name), metadataIndexFile)
}

func indicesDir(contextDir, name string) string {
	return filepath.Join(projectionDir(contextDir, name), indicesDirName)
}

func tagIndexPath(contextDir, name, key, value string) string {
	file := sanitizeKey(key) + "_" + sanitizeKey(value) + ".json"
	return filepath.Join(indicesDir(contextDir, name), file)
}

func checkpointPath(contextDir, name string) string {
	return filepath.Join(contextDir, checkpointsDirName, sanitizeKey(name)+".checkpoint")
}

// sanitizeKey mirrors dcb's index-key sanitization so a projection name,
// entity key, or tag value can never escape its directory.
func sanitizeKey(s string) string {
	if s == "." || s == ".." {
		return strings.Repeat("%2E", len(s))
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/' || c == '\\' || c == 0 || c == ':' || c == '%':
			out = append(out, fmt.Sprintf("%%%02X", c)...)
		default:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "%00EMPTY"
	}
	return string(out)
}
