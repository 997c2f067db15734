package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// RelationshipID derives a stable identifier for a candidate relationship.
// The same (source, target, type) triple always hashes to the same id,
// across workers and across runs.
func RelationshipID(sourceEntityID, targetEntityID, relType string) string {
	h := sha256.New()
	h.Write([]byte(sourceEntityID))
	h.Write([]byte{0})
	h.Write([]byte(targetEntityID))
	h.Write([]byte{0})
	h.Write([]byte(relType))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// EntityID keys a code entity by the file that declares it and its name.
// The file path is slash-normalized so ids agree across platforms.
func EntityID(file, name string) string {
	return path.Clean(strings.ReplaceAll(file, "\\", "/")) + "#" + name
}

// EntityFile returns the declaring file encoded in an entity id, or "" if the
// id does not carry one.
func EntityFile(entityID string) string {
	i := strings.LastIndex(entityID, "#")
	if i < 0 {
		return ""
	}
	return entityID[:i]
}

// EntityDir returns the directory of the declaring file.
func EntityDir(entityID string) string {
	f := EntityFile(entityID)
	if f == "" {
		return ""
	}
	return path.Dir(f)
}
