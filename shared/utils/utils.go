package utils

import (
	"crypto/sha256"
	"encoding/hex"

	"bomp/shared/types"
)

// EditPaths lists the logical paths of a set of edits in order.
func EditPaths(edits []*shared.PendingEdit) []string {
	paths := make([]string, 0, len(edits))
	for _, e := range edits {
		paths = append(paths, e.Path)
	}
	return paths
}

func HashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
