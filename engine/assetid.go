package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// assetNamespace is the UUID namespace for ids derived from source text.
var assetNamespace = uuid.MustParse("3a0f6b52-8d1e-4c27-9b6a-0e5d2f7c41a9")

// AssetIDFor derives a stable asset id from script source. Identical
// source always maps to the same id, so its artifact is reused.
func AssetIDFor(source string) string {
	return uuid.NewSHA1(assetNamespace, []byte(source)).String()
}

// ValidateAssetID checks that id can be used as a file name stem.
func ValidateAssetID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("empty asset id")
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("asset id %q contains a path separator", id)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("asset id %q starts with a dot", id)
	case strings.ContainsAny(id, "\x00*?"):
		return fmt.Errorf("asset id %q contains an invalid character", id)
	}
	return nil
}
