package transcribe

import (
	"os"
	"path/filepath"
)

// ModelAuto asks the engine wrapper to pick the best cached model.
const ModelAuto = "auto"

// ModelPreference lists models from most to least preferred.
var ModelPreference = []string{"large-v3", "medium", "small"}

// SelectModel returns the first preferred model present under cacheDir,
// or fallback when none is. A fallback of "auto" becomes the last
// preference so the engine always gets a concrete name.
func SelectModel(cacheDir, fallback string) string {
	for _, name := range ModelPreference {
		if info, err := os.Stat(filepath.Join(cacheDir, name)); err == nil && info.IsDir() {
			return name
		}
	}
	if fallback == ModelAuto || fallback == "" {
		return ModelPreference[len(ModelPreference)-1]
	}
	return fallback
}
