package syncer

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// recordingExts are the formats Asterisk's MixMonitor writes.
var recordingExts = map[string]bool{
	".wav": true,
	".mp3": true,
	".gsm": true,
	".ogg": true,
}

// FindRecording locates the recording for a call. FreePBX stores
// recordings under date subdirectories with the uniqueid embedded in the
// filename, so the search walks the tree and matches on substring. When
// several files match, the newest wins.
func FindRecording(dir, uniqueID string) (string, bool) {
	if dir == "" || uniqueID == "" {
		return "", false
	}

	var (
		newest    string
		newestMod time.Time
	)

	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree, keep scanning the rest.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !recordingExts[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		if !strings.Contains(name, uniqueID) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
		return nil
	})

	return newest, newest != ""
}
