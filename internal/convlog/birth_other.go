//go:build !linux && !darwin

package convlog

import (
	"os"
	"time"
)

func fileBirthTime(string, os.FileInfo) (time.Time, bool) {
	return time.Time{}, false
}
