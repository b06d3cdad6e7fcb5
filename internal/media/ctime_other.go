//go:build !linux && !darwin && !windows

package media

import "time"

func birthTime(string) (time.Time, bool) {
	return time.Time{}, false
}
