//go:build !linux && !darwin && !freebsd

package capability

import "errors"

func storage(string) (map[string]any, error) {
	return nil, errors.New("storage stats not supported on this platform")
}
