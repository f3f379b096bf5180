//go:build linux || darwin || freebsd

package capability

import "golang.org/x/sys/unix"

func storage(path string) (map[string]any, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, err
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	free := float64(st.Bavail) * float64(st.Bsize)
	used := 0.0
	if total > 0 {
		used = (total - free) * 100 / total
	}
	return map[string]any{
		"available":   true,
		"totalGB":     total / bytesPerGB,
		"freeGB":      free / bytesPerGB,
		"usedPercent": used,
	}, nil
}
