package app

import "syscall"

// diskUsage reports capacity of the filesystem holding the artifact root,
// or nil when the path can't be statted (e.g. root not created yet).
// Available space uses the unprivileged block count, matching what a
// non-root replayd can actually write.
func diskUsage(path string) map[string]any {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return nil
	}
	bs := uint64(st.Bsize)
	total := st.Blocks * bs
	return map[string]any{
		"total_bytes":     total,
		"used_bytes":      total - st.Bfree*bs,
		"available_bytes": st.Bavail * bs,
	}
}
