//go:build linux || darwin

package store

import "golang.org/x/sys/unix"

// getFreeSpace reports bytes available to an unprivileged process on the
// filesystem backing dir (spec §4.3 step 3 free-space pre-check).
func getFreeSpace(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, ioErr("statfs", dir, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// getTotalSpace reports the total size of the filesystem backing dir.
func getTotalSpace(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, ioErr("statfs", dir, err)
	}
	return int64(st.Blocks) * int64(st.Bsize), nil
}
