package replay

import "github.com/shirou/gopsutil/v3/disk"

// freeBytes reports free space on the filesystem holding path.
func freeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
