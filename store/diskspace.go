package store

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// checkDiskSpace logs disk usage for dir and fails if less than minFree
// bytes are available. minFree of zero only logs.
func checkDiskSpace(log *logrus.Logger, dir string, minFree uint64) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		log.WithFields(logrus.Fields{
			"path": dir,
		}).Warnf("could not read disk usage: %v", err)
		return nil
	}

	log.WithFields(logrus.Fields{
		"path":       dir,
		"total_gb":   fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"free_gb":    fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		"used_pct":   fmt.Sprintf("%.1f", usage.UsedPercent),
		"min_free_b": minFree,
	}).Info("disk usage")

	if minFree > 0 && usage.Free < minFree {
		return fmt.Errorf("insufficient disk space at %s: %d bytes free, %d required", dir, usage.Free, minFree)
	}
	return nil
}
