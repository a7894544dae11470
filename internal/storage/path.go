package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildArchivePath returns the object key of one feedback archive batch,
// partitioned by the UTC date and hour it was flushed.
func BuildArchivePath(prefix string, flushedAt time.Time, batchID string, sequence int) (string, error) {
	var parts []string
	for _, component := range strings.Split(strings.Trim(prefix, "/"), "/") {
		if component == "" {
			continue
		}
		if err := validatePathComponent(component, "archive prefix"); err != nil {
			return "", err
		}
		parts = append(parts, component)
	}
	if err := validatePathComponent(batchID, "batch id"); err != nil {
		return "", err
	}
	if sequence < 0 {
		return "", fmt.Errorf("sequence must be >= 0")
	}

	ts := flushedAt.UTC()
	parts = append(parts,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("feedback-%s-%05d.parquet", batchID, sequence),
	)
	return path.Join(parts...), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
