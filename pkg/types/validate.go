package types

import (
	"strings"

	"squeeze/pkg/squeezeerr"
)

// Validate checks the criteria without touching any filesystem.
func Validate(c *CompactionCriteria) error {
	if c == nil {
		return &squeezeerr.ValidationError{Reason: "criteria cannot be nil"}
	}
	if strings.TrimSpace(c.SourcePath) == "" {
		return &squeezeerr.ValidationError{Field: "source_path", Reason: "source path cannot be blank"}
	}
	if c.ThresholdInBytes < 0 {
		return &squeezeerr.ValidationError{Field: "threshold_in_bytes", Reason: "must not be negative"}
	}
	if c.MaxReducers < 0 {
		return &squeezeerr.ValidationError{Field: "max_reducers", Reason: "must not be negative"}
	}
	if c.FileType != "" {
		if _, ok := knownFileTypes[c.FileType]; !ok {
			return &squeezeerr.ValidationError{Field: "file_type", Reason: "unknown file type " + string(c.FileType)}
		}
	}
	return nil
}
