package types

import (
	"fmt"
	"strings"
)

// FileType tags the on-disk format of the files under a source path.
type FileType string

const (
	FileTypeText    FileType = "text"
	FileTypeGzip    FileType = "gzip"
	FileTypeZstd    FileType = "zstd"
	FileTypeAvro    FileType = "avro"
	FileTypeParquet FileType = "parquet"
	FileTypeOrc     FileType = "orc"
)

var knownFileTypes = map[FileType]struct{}{
	FileTypeText:    {},
	FileTypeGzip:    {},
	FileTypeZstd:    {},
	FileTypeAvro:    {},
	FileTypeParquet: {},
	FileTypeOrc:     {},
}

// ParseFileType accepts any case; empty input means text.
func ParseFileType(s string) (FileType, error) {
	if strings.TrimSpace(s) == "" {
		return FileTypeText, nil
	}
	ft := FileType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownFileTypes[ft]; !ok {
		return "", fmt.Errorf("unknown file type %q", s)
	}
	return ft, nil
}

func (ft FileType) String() string {
	return string(ft)
}

// CompactionCriteria describes one compaction request.
type CompactionCriteria struct {
	// SourcePath is a path or URI (file:///data/x, mem://bucket/x) of the live data.
	SourcePath string `json:"source_path" yaml:"source_path"`
	// TargetPath is empty for in-place compaction.
	TargetPath       string   `json:"target_path,omitempty" yaml:"target_path"`
	ThresholdInBytes int64    `json:"threshold_in_bytes" yaml:"threshold_in_bytes"`
	MaxReducers      int      `json:"max_reducers" yaml:"max_reducers"`
	FileType         FileType `json:"file_type" yaml:"file_type"`
	SchemaPath       string   `json:"schema_path,omitempty" yaml:"schema_path"`
}

// InPlace reports whether the request asks for the output to replace the source.
func (c *CompactionCriteria) InPlace() bool {
	return strings.TrimSpace(c.TargetPath) == ""
}

// WithTarget returns a copy of c that writes into target.
func (c CompactionCriteria) WithTarget(target string) CompactionCriteria {
	c.TargetPath = target
	return c
}

// CompactionResponse is produced by a compaction delegate and handed back to the caller untouched.
type CompactionResponse struct {
	FilesCompacted int   `json:"files_compacted"`
	FilesCopied    int   `json:"files_copied,omitempty"`
	OutputFiles    int   `json:"output_files"`
	BytesRead      int64 `json:"bytes_read,omitempty"`
	BytesWritten   int64 `json:"bytes_written,omitempty"`
}
