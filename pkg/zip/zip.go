package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
)

// Artifact is one file destined for an archive. Name is the path inside the
// archive; callers usually derive it from the blob key's basename.
type Artifact struct {
	Name string
	Data []byte
}

// NameFromKey turns a blob key into an archive member name, keeping only the
// basename so archive entries never carry directory structure.
func NameFromKey(key string) string {
	return path.Base(key)
}

// WriteArchive streams the artifacts into w as a zip file. Duplicate names
// get a numeric suffix so no entry silently overwrites another.
func WriteArchive(w io.Writer, artifacts []Artifact) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]int, len(artifacts))

	for _, artifact := range artifacts {
		name := artifact.Name
		if n := seen[name]; n > 0 {
			ext := path.Ext(name)
			name = fmt.Sprintf("%s-%d%s", name[:len(name)-len(ext)], n, ext)
		}
		seen[artifact.Name]++

		entry, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("create archive entry %s: %w", name, err)
		}
		if _, err := entry.Write(artifact.Data); err != nil {
			return fmt.Errorf("write archive entry %s: %w", name, err)
		}
	}
	return zw.Close()
}
