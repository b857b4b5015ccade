package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File names inside an index directory.
const (
	ManifestFile = "manifest.yaml"
	LockFile     = "write.lock"
)

// Document is an indexed document.
type Document struct {
	ID     string   `yaml:"id"`
	Title  string   `yaml:"title,omitempty"`
	Body   string   `yaml:"body"`
	Labels []string `yaml:"labels,omitempty"`
}

// manifest lists the committed segments in apply order. Later segments
// override earlier ones.
type manifest struct {
	Generation int64         `yaml:"generation"`
	Segments   []segmentInfo `yaml:"segments"`
}

type segmentInfo struct {
	Name    string `yaml:"name"`
	Docs    int    `yaml:"docs"`
	Deletes int    `yaml:"deletes,omitempty"`
}

// segment is one committed batch: added or replaced documents and deleted
// IDs.
type segment struct {
	Documents []Document `yaml:"documents"`
	Deleted   []string   `yaml:"deleted,omitempty"`
}

func segmentName(generation int64) string {
	return fmt.Sprintf("seg-%06d.yaml", generation)
}

// loadManifest reads dir's manifest. A missing manifest is an empty index.
func loadManifest(dir string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile)) //nolint:gosec // G304: index dir from config
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("reading manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}

func loadSegment(dir, name string) (segment, error) {
	var s segment
	data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // G304: segment named by manifest
	if err != nil {
		return s, fmt.Errorf("reading segment %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing segment %s: %w", name, err)
	}
	return s, nil
}

// loadDocuments applies every segment of m in order and returns the live
// documents by ID.
func loadDocuments(dir string, m manifest) (map[string]Document, error) {
	docs := make(map[string]Document)
	for _, info := range m.Segments {
		seg, err := loadSegment(dir, info.Name)
		if err != nil {
			return nil, err
		}
		applySegment(docs, seg)
	}
	return docs, nil
}

func applySegment(docs map[string]Document, seg segment) {
	for _, id := range seg.Deleted {
		delete(docs, id)
	}
	for _, doc := range seg.Documents {
		docs[doc.ID] = doc
	}
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes data to a temp file next to path and renames it
// over path, so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
