package testutil

import "time"

// documentData holds all data for a document to be inserted.
type documentData struct {
	id        string
	title     string
	body      string
	version   int
	labels    []string
	createdAt time.Time
	updatedAt time.Time
}

// defaultDocument returns a documentData with sensible defaults.
func defaultDocument(id string) documentData {
	now := time.Now()
	return documentData{
		id:        id,
		title:     id, // Default title is the ID
		body:      "",
		version:   1,
		createdAt: now,
		updatedAt: now,
	}
}

// DocumentOption configures a document during builder setup.
type DocumentOption func(*documentData)

// Title sets the document title.
func Title(title string) DocumentOption {
	return func(d *documentData) { d.title = title }
}

// Body sets the document body.
func Body(body string) DocumentOption {
	return func(d *documentData) { d.body = body }
}

// Version sets the optimistic-lock version.
func Version(v int) DocumentOption {
	return func(d *documentData) { d.version = v }
}

// Labels sets the document labels.
func Labels(labels ...string) DocumentOption {
	return func(d *documentData) { d.labels = labels }
}

// CreatedAt sets the creation timestamp.
func CreatedAt(t time.Time) DocumentOption {
	return func(d *documentData) { d.createdAt = t }
}

// UpdatedAt sets the update timestamp.
func UpdatedAt(t time.Time) DocumentOption {
	return func(d *documentData) { d.updatedAt = t }
}
