package presentation

import (
	"time"

	"github.com/astubbs/spring-modules-sub002/internal/broker"
	"github.com/astubbs/spring-modules-sub002/internal/index"
)

// DocumentDTO represents a stored document for presentation
type DocumentDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FromDocument converts a stored document to a DTO.
func FromDocument(doc *broker.Document) DocumentDTO {
	labels := doc.Labels
	if labels == nil {
		labels = []string{}
	}
	return DocumentDTO{
		ID:        doc.ID,
		Title:     doc.Title,
		Body:      doc.Body,
		Labels:    labels,
		Version:   doc.Version,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

// HitDTO represents one search result
type HitDTO struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Score int    `json:"score"`
}

// FromHits converts index hits to DTOs. The result is never nil so it
// encodes as an empty JSON array.
func FromHits(hits []index.Hit) []HitDTO {
	out := make([]HitDTO, 0, len(hits))
	for _, h := range hits {
		out = append(out, HitDTO{ID: h.ID, Title: h.Title, Score: h.Score})
	}
	return out
}

// MigrationDTO represents an applied schema migration
type MigrationDTO struct {
	Version   uint      `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// MigrateResultDTO is the output of the migrate command
type MigrateResultDTO struct {
	Applied    int            `json:"applied"`
	Migrations []MigrationDTO `json:"migrations"`
}

// FromMigrations builds the migrate command output.
func FromMigrations(applied int, migrations []broker.Migration) MigrateResultDTO {
	out := MigrateResultDTO{Applied: applied, Migrations: make([]MigrationDTO, 0, len(migrations))}
	for _, m := range migrations {
		out.Migrations = append(out.Migrations, MigrationDTO{Version: m.Version, Name: m.Name, AppliedAt: m.AppliedAt.UTC()})
	}
	return out
}

// IndexStatsDTO describes the committed state of the index
type IndexStatsDTO struct {
	Generation int64 `json:"generation"`
	Segments   int   `json:"segments"`
	Docs       int   `json:"docs"`
}

// FromIndexStats converts index stats to a DTO.
func FromIndexStats(s index.Stats) IndexStatsDTO {
	return IndexStatsDTO{Generation: s.Generation, Segments: s.Segments, Docs: s.Docs}
}

// EventCountDTO counts one lifecycle event type for one resource key
type EventCountDTO struct {
	Key   string `json:"key"`
	Event string `json:"event"`
	Count int    `json:"count"`
}

// ExerciseReportDTO is the output of the exercise command
type ExerciseReportDTO struct {
	Documents          int             `json:"documents"`
	DiscardedUnitGone  bool            `json:"discarded_unit_rolled_back"`
	SearchHits         int             `json:"search_hits"`
	CacheEntries       int             `json:"cache_entries"`
	CacheHits          int64           `json:"cache_hits"`
	CacheMisses        int64           `json:"cache_misses"`
	Index              IndexStatsDTO   `json:"index"`
	Events             []EventCountDTO `json:"events"`
	SharedReaderReuses int             `json:"shared_reader_reuses"`
	Balanced           bool            `json:"balanced"`
	Unclosed           map[string]int  `json:"unclosed,omitempty"`
}
