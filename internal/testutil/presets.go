package testutil

import "time"

// WithStandardTestData adds the standard document set: five documents with
// overlapping words and labels, spread over a week.
func (b *Builder) WithStandardTestData() *Builder {
	now := time.Now()
	yesterday := now.Add(-24 * time.Hour)
	lastWeek := now.Add(-7 * 24 * time.Hour)

	return b.
		WithDocument("doc-1",
			Title("Connection pooling"), Body("the pool hands out one connection per unit of work"),
			Labels("broker", "sqlite"), CreatedAt(lastWeek), UpdatedAt(now)).
		WithDocument("doc-2",
			Title("Segment merge"), Body("segments merge when the index grows past the limit"),
			Labels("index"), CreatedAt(yesterday), UpdatedAt(yesterday)).
		WithDocument("doc-3",
			Title("Read through"), Body("a cache miss loads the document from the broker"),
			Labels("cache", "broker"), CreatedAt(lastWeek), UpdatedAt(yesterday)).
		WithDocument("doc-4",
			Title("Write lock"), Body("only one writer may hold the index lock"),
			Labels("index"), Version(3), CreatedAt(lastWeek), UpdatedAt(lastWeek)).
		WithDocument("doc-5",
			Title("Rollback"), Body("a failed unit of work rolls back the connection"),
			CreatedAt(now), UpdatedAt(now))
}
