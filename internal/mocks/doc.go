// Package mocks holds mockery-generated testify mocks for interfaces used
// across packages.
//
// Regenerate with:
//
//	mockery --name CacheManager --dir internal/cachemanager --output internal/mocks --with-expecter
package mocks
