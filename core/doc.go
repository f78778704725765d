// Package core provides the goroutine worker pool that runs message handlers
// off the broadcaster's goroutine.
package core
