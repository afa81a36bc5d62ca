// Package crawler holds the crawl-job domain model shared by every other
// package: jobs, results, extracted items, the persistence and browser ports,
// the error taxonomy the runner branches on, and the resource retry policy.
package crawler
