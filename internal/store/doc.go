// Package store groups the persistence providers: postgres archives
// recorded postings, gcs and local archive blocked-page artifacts. The
// providers are independent; callers import the subpackage they need.
package store
