// Package source is the HTTP client for the remote item API.
//
// The API exposes two read-only endpoints:
//
//	GET {base}/item/{id}.json   one item as a JSON object, or null
//	GET {base}/maxitem.json     the highest assigned ID
//
// # Usage
//
//	client := source.NewClient(source.DefaultOptions())
//
//	max, err := client.MaxItem(ctx)
//	item, err := client.Item(ctx, 8863)
//	// item.FetchStatus is FetchTombstone when the API returned null
//
// Item makes a single attempt and classifies the outcome; retrying an ID is
// the caller's decision. MaxItem retries on its own since it runs once at
// startup.
package source
