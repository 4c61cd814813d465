// Package ratelimit is per-client-IP request throttling for the build API.
//
// Limits are held in memory on one instance. Archive uploads are large, so
// the limiter runs before request bodies are read: a throttled client gets
// 429 without the server spooling its upload.
package ratelimit
