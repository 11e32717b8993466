// Package spotify is a small client for the Spotify Web API covering the
// search, player and profile endpoints used by the tool server.
//
// Requests are authorized through an oauth2.TokenSource built from a
// long-lived refresh token, throttled client-side with a token bucket and
// retried on 429 and 5xx answers with exponential backoff that honors
// Retry-After.
package spotify
