// Package auth owns the OAuth session lifecycle for the local tool server.
//
// The Manager is the single entry point: it caches an in-memory
// authenticated client, proactively refreshes tokens before expiry, restores
// sessions from persistent storage, and drives the interactive browser login
// when nothing else works. Credentials are persisted through a
// tokenstore.Store; the in-memory session is a projection of the stored
// record, never a second owner.
//
// The client secret never exists in this process. Authorization redirects
// and refresh calls go through a remote token-exchange endpoint that holds
// the secret, which is why the local callback address travels inside the
// OAuth state parameter instead of being the redirect URI.
package auth
