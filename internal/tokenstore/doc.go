// Package tokenstore provides durable storage for OAuth credentials.
//
// Two backends are available with different security and deployment tradeoffs:
//   - KeychainStore: OS-native credential storage (macOS Keychain, Windows
//     Credential Manager, Linux Secret Service)
//   - FileStore: a single AES-256-GCM encrypted file bound to the local
//     machine, created with owner-only permissions
//
// HybridStore selects between them at first use: it probes the keychain with
// a write/read/delete self-test and falls back to the encrypted file when the
// keychain is unavailable. The selection is made exactly once per process.
package tokenstore
