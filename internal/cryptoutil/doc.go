// Package cryptoutil provides the comparison and signature primitives used
// to check build archives.
//
// It supports:
//   - Constant-time comparison of hex digests and of secrets of any length
//   - SHA-256 hashing helpers
//   - KMS-backed detached signature verification over the algorithms KMS
//     reports for the key (ECDSA, RSA-PSS, and PKCS1v15 when allowed)
package cryptoutil
