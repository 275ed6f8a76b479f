// Package signing holds the portal's signing key pair and verifies approval
// signatures against arbitrary supplied public keys.
//
// Signatures are always computed over the record hash (64 lowercase hex
// characters), never over canonical bytes, so the digest algorithm can change
// without re-canonicalizing stored records.
package signing
