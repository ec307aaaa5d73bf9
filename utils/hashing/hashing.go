// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hashing provides SHA-256 helpers used throughout the codebase.
package hashing

import "crypto/sha256"

// HashLen is the length of a SHA-256 hash in bytes.
const HashLen = sha256.Size

// ComputeHash256Array computes the SHA-256 hash of [buf] as a fixed array.
func ComputeHash256Array(buf []byte) [HashLen]byte {
	return sha256.Sum256(buf)
}

// ComputeHash256 computes the SHA-256 hash of [buf] as a byte slice.
func ComputeHash256(buf []byte) []byte {
	arr := ComputeHash256Array(buf)
	return arr[:]
}
