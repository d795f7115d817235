// Package sigverify implements the signature verifier shared by the
// bootloader and the upload path: SHA-256 digests, an RSA-2048 public-key
// operation that can run in small steps, the padding check of the decoded
// block, and the table of trusted signing keys.
//
// # Signed Data Layout
//
// Images end with two RSABytes blocks:
//
//	[ signed data ... ][ signature (256) ][ public key modulus (256) ]
//
// Both blocks are little-endian limb strings. The public key must appear in
// the KeyTable; it is only used after that lookup succeeds.
//
// # Verification
//
//	decoded := signature ^ 65537 mod modulus
//	digest  := CheckPadding(decoded)
//	ok      := digest == SHA-256(signed data)
//
// Sign and the PEM helpers exist for host tooling and tests that need to
// produce images the hub accepts.
package sigverify
