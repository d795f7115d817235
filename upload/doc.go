// Package upload receives app, key and OS containers from the host into
// the shared flash area.
//
// A Manager is driven by three calls matching the host commands: Start
// announces the size and CRC-32 of a container, Chunk hands over the next
// piece at an offset, and Finish asks for the outcome. Chunks are fed to
// the appsec verifier in FeedSize steps on the kernel loop while the
// verified plaintext is written to a freshly created segment. The segment
// is closed VALID only when the signature, CRC and header checks pass; key
// payloads then go to the key store and OS images get their update marker
// set instead of being started as apps.
//
// Chunk replies tell the host what to do next: resend while the previous
// chunk is still being processed, wait while the shared area is erased,
// or restart from offset zero after an out of sequence chunk.
package upload
