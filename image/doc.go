// Package image provides encoding and parsing of sensor hub firmware
// images.
//
// # Container Format
//
// Every upload starts with a 32-byte little-endian AppHeader:
//
//	[MAGIC "NHAP"(4)][VERSION(2)][FLAGS(2)][APP_ID(8)][APP_VERSION(4)]
//	[PAYLOAD_TYPE(1)][RFU(3)][PAYLOAD_SIZE(4)][RFU(4)]
//
// followed by, in order:
//
//	[KEY_ID(8)][IV(16)]          if FlagEncrypted
//	[BODY]                       AES-256-CBC, zero padded, if FlagEncrypted
//	[SIGNATURE(256)][PUBKEY(256)] if FlagSigned
//
// The signature covers the header and the plaintext body. The payload type
// says what the body is: an application, a KeyInfo record, or an OS image.
//
// # OS Images
//
// An OS image is an OSHeader, the kernel payload, and a signature trailer:
//
//	[MAGIC "Nanohub OS\0"(11)][MARKER(1)][SIZE(4)][PAYLOAD][SIG(256)][PUBKEY(256)]
//
// The marker byte starts as MarkerInProgress and is only ever programmed
// downward by the bootloader.
//
// # Usage
//
//	b := &image.Builder{SignWith: key}
//	os, err := b.BuildOS(kernel)
//	container, err := b.Build(image.NewAppHeader(id, 1, image.PayloadOS, image.FlagApplication), os)
//
//	c, err := image.ParseBytes(container)
//	fmt.Printf("App: %s, %d bytes\n", c.Header.AppID, c.Header.PayloadSize)
package image
