// Package flash implements the flash primitive layer of the sensor hub.
//
// # Flash Table
//
// Flash is described by a static table of sectors, each tagged with the
// region it belongs to:
//
//	+------------+--------------+--------------+------------------------+
//	| bootloader | EE-data (x2) | kernel image | shared staging (x N)   |
//	+------------+--------------+--------------+------------------------+
//
// # Safety Rules
//
// Every Program and Erase request goes through the typed-area guard
// (Layout.CheckRange) before the device is touched: a request that leaves
// the table or overlaps a sector of another type is rejected.
//
// Program additionally refuses any write that would need a 0-to-1 bit
// transition:
//
//	for every byte: (existing & new) == new
//
// If a single byte fails the check nothing is written. Otherwise only the
// differing bytes are programmed and the result is read back.
//
// # Devices
//
// Device is the hardware contract (unlock keys, byte program, sector erase,
// busy status). MemDevice is a RAM-backed NOR simulation used by tests, the
// in-process hub and the hubtool CLI, which persists it with SaveSnapshot
// and LoadSnapshot.
package flash
