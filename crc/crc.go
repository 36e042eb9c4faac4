// Package crc computes the CRC-16/ARC checksum that DSMR meters append to P1 telegrams.
package crc

import "github.com/sigurn/crc16"

// CRC_POLY_A001 is the reflected form of polynomial 0x8005.
const CRC_POLY_A001 uint16 = 0xa001

var tableARC = crc16.MakeTable(crc16.CRC16_ARC)

func CRC16_ARC(data []byte) uint16 { return crc16.Checksum(data, tableARC) }

// Bit at a time, kept as a cross check for the table driven version.
func CRC16_ARC_reference(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if (crc & 0x0001) != 0 {
				crc = (crc >> 1) ^ CRC_POLY_A001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
