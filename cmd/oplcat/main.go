// cmd/oplcat/main.go
//
// Standalone .opl dump/validator: scans a session file for consecutive
// OPNY blocks, verifies each block's CRC32, and prints a one-line
// summary per block. Exits non-zero if a delimited block fails its CRC
// or does not decode. Trailing bytes after the last complete block (the
// readable prefix a crash mid-write leaves) are reported as a warning
// and are not treated as fatal.
//
// A small single-purpose cmd/ tool living alongside the main binary;
// this one reuses internal/opl's decode path instead of bringing up
// any hardware.
package main

import (
	"flag"
	"fmt"
	"os"

	"openponylogger/internal/opl"
)

func main() {
	verbose := flag.Bool("v", false, "print every decoded sample, not just block summaries")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: oplcat [-v] <session_NNNNN.opl>")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "oplcat: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, verbose bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	blocks, consumed, err := opl.ScanBlocks(data)
	if err != nil {
		return err
	}

	var sawHeader, sawEnd bool
	var dataBlocks, totalSamples int

	for i, raw := range blocks {
		switch raw.Type {
		case opl.BlockSessionHeader:
			h, err := opl.DecodeSessionHeader(raw.Raw)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			sawHeader = true
			fmt.Printf("[%d] SESSION_HEADER name=%q driver=%q vehicle=%q fmt=%d.%d hw=%d.%d ts_us=%d\n",
				i, h.SessionName, h.DriverName, h.VehicleID, h.FmtMajor, h.FmtMinor, h.HwMajor, h.HwMinor, h.TimestampUs)

		case opl.BlockHardwareConfig:
			items, err := opl.DecodeHardwareConfig(raw.Raw)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			fmt.Printf("[%d] HARDWARE_CONFIG items=%d\n", i, len(items))
			for _, it := range items {
				fmt.Printf("      kind=%d conn=%d id=%q\n", it.Kind, it.Conn, it.Identifier)
			}

		case opl.BlockData:
			d, err := opl.DecodeDataBlock(raw.Raw)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			dataBlocks++
			totalSamples += len(d.Samples)
			fmt.Printf("[%d] DATA seq=%d samples=%d flags=0x%02x ts=[%d,%d]\n",
				i, d.Sequence, len(d.Samples), d.Flags, d.TsStartUs, d.TsEndUs)
			if verbose {
				for _, s := range d.Samples {
					fmt.Printf("      kind=%d ts_us=%d\n", s.Kind, s.TSUs)
				}
			}

		case opl.BlockSessionEnd:
			id, err := opl.DecodeSessionEnd(raw.Raw)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			sawEnd = true
			fmt.Printf("[%d] SESSION_END id=%x\n", i, id)

		default:
			return fmt.Errorf("block %d: unknown block type 0x%02x", i, raw.Type)
		}
	}

	fmt.Printf("---\n%d blocks, %d data blocks, %d samples, header=%v end=%v\n",
		len(blocks), dataBlocks, totalSamples, sawHeader, sawEnd)

	if consumed < len(data) {
		fmt.Printf("warning: %d trailing bytes after the last valid block (readable prefix of a crashed write, or corruption)\n",
			len(data)-consumed)
	}
	if !sawEnd {
		fmt.Println("note: no SESSION_END block — file was not cleanly closed")
	}
	return nil
}
