package main

import (
	"flag"
	"fmt"
	"os"

	"btable"
)

func main() {
	entries := flag.Uint("entries", 1536, "number of table entries")
	entrySize := flag.Uint("entry-size", 8, "entry size in bytes")
	limit := flag.Uint("chunk-limit", uint(btable.SingleAllocLimit), "max bytes per chunk allocation")
	dump := flag.String("dump", "", "write a snappy-compressed snapshot to this file")
	flag.Parse()

	t, err := btable.Alloc(uint32(*entries), uint32(*entrySize), &btable.Options{
		SingleAllocLimit: uint32(*limit),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer t.Free()

	fmt.Printf("%d entries x %d bytes = %d bytes in %d partitions\n",
		t.Entries(), t.EntrySize(), t.Size(), t.Partitions())
	for i := uint32(0); i < t.Partitions(); i++ {
		p := t.GetPartition(i)
		fmt.Printf("  partition %2d: offset %10d size %10d\n", i, p.Offset, p.Size)
	}

	if *dump != "" {
		f, err := os.Create(*dump)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := t.Dump(f, btable.CompSnappy); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := f.Close(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("snapshot written to %s\n", *dump)
	}
}
