package main

import (
	"flag"
	"fmt"
	"os"

	"gradedb/pkg/store"
)

// inspect dumps the raw keyspace of a database directory, optionally
// restricted to one prefix (key:, raw:, cur:, rule:, pre:).
func main() {
	var dbPath, prefix string
	var values bool
	flag.StringVar(&dbPath, "db", "", "Pebble DB path")
	flag.StringVar(&prefix, "prefix", "", "keyspace prefix to dump")
	flag.BoolVar(&values, "values", false, "print values as well")
	flag.Parse()
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}
	if err := store.Open(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	n := 0
	err := store.DBScan(prefix, func(key, value []byte) bool {
		if values {
			fmt.Printf("%s\t%s\n", key, value)
		} else {
			fmt.Printf("%s\n", key)
		}
		n++
		return true
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", n)
}
