// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Pgz is a command line utility for inspecting and manipulating a
// pgz engine directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/pgz"
	"github.com/grailbio/pgz/log"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: pgz -dir DIR [flags] command [args]

Commands:
	get key           print the value of key
	put key value     durably set key to value
	delete key        durably delete key
	scan [start end]  print keys and values in [start, end)
	stats             print engine statistics

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var (
		dir     = flag.String("dir", "", "engine directory")
		direct  = flag.Bool("direct", false, "bypass the page cache (O_DIRECT)")
		verbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Usage = usage
	flag.Parse()
	if *verbose {
		log.SetLevel(log.Debug)
	}
	if *dir == "" || flag.NArg() == 0 {
		usage()
	}
	ctx := context.Background()
	db, err := pgz.Open(ctx, *dir, pgz.Options{Direct: *direct})
	if err != nil {
		log.Fatalf("open %s: %v", *dir, err)
	}
	defer func() {
		if err := db.Close(ctx); err != nil {
			log.Fatalf("close: %v", err)
		}
	}()

	args := flag.Args()
	switch cmd, args := args[0], args[1:]; cmd {
	case "get":
		if len(args) != 1 {
			usage()
		}
		v, err := db.Get(ctx, []byte(args[0]))
		if err != nil {
			log.Fatalf("get %s: %v", args[0], err)
		}
		os.Stdout.Write(v) // nolint: errcheck
		fmt.Println()
	case "put":
		if len(args) != 2 {
			usage()
		}
		if err := db.Put(ctx, []byte(args[0]), []byte(args[1])); err != nil {
			log.Fatalf("put %s: %v", args[0], err)
		}
	case "delete":
		if len(args) != 1 {
			usage()
		}
		if err := db.Delete(ctx, []byte(args[0])); err != nil {
			log.Fatalf("delete %s: %v", args[0], err)
		}
	case "scan":
		var start, end []byte
		switch len(args) {
		case 0:
		case 2:
			start, end = []byte(args[0]), []byte(args[1])
		default:
			usage()
		}
		err := db.View(ctx, func(x *pgz.Txn) error {
			s := x.Scan(ctx, start, end)
			defer s.Close()
			for s.Next() {
				fmt.Printf("%s\t%s\n", s.Key(), s.Value())
			}
			return s.Err()
		})
		if err != nil {
			log.Fatalf("scan: %v", err)
		}
	case "stats":
		s := db.Stats()
		fmt.Printf("memtable bytes:\t%d\n", s.Tree.MemTableBytes)
		fmt.Printf("frozen memtables:\t%d\n", s.Tree.FrozenMemTables)
		fmt.Printf("vlog segments:\t%d\n", s.Tree.Segments)
		fmt.Printf("manifest epoch:\t%d\n", s.Tree.Epoch)
		fmt.Printf("max commit ts:\t%d\n", s.Tree.MaxCommitTs)
		fmt.Printf("vlog live bytes:\t%d\n", s.Tree.LiveBytes)
		fmt.Printf("vlog garbage bytes:\t%d\n", s.Tree.GarbageBytes)
		fmt.Printf("flushes:\t%d\n", s.Tree.Flushes)
		fmt.Printf("compactions:\t%d\n", s.Tree.Compactions)
		fmt.Printf("gc runs:\t%d\n", s.Tree.GCRuns)
		fmt.Printf("commits:\t%d\n", s.Txn.Commits)
		fmt.Printf("conflicts:\t%d\n", s.Txn.Conflicts)
		for i, lvl := range s.Tree.Levels {
			fmt.Printf("L%d:\t%d tables\t%d bytes\n", i, lvl.Tables, lvl.Bytes)
		}
		fmt.Printf("background factor:\t%.3f\n", s.BackgroundFactor)
		fmt.Printf("background io rate:\t%.0f B/s\n", s.BackgroundIORate)
	default:
		usage()
	}
}
