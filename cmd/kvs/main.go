package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"LogKV/err_def"
	"LogKV/storage"
	"LogKV/storage/bitcask"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-dir path] set <key> <value> | get <key> | rm <key> | compact\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	dataDir := flag.String("dir", ".", "path to data")
	verbose := flag.Bool("v", false, "log engine events to stderr")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	want := map[string]int{"set": 3, "get": 2, "rm": 2, "compact": 1}
	if len(args) == 0 || want[args[0]] != len(args) {
		usage()
		os.Exit(2)
	}

	var out io.Writer = io.Discard
	if *verbose {
		out = os.Stderr
	}
	// 一次性命令，不需要后台合并
	db, err := bitcask.Open(
		storage.WithDataDir(*dataDir),
		storage.WithLogger(slog.New(slog.NewTextHandler(out, nil))),
		storage.WithAutoMerge(false),
	)
	if err != nil {
		log.Fatal(err)
	}

	code := run(db, args)
	if err := db.Close(); err != nil {
		log.Fatal(err)
	}
	os.Exit(code)
}

func run(db *bitcask.Bitcask, args []string) int {
	switch args[0] {
	case "set":
		if err := db.Set(args[1], []byte(args[2])); err != nil {
			log.Print(err)
			return 1
		}
	case "get":
		val, err := db.Get(args[1])
		if errors.Is(err, err_def.ErrKeyNotFound) {
			fmt.Println("Key not found")
			return 0
		}
		if err != nil {
			log.Print(err)
			return 1
		}
		fmt.Println(string(val))
	case "rm":
		err := db.Remove(args[1])
		if errors.Is(err, err_def.ErrKeyNotFound) {
			fmt.Fprintln(os.Stderr, "Key not found")
			return 1
		}
		if err != nil {
			log.Print(err)
			return 1
		}
	case "compact":
		if err := db.Compact(true); err != nil {
			log.Print(err)
			return 1
		}
	}
	return 0
}
