package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"LogKV/err_def"
	"LogKV/network/client"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-addr host:port] set <key> <value> | get <key> | rm <key> | compact | info\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "127.0.0.1:4000", "server address")
	timeout := flag.Duration("timeout", 10*time.Second, "dial and request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	want := map[string]int{"set": 3, "get": 2, "rm": 2, "compact": 1, "info": 1}
	n, ok := want[args[0]]
	if !ok || len(args) != n {
		usage()
		os.Exit(2)
	}

	c, err := client.Dial(*addr, *timeout)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	switch args[0] {
	case "set":
		if err := c.Set(args[1], []byte(args[2])); err != nil {
			log.Fatal(err)
		}
	case "get":
		val, err := c.Get(args[1])
		if errors.Is(err, err_def.ErrKeyNotFound) {
			fmt.Println("Key not found")
			return
		}
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(val))
	case "rm":
		err := c.Remove(args[1])
		if errors.Is(err, err_def.ErrKeyNotFound) {
			fmt.Fprintln(os.Stderr, "Key not found")
			c.Close()
			os.Exit(1)
		}
		if err != nil {
			log.Fatal(err)
		}
	case "compact":
		if err := c.Compact(); err != nil {
			log.Fatal(err)
		}
	case "info":
		raw, err := c.Info()
		if err != nil {
			log.Fatal(err)
		}
		var pretty map[string]any
		if err := json.Unmarshal(raw, &pretty); err != nil {
			fmt.Println(string(raw))
			return
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	}
}
