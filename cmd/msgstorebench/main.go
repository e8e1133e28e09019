// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command msgstorebench drives a message store through a
// write/sync/read/remove cycle and reports throughput, the same way
// the teacher's own benchmark commands report compression throughput:
// a plain flag-driven binary over a tight timed loop, no test
// framework involved.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/coremq/msgstore/config"
	"github.com/coremq/msgstore/msgid"
	"github.com/coremq/msgstore/msgstore"
	"github.com/coremq/msgstore/segfile"
)

func fatalf(f string, args ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

func main() {
	var (
		dir    string
		count  int
		size   int
		sync   bool
		remove bool
	)
	flag.StringVar(&dir, "dir", "", "directory to use as the store (default: a fresh temp dir)")
	flag.IntVar(&count, "n", 100000, "number of messages to write")
	flag.IntVar(&size, "size", 512, "payload size in bytes")
	flag.BoolVar(&sync, "sync", true, "wait for every write's durability callback before reading back")
	flag.BoolVar(&remove, "remove", true, "remove every message after reading it back")
	flag.Parse()

	if dir == "" {
		d, err := os.MkdirTemp("", "msgstorebench-*")
		if err != nil {
			fatalf("creating temp dir: %s", err)
		}
		defer os.RemoveAll(d)
		dir = d
	}

	cfg := config.Default()
	var key segfile.Key
	rand.Read(key[:])

	store, err := msgstore.New(dir, key, cfg)
	if err != nil {
		fatalf("opening store: %s", err)
	}
	defer store.Terminate()

	client := segfile.ClientRef(1)
	done := make(chan struct{}, count)
	store.ClientInit(client, msgstore.ClientRecord{
		OnMsgDurable: func(ids []msgid.ID, action msgstore.DurableAction) {
			for range ids {
				done <- struct{}{}
			}
		},
	})

	payload := make([]byte, size)
	rand.Read(payload)

	ids := make([]msgid.ID, count)
	start := time.Now()
	for i := range ids {
		ids[i] = msgid.New()
		store.Write(client, ids[i], payload)
	}
	writeDur := time.Since(start)

	if sync {
		syncStart := time.Now()
		for range ids {
			<-done
		}
		fmt.Printf("sync fence: %s\n", time.Since(syncStart))
	}

	readStart := time.Now()
	for _, id := range ids {
		if _, err := store.Read(id); err != nil {
			fatalf("reading %s: %s", id, err)
		}
	}
	readDur := time.Since(readStart)

	if remove {
		store.Remove(client, ids)
	}

	mbps := func(d time.Duration) float64 {
		return (float64(count*size) / (1 << 20)) / d.Seconds()
	}
	fmt.Printf("write %d x %dB in %s (%.1f MB/s)\n", count, size, writeDur, mbps(writeDur))
	fmt.Printf("read  %d x %dB in %s (%.1f MB/s)\n", count, size, readDur, mbps(readDur))
}
