// Command driftdb is a small demo driving the library API directly:
// open a database, create a table, run a transaction, and print what
// committed. There is no REPL or server here — per the library-API
// surface, driftdb is meant to be embedded, not talked to over a
// socket.
package main

import (
	"flag"
	"fmt"
	"log"

	"driftdb/pkg/config"
	"driftdb/pkg/database"

	"github.com/google/uuid"
)

func main() {
	dbFlag := flag.String("db", "data/", "database directory")
	flag.Parse()

	cfg := config.Default(*dbFlag)
	db, err := database.Open(cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Close()

	heap, err := db.Table("accounts")
	if err != nil {
		heap, err = db.CreateTable("accounts")
		if err != nil {
			log.Fatalf("create table: %v", err)
		}
	}

	client := uuid.New()
	t, err := db.Begin(client)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}

	r, err := db.Txn().Insert(t, heap, 100)
	if err != nil {
		log.Fatalf("insert: %v", err)
	}
	if err := db.Txn().Update(t, heap, r, 150); err != nil {
		log.Fatalf("update: %v", err)
	}
	if err := db.Txn().Commit(client); err != nil {
		log.Fatalf("commit: %v", err)
	}

	value, err := heap.Get(r)
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	fmt.Printf("%v: committed tuple %+v = %d\n", config.DBName, r, value)
}
