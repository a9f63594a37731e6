package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"campusmerit.org/internal/migrate"
	"campusmerit.org/internal/obs"
)

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("MERIT_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "Directory holding sql/ and seeds/ (default: schema embedded in the binary)")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	flag.Parse()

	log := obs.Logger()
	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or MERIT_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	var fsys fs.FS
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(db, fsys)

	cmd := flag.Arg(0)
	entry := log.WithField("command", cmd)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		logApplied(entry, applied)
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		logApplied(entry, applied)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			entry.WithField("migration", name).Info("rolled back")
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		entry.WithError(err).Fatal("migrate failed")
	}
}

func logApplied(entry *logrus.Entry, names []string) {
	if len(names) == 0 {
		entry.Info("nothing to apply")
		return
	}
	for _, name := range names {
		entry.WithField("file", name).Info("applied")
	}
}
