// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Command convert copies a builtin persistent database file into an sqlite database.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	mqtt "github.com/mochi-mqtt/durable"
	"github.com/mochi-mqtt/durable/persist/builtin"
	"github.com/mochi-mqtt/durable/persist/null"
	"github.com/mochi-mqtt/durable/persist/sqlite"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run converts the files named by args and returns the process exit code.
func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbose := fs.Bool("v", false, "log the conversion progress")
	synchronous := fs.String("synchronous", "full", "sqlite synchronous mode of the destination: off, normal, full or extra")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: convert [-v] [-synchronous mode] <source-db-file> <destination-db-file>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	src, dst := fs.Arg(0), fs.Arg(1)
	if err := convert(log, src, &sqlite.Options{Path: dst, Synchronous: *synchronous}); err != nil {
		log.Error("conversion failed", "error", err, "source", src, "destination", dst)
		return 1
	}

	return 0
}

// convert restores the builtin database at src and replays it into an sqlite
// database. The source file is never written.
func convert(log *slog.Logger, src string, dst *sqlite.Options) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}

	server := mqtt.New(&mqtt.Options{Logger: log})
	if err := server.SetBackend(new(builtin.Backend), &builtin.Options{Path: src}); err != nil {
		return err
	}

	if err := server.Restore(); err != nil {
		return err
	}

	if err := server.SetBackend(new(null.Backend), nil); err != nil {
		return err
	}

	out := new(sqlite.Backend)
	out.SetOpts(log.With("backend", out.ID()))
	if err := out.Init(dst); err != nil {
		return err
	}

	if err := server.Replay(out); err != nil {
		_ = out.Stop()
		return err
	}

	return out.Stop()
}
