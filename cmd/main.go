// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/mochi-mqtt/durable"
	"github.com/mochi-mqtt/durable/config"
	"github.com/mochi-mqtt/durable/listeners"
	"github.com/mochi-mqtt/durable/persist/builtin"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for TCP listener")
	wsAddr := flag.String("ws", ":1882", "network address for Websocket listener")
	infoAddr := flag.String("info", ":8080", "network address for web info dashboard listener")
	dbPath := flag.String("db", "mochi.db", "path of the builtin persistent database file")
	configFile := flag.String("config", "", "path to a JSON or YAML config file; replaces the other flags")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	var opts *mqtt.Options
	if *configFile != "" {
		o, err := config.FromFile(*configFile)
		if err != nil {
			log.Fatal(err)
		}
		opts = o
	}

	if opts == nil {
		opts = &mqtt.Options{
			Listeners: []listeners.Config{
				{Type: listeners.TypeTCP, ID: "t1", Address: *tcpAddr},
				{Type: listeners.TypeWS, ID: "ws1", Address: *wsAddr},
				{Type: listeners.TypeSysInfo, ID: "stats", Address: *infoAddr},
			},
			Backend:       new(builtin.Backend),
			BackendConfig: &builtin.Options{Path: *dbPath},
		}
	}

	server := mqtt.New(opts)
	if err := server.Serve(); err != nil {
		log.Fatal(err)
	}

	<-done
	server.Log.Warn("caught signal, stopping...")
	if err := server.Close(); err != nil {
		server.Log.Error("failed to close server", "error", err)
	}
	server.Log.Info("main.go finished")
}
