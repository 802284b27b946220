// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Command tircd is a minimal terminal IRC client built on the tirc
// package: it connects, joins a channel on ready, logs debug output,
// readiness, trigger, network-error and DCC events to stdout (channel
// messages themselves are not printed), and accepts incoming DCC SEND
// offers into a local downloads directory. Mirrors the shape of girc's own
// examples/simple, generalized to this system's component set.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/tirc-core/tirc"
	"github.com/tirc-core/tirc/dcc"
)

func main() {
	var (
		server      = flag.String("server", "irc.libera.chat", "IRC server to connect to")
		port        = flag.Int("port", 6697, "server port")
		ssl         = flag.Bool("ssl", true, "use TLS")
		nick        = flag.String("nick", "tircd-user", "nickname")
		channel     = flag.String("channel", "", "channel to join once registered")
		downloadDir = flag.String("download-dir", "downloads", "directory DCC receives are saved to")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "tircd: ", log.LstdFlags)

	cfg := tirc.Config{
		Server:      *server,
		Port:        *port,
		SSL:         *ssl,
		Nick:        *nick,
		User:        *nick,
		Name:        "tircd",
		RequestCaps: []string{"server-time", "message-tags", "account-tag", "multi-prefix"},
		Debug:       logger,
	}

	client := tirc.New(cfg)

	dccMgr, err := dcc.NewManager(dcc.Config{
		Enabled:           true,
		DownloadDir:       *downloadDir,
		MaxFileSize:       1 << 30,
		BlockedExtensions: dcc.DefaultBlockedExtensions,
		ChecksumAlgorithm: "sha256",
	})
	if err != nil {
		logger.Fatalf("setting up dcc manager: %v", err)
	}
	dccMgr.Event = func(name string, data map[string]interface{}) {
		logger.Printf("dcc event %s: %v", name, data)
	}

	client.Bus.Subscribe("ClientReady", func(_ string, data map[string]interface{}) {
		logger.Printf("registered as %v", data["nick"])
		if *channel != "" {
			if err := client.Cmd.Join(*channel, ""); err != nil {
				logger.Printf("joining %s: %v", *channel, err)
			}
		}
	})

	client.Bus.Subscribe("TriggerFired", func(_ string, data map[string]interface{}) {
		logger.Printf("trigger %v fired, command: %v", data["trigger_id"], data["command"])
	})

	client.Bus.Subscribe("NetworkTransient", func(_ string, data map[string]interface{}) {
		logger.Printf("network error: %v", data["error"])
	})

	client.Bus.Subscribe("Privmsg", func(_ string, data map[string]interface{}) {
		text, _ := data["message"].(string)
		if !strings.HasPrefix(text, "\x01DCC ") || !strings.HasSuffix(text, "\x01") {
			return
		}
		nick, _ := data["nick"].(string)
		userhost, _ := data["userhost"].(string)

		if err := dccMgr.HandleIncomingCTCP(nick, userhost, strings.Trim(text, "\x01"), true); err != nil {
			logger.Printf("dcc offer from %s: %v", nick, err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		client.Quit("disconnecting")
		dccMgr.Close()
		cancel()
	}()

	client.Run(ctx)
}
