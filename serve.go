package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"udpxfer/discovery"
	"udpxfer/network"
)

func (a *app) serve(ctx context.Context, args []string) error {
	cfg := a.cfg
	fs := a.newFlagSet("serve")
	fs.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "UDP address to bind")
	fs.StringVar(&cfg.ServeDirectory, "dir", cfg.ServeDirectory, "directory files are served from")
	fs.BoolVar(&cfg.DiscoveryEnabled, "discovery", cfg.DiscoveryEnabled, "advertise this sender via mDNS")
	bindTransferFlags(fs, cfg)
	if err := a.parse(fs, args); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := a.openStore(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	server, err := network.Listen(cfg.ListenAddress, network.ServerOptions{
		Root:       cfg.ServeDirectory,
		ChunkSize:  cfg.ChunkSize,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
		Store:      store,
		OnTransfer: a.printTransferEvent,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("sender close error", zap.Error(err))
		}
	}()

	fmt.Fprintf(a.stdout, "Node:            %s (%s)\n", cfg.NodeName, cfg.NodeID)
	fmt.Fprintf(a.stdout, "Listening:       %s\n", server.Addr())
	fmt.Fprintf(a.stdout, "Serving:         %s\n", cfg.ServeDirectory)
	fmt.Fprintf(a.stdout, "Chunk Size:      %d\n", cfg.ChunkSize)
	fmt.Fprintf(a.stdout, "Config File:     %s\n", a.cfgPath)

	if cfg.DiscoveryEnabled {
		port := 0
		if udpAddr, ok := server.Addr().(*net.UDPAddr); ok {
			port = udpAddr.Port
		}
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			NodeID:    cfg.NodeID,
			NodeName:  cfg.NodeName,
			Port:      port,
			ChunkSize: cfg.ChunkSize,
		})
		if err != nil {
			logger.Warn("discovery startup failed", zap.Error(err))
		} else {
			defer broadcaster.Stop()
			fmt.Fprintln(a.stdout, "Discovery:       advertising")
		}
	}

	fmt.Fprintln(a.stdout, "Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Fprintln(a.stdout, "Status:          shutting down")
	return nil
}

func (a *app) printTransferEvent(event network.TransferEvent) {
	if event.Err != nil {
		fmt.Fprintf(a.stdout, "%s requested %q: %v\n", event.Peer, event.Filename, event.Err)
		return
	}
	fmt.Fprintf(a.stdout, "%s requested %q: streamed %d chunks (transfer %s)\n",
		event.Peer, event.Filename, event.TotalChunks, event.TransferID)
}
