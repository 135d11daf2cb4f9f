package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"udpxfer/discovery"
	"udpxfer/models"
	"udpxfer/storage"
)

func (a *app) history(args []string) error {
	fs := a.newFlagSet("history")
	direction := fs.String("direction", "", "only list send or receive transfers")
	limit := fs.Int("limit", 20, "maximum number of transfers to list (0 for all)")
	asJSON := fs.Bool("json", false, "print transfers as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, _, err := storage.Open(a.dataDir)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer store.Close()

	transfers, err := store.ListTransfers(*direction, *limit)
	if err != nil {
		return err
	}

	views := make([]models.Transfer, 0, len(transfers))
	for _, transfer := range transfers {
		views = append(views, transferModel(transfer))
	}
	if *asJSON {
		return writeJSON(a.stdout, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(a.stdout, "No transfers recorded.")
		return nil
	}
	return writeTransferTable(a.stdout, views)
}

func (a *app) discover(ctx context.Context, args []string) error {
	fs := a.newFlagSet("discover")
	timeout := fs.Duration("timeout", discovery.DefaultScanTimeout, "how long to listen for advertisements")
	asJSON := fs.Bool("json", false, "print senders as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	senders, err := discovery.Lookup(ctx, discovery.Config{
		NodeID:      a.cfg.NodeID,
		ScanTimeout: *timeout,
	})
	if err != nil {
		return err
	}

	views := make([]models.Sender, 0, len(senders))
	for _, sender := range senders {
		views = append(views, senderModel(sender))
	}
	if *asJSON {
		return writeJSON(a.stdout, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(a.stdout, "No senders found.")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tCHUNK SIZE\tNODE ID")
	for _, view := range views {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", view.NodeName, view.Address, view.ChunkSize, view.NodeID)
	}
	return tw.Flush()
}

func writeTransferTable(w io.Writer, views []models.Transfer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDIRECTION\tSTATUS\tFILE\tPEER\tCHUNKS\tRESENDS\tMISSING\tID")
	for _, view := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			time.UnixMilli(view.StartedAt).Format(time.DateTime),
			view.Direction,
			view.Status,
			view.Filename,
			view.PeerAddress,
			view.TotalChunks,
			view.ResendRounds,
			strconv.Itoa(len(view.MissingChunks)),
			view.TransferID,
		)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func transferModel(transfer storage.Transfer) models.Transfer {
	return models.Transfer{
		TransferID:    transfer.TransferID,
		Direction:     transfer.Direction,
		PeerAddress:   transfer.PeerAddress,
		Filename:      transfer.Filename,
		ChunkSize:     transfer.ChunkSize,
		TotalChunks:   transfer.TotalChunks,
		ResendRounds:  transfer.ResendRounds,
		MissingChunks: transfer.MissingChunks,
		Status:        transfer.Status,
		Reason:        transfer.Reason,
		StartedAt:     transfer.StartedAt,
		FinishedAt:    transfer.FinishedAt,
	}
}

func senderModel(sender discovery.DiscoveredSender) models.Sender {
	return models.Sender{
		NodeID:    sender.NodeID,
		NodeName:  sender.NodeName,
		Address:   sender.Address(),
		ChunkSize: sender.ChunkSize,
		Version:   sender.Version,
		Addresses: sender.Addresses,
	}
}
