package models

// Sender represents a sender found through local network discovery.
type Sender struct {
	NodeID    string   `json:"node_id"`
	NodeName  string   `json:"node_name"`
	Address   string   `json:"address"`
	ChunkSize int      `json:"chunk_size"`
	Version   int      `json:"version"`
	Addresses []string `json:"addresses"`
}
