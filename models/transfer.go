package models

// Transfer is the JSON view of one recorded transfer session.
type Transfer struct {
	TransferID    string `json:"transfer_id"`
	Direction     string `json:"direction"`
	PeerAddress   string `json:"peer_address"`
	Filename      string `json:"filename"`
	ChunkSize     int    `json:"chunk_size"`
	TotalChunks   int    `json:"total_chunks"`
	ResendRounds  int    `json:"resend_rounds"`
	MissingChunks []int  `json:"missing_chunks,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	StartedAt     int64  `json:"started_at"`
	FinishedAt    *int64 `json:"finished_at,omitempty"`
}

// FetchResult is the JSON view of one completed or failed fetch.
type FetchResult struct {
	TransferID   string  `json:"transfer_id"`
	Filename     string  `json:"filename"`
	State        string  `json:"state"`
	TotalChunks  int     `json:"total_chunks"`
	Bytes        int64   `json:"bytes"`
	ResendRounds int     `json:"resend_rounds"`
	Missing      []int   `json:"missing,omitempty"`
	OutputPath   string  `json:"output_path,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Seconds      float64 `json:"seconds"`
}
